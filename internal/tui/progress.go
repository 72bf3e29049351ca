package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ytclip/internal/core/domain"
	"ytclip/internal/core/ports"
	"ytclip/internal/service"
)

// DefaultPollInterval is how often the job record is re-read.
const DefaultPollInterval = 250 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Source is where the watcher reads job state from.
type Source struct {
	Jobs   ports.JobStore
	Events *service.EventBus
}

type statusMsg struct {
	job    domain.JobRecord
	events []service.Event
	err    error
}

type tickMsg time.Time

// Model renders one job's progress until it reaches a terminal status.
type Model struct {
	ctx      context.Context
	src      Source
	jobID    string
	title    string
	interval time.Duration

	bar      progress.Model
	job      domain.JobRecord
	stage    string
	lastSeq  int64
	err      error
	done     bool
	quitting bool
}

// NewModel creates a watcher for jobID. title is shown above the bar.
func NewModel(ctx context.Context, src Source, jobID, title string) Model {
	return Model{
		ctx:      ctx,
		src:      src,
		jobID:    jobID,
		title:    title,
		interval: DefaultPollInterval,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(48)),
		job:      domain.JobRecord{ID: jobID, Status: domain.JobStatusPending},
	}
}

// Job is the last observed record.
func (m Model) Job() domain.JobRecord { return m.job }

// Interrupted reports whether the user quit before the job finished.
func (m Model) Interrupted() bool { return m.quitting && !m.done }

func (m Model) Init() tea.Cmd {
	return m.fetch()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		w := msg.Width - 8
		if w > 80 {
			w = 80
		}
		if w > 10 {
			m.bar.Width = w
		}
	case tickMsg:
		return m, m.fetch()
	case statusMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.job = msg.job
		for _, ev := range msg.events {
			m.lastSeq = ev.Seq
			if ev.Stage != "" {
				m.stage = ev.Stage
			}
		}
		if m.job.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
	}
	return m, nil
}

func (m Model) View() string {
	header := titleStyle.Render(m.title)
	bar := m.bar.ViewAs(float64(m.job.Progress) / 100)

	var status string
	switch {
	case m.err != nil:
		status = errorStyle.Render("error: " + m.err.Error())
	case m.job.Status == domain.JobStatusCompleted:
		status = okStyle.Render("completed") + " " + mutedStyle.Render(m.job.Output)
	case m.job.Status == domain.JobStatusFailed:
		status = errorStyle.Render("failed: " + m.job.Error)
	default:
		status = string(m.job.Status)
		if m.stage != "" {
			status += " · " + m.stage
		}
		status = mutedStyle.Render(status)
	}

	hint := ""
	if !m.done && m.err == nil {
		hint = mutedStyle.Render("q to detach")
	}
	body := lipgloss.JoinVertical(lipgloss.Left, header, bar, status, hint)
	return panelStyle.Render(body) + "\n"
}

func (m Model) fetch() tea.Cmd {
	src, ctx, id, since := m.src, m.ctx, m.jobID, m.lastSeq
	return func() tea.Msg {
		return poll(ctx, src, id, since)
	}
}

func poll(ctx context.Context, src Source, jobID string, since int64) statusMsg {
	job, err := src.Jobs.Get(ctx, jobID)
	if err != nil {
		return statusMsg{err: err}
	}
	var events []service.Event
	if src.Events != nil {
		events = src.Events.Since(jobID, since)
	}
	return statusMsg{job: job, events: events}
}

// Run shows the progress view until the job is terminal or the user quits.
func Run(ctx context.Context, src Source, jobID, title string) (domain.JobRecord, error) {
	final, err := tea.NewProgram(NewModel(ctx, src, jobID, title), tea.WithContext(ctx)).Run()
	if err != nil {
		return domain.JobRecord{}, err
	}
	m := final.(Model)
	if m.err != nil {
		return m.job, m.err
	}
	if m.Interrupted() {
		return m.job, context.Canceled
	}
	return m.job, nil
}

// RunPlain prints one line per observed change instead of drawing a bar.
func RunPlain(ctx context.Context, src Source, jobID string, w io.Writer, interval time.Duration) (domain.JobRecord, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		lastLine string
		stage    string
		since    int64
	)
	for {
		msg := poll(ctx, src, jobID, since)
		if msg.err != nil {
			return domain.JobRecord{}, msg.err
		}
		for _, ev := range msg.events {
			since = ev.Seq
			if ev.Stage != "" {
				stage = ev.Stage
			}
		}
		if line := plainLine(msg.job, stage); line != lastLine {
			fmt.Fprintln(w, line)
			lastLine = line
		}
		if msg.job.Terminal() {
			return msg.job, nil
		}

		select {
		case <-ctx.Done():
			return msg.job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func plainLine(job domain.JobRecord, stage string) string {
	parts := []string{fmt.Sprintf("[%3d%%]", job.Progress), string(job.Status)}
	if stage != "" && !job.Terminal() {
		parts = append(parts, stage)
	}
	switch job.Status {
	case domain.JobStatusCompleted:
		parts = append(parts, job.Output)
	case domain.JobStatusFailed:
		parts = append(parts, job.Error)
	}
	return strings.Join(parts, " ")
}
