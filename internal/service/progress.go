package service

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ytclip/internal/core/domain"
	"ytclip/internal/core/ports"
)

// Progress checkpoints of a job run.
const (
	ProgressAccepted   = 5
	ProgressResolved   = 10
	ProgressDownloaded = 65
	ProgressCutting    = 70
	ProgressCut        = 90

	downloadCeiling = 60
)

// DefaultSampleRate bounds continuous progress writes per job.
const DefaultSampleRate = 4

// progressReporter is the only writer of a job record while it runs. Checkpoints
// always persist; samples persist only when they raise the value and the limiter allows.
type progressReporter struct {
	mu      sync.Mutex
	job     *domain.JobRecord
	store   ports.JobStore
	events  *EventBus
	limiter *rate.Limiter
	logger  *log.Logger
}

func newProgressReporter(job *domain.JobRecord, store ports.JobStore, events *EventBus, perSecond float64, logger *log.Logger) *progressReporter {
	if perSecond <= 0 {
		perSecond = DefaultSampleRate
	}
	return &progressReporter{
		job:     job,
		store:   store,
		events:  events,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  logger,
	}
}

// Checkpoint raises progress to value and persists it.
func (p *progressReporter) Checkpoint(ctx context.Context, value int, stage string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.apply(ctx, stage, "", func(j *domain.JobRecord) (bool, error) {
		return j.AdvanceProgress(value)
	})
}

// Sample records a continuous progress value. Errors are logged, not returned,
// since samples arrive from inside a transfer callback.
func (p *progressReporter) Sample(ctx context.Context, value int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if value <= p.job.Progress || !p.limiter.Allow() {
		return
	}
	err := p.apply(ctx, "download", "", func(j *domain.JobRecord) (bool, error) {
		return j.AdvanceProgress(value)
	})
	if err != nil {
		p.logger.Printf("[JOB %s] progress write failed: %v", p.job.ID, err)
	}
}

// DownloadCallback maps transfer progress into the download range of the job.
func (p *progressReporter) DownloadCallback(ctx context.Context) ports.ProgressFunc {
	return func(dp ports.DownloadProgress) {
		if dp.Finished {
			if err := p.Checkpoint(ctx, ProgressDownloaded, "downloaded"); err != nil {
				p.logger.Printf("[JOB %s] progress write failed: %v", p.job.ID, err)
			}
			return
		}
		if dp.Total <= 0 || dp.Downloaded < 0 {
			return
		}
		done := dp.Downloaded
		if done > dp.Total {
			done = dp.Total
		}
		p.Sample(ctx, ProgressResolved+int(int64(downloadCeiling-ProgressResolved)*done/dp.Total))
	}
}

// Start moves the pending record into processing at the accepted checkpoint.
func (p *progressReporter) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.apply(ctx, "accepted", "", func(j *domain.JobRecord) (bool, error) {
		return true, j.MarkProcessing(ProgressAccepted)
	})
}

// Complete finalizes the record in one write.
func (p *progressReporter) Complete(ctx context.Context, output string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.apply(ctx, "completed", "", func(j *domain.JobRecord) (bool, error) {
		return true, j.MarkCompleted(output, at)
	})
}

// Fail finalizes the record as failed with message.
func (p *progressReporter) Fail(ctx context.Context, message string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.apply(ctx, "failed", message, func(j *domain.JobRecord) (bool, error) {
		return true, j.MarkFailed(message, at)
	})
}

// Snapshot returns a copy of the record as last written.
func (p *progressReporter) Snapshot() domain.JobRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.job
}

// apply runs change on a copy of the record and adopts the copy only once the
// store accepted it, so the in-memory record never runs ahead of the stored one.
func (p *progressReporter) apply(ctx context.Context, stage, message string, change func(*domain.JobRecord) (bool, error)) error {
	next := *p.job
	changed, err := change(&next)
	if err != nil || !changed {
		return err
	}
	if err := p.store.Update(ctx, next); err != nil {
		return err
	}
	*p.job = next
	p.publishLocked(stage, message)
	return nil
}

func (p *progressReporter) publishLocked(stage, message string) {
	if p.events == nil {
		return
	}
	p.events.Publish(Event{
		JobID:    p.job.ID,
		Status:   p.job.Status,
		Progress: p.job.Progress,
		Stage:    stage,
		Message:  message,
	})
}
