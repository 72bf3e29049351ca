package service

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"ytclip/internal/core/domain"
)

const (
	defaultEventsPerJob = 1000
	defaultTrackedJobs  = 256
)

// Event is one persisted checkpoint of a job run.
type Event struct {
	Seq       int64            `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	JobID     string           `json:"task_id"`
	Status    domain.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Stage     string           `json:"stage,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// jobEvents is the retained history of one job.
type jobEvents struct {
	events  []Event
	lastSeq int64
}

// EventBus keeps the recent checkpoints of each job in its own bounded history,
// so a chatty job never pushes out another job's events. Sequence numbers are
// shared across jobs. When more than maxJobs jobs are tracked, the job that
// published least recently is forgotten.
type EventBus struct {
	mu      sync.RWMutex
	nextSeq int64
	perJob  int
	maxJobs int
	jobs    map[string]*jobEvents
}

// NewEventBus creates an event store keeping up to perJob events for each job.
func NewEventBus(perJob int) *EventBus {
	if perJob <= 0 {
		perJob = defaultEventsPerJob
	}
	return &EventBus{
		perJob:  perJob,
		maxJobs: defaultTrackedJobs,
		jobs:    make(map[string]*jobEvents),
	}
}

// Publish appends one event and assigns sequence and timestamp.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h, ok := b.jobs[event.JobID]
	if !ok {
		h = &jobEvents{}
		b.jobs[event.JobID] = h
	}
	h.events = append(h.events, event)
	if len(h.events) > b.perJob {
		h.events = slices.Clone(h.events[len(h.events)-b.perJob:])
	}
	h.lastSeq = event.Seq

	if len(b.jobs) > b.maxJobs {
		b.evictIdle()
	}
	return event
}

// evictIdle drops the job whose latest event is the oldest.
func (b *EventBus) evictIdle() {
	idle := lo.MinBy(lo.Keys(b.jobs), func(a, c string) bool {
		return b.jobs[a].lastSeq < b.jobs[c].lastSeq
	})
	delete(b.jobs, idle)
}

// Since returns the events of jobID with sequence strictly greater than seq.
// An empty jobID merges every job in sequence order.
func (b *EventBus) Since(jobID string, seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	after := func(e Event, _ int) bool { return e.Seq > seq }
	if jobID != "" {
		h, ok := b.jobs[jobID]
		if !ok {
			return []Event{}
		}
		return lo.Filter(h.events, after)
	}

	out := make([]Event, 0)
	for _, h := range b.jobs {
		out = append(out, lo.Filter(h.events, after)...)
	}
	slices.SortFunc(out, func(a, c Event) int { return cmp.Compare(a.Seq, c.Seq) })
	return out
}
