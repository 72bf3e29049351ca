package domain

import (
	"fmt"
	"time"
)

var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	"": {
		JobStatusPending: true,
	},
	JobStatusPending: {
		JobStatusProcessing: true,
		JobStatusFailed:     true,
	},
	JobStatusProcessing: {
		JobStatusProcessing: true,
		JobStatusCompleted:  true,
		JobStatusFailed:     true,
	},
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// IsKnownStatus reports whether status belongs to the job state machine.
func IsKnownStatus(status JobStatus) bool {
	if status == "" {
		return false
	}
	_, ok := allowedTransitions[status]
	return ok
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// MarkProcessing moves a pending record into processing at the given progress.
func (j *JobRecord) MarkProcessing(progress int) error {
	if err := j.transition(JobStatusProcessing); err != nil {
		return err
	}
	j.Progress = clampProcessing(progress)
	return nil
}

// AdvanceProgress raises progress of a processing record. Lower values are ignored,
// so progress never decreases within a run. Reports whether the value changed.
func (j *JobRecord) AdvanceProgress(progress int) (bool, error) {
	if j.Status != JobStatusProcessing {
		return false, fmt.Errorf("%w: progress update on %s job %s", ErrInvalidTransition, j.Status, j.ID)
	}
	progress = clampProcessing(progress)
	if progress <= j.Progress {
		return false, nil
	}
	j.Progress = progress
	return true, nil
}

// MarkCompleted finalizes the record with its output reference.
func (j *JobRecord) MarkCompleted(output string, at time.Time) error {
	if output == "" {
		return fmt.Errorf("complete job %s: output reference is required", j.ID)
	}
	if err := j.transition(JobStatusCompleted); err != nil {
		return err
	}
	j.Progress = 100
	j.Output = output
	j.Error = ""
	at = at.UTC()
	j.CompletedAt = &at
	return nil
}

// MarkFailed finalizes the record with a human-readable error.
func (j *JobRecord) MarkFailed(message string, at time.Time) error {
	if message == "" {
		message = "unknown error"
	}
	if err := j.transition(JobStatusFailed); err != nil {
		return err
	}
	j.Error = message
	j.Output = ""
	at = at.UTC()
	j.CompletedAt = &at
	return nil
}

func (j *JobRecord) transition(to JobStatus) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %q -> %q (job_id=%s)", ErrInvalidTransition, j.Status, to, j.ID)
	}
	j.Status = to
	return nil
}

// processing progress stays below 100; only completion reaches it.
func clampProcessing(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 99 {
		return 99
	}
	return progress
}
