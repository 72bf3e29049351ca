package asynqqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

// TypeProcessSegment is the asynq task type for one segment job.
const TypeProcessSegment = "segment:process"

// ProcessPayload is the task body.
type ProcessPayload struct {
	JobID string `json:"job_id"`
}

// NewProcessTask builds the task for jobID.
func NewProcessTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ProcessPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeProcessSegment, payload), nil
}

// Queue enqueues job ids into Redis through asynq.
type Queue struct {
	client  *asynq.Client
	timeout time.Duration
}

// NewQueue connects a client to the Redis instance at addr. timeout bounds one task run.
func NewQueue(addr string, timeout time.Duration) *Queue {
	return &Queue{
		client:  asynq.NewClient(asynq.RedisClientOpt{Addr: addr}),
		timeout: timeout,
	}
}

// Enqueue implements ports.Queue. The job id doubles as the task id, so a repeated
// enqueue of the same job is a no-op.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	task, err := NewProcessTask(jobID)
	if err != nil {
		return fmt.Errorf("build task: %w", err)
	}
	opts := []asynq.Option{asynq.TaskID(jobID), asynq.MaxRetry(0)}
	if q.timeout > 0 {
		opts = append(opts, asynq.Timeout(q.timeout))
	}
	if _, err := q.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Handler runs one job id.
type Handler func(ctx context.Context, jobID string) error

// Worker consumes segment tasks from Redis.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker creates a worker server with the given concurrency.
func NewWorker(addr string, concurrency int, handler Handler, logger *log.Logger) *Worker {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProcessSegment, TaskHandler(handler, logger))
	return &Worker{
		server: asynq.NewServer(asynq.RedisClientOpt{Addr: addr}, asynq.Config{Concurrency: concurrency}),
		mux:    mux,
	}
}

// Start begins processing in the background.
func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

// Shutdown waits for active tasks and stops the server.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

// TaskHandler adapts a Handler to asynq. Failures are recorded on the job record
// by the handler itself, so they never trigger an asynq retry.
func TaskHandler(handler Handler, logger *log.Logger) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var p ProcessPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil || p.JobID == "" {
			return fmt.Errorf("bad %s payload: %v: %w", TypeProcessSegment, err, asynq.SkipRetry)
		}
		if err := handler(ctx, p.JobID); err != nil {
			if logger != nil {
				logger.Printf("[WORKER] job %s: %v", p.JobID, err)
			}
			return fmt.Errorf("job %s: %v: %w", p.JobID, err, asynq.SkipRetry)
		}
		return nil
	}
}
