package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
)

// Handler runs one job id. Returned errors are logged; the job record carries the outcome.
type Handler func(ctx context.Context, jobID string) error

// ErrClosed is returned by Enqueue after Stop.
var ErrClosed = errors.New("queue closed")

// Pool is an in-process bounded worker pool fed by a buffered channel.
type Pool struct {
	workers int
	handler Handler
	logger  *log.Logger

	ids    chan string
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(workers, capacity int, handler Handler, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 100
	}
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Pool{
		workers: workers,
		handler: handler,
		logger:  logger,
		ids:     make(chan string, capacity),
	}
}

// Start launches the workers. They exit when ctx is cancelled or the pool is stopped.
func (p *Pool) Start(ctx context.Context) {
	for i := 1; i <= p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

// Enqueue implements ports.Queue. It blocks while the buffer is full.
func (p *Pool) Enqueue(ctx context.Context, jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.ids <- jobID:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", jobID, ctx.Err())
	}
}

// Stop closes the queue and waits for in-flight jobs and the buffered backlog.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ids)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context, n int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-p.ids:
			if !ok {
				return
			}
			p.handle(ctx, n, id)
		}
	}
}

// handle keeps a panicking job from taking the worker down.
func (p *Pool) handle(ctx context.Context, n int, id string) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Printf("[WORKER %d] job %s panicked: %v", n, id, rec)
		}
	}()
	if err := p.handler(ctx, id); err != nil {
		p.logger.Printf("[WORKER %d] job %s: %v", n, id, err)
	}
}
