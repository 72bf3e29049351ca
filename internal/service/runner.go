package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"ytclip/internal/cache"
	"ytclip/internal/core/domain"
	"ytclip/internal/core/ports"
)

// StepError is the failed outcome of one runner step.
type StepError struct {
	Stage string
	Err   error
}

func (e *StepError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

func stepFailed(stage string, err error) *StepError {
	return &StepError{Stage: stage, Err: err}
}

// RunnerConfig holds the execution limits of a Runner.
type RunnerConfig struct {
	DownloadTimeout time.Duration
	CutTimeout      time.Duration
	SampleRate      float64 // continuous progress writes per second
}

// Runner executes one job at a time: download (or reuse) the source, cut the segment
// and finalize the record.
type Runner struct {
	jobs       ports.JobStore
	metadata   ports.MetadataStore
	downloader ports.Downloader
	cutter     ports.SegmentCutter
	artifacts  ports.ArtifactStore
	cache      *cache.SourceCache
	events     *EventBus
	cfg        RunnerConfig
	logger     *log.Logger
	now        func() time.Time
}

// NewRunner creates a new Runner.
func NewRunner(
	jobs ports.JobStore,
	metadata ports.MetadataStore,
	downloader ports.Downloader,
	cutter ports.SegmentCutter,
	artifacts ports.ArtifactStore,
	sourceCache *cache.SourceCache,
	events *EventBus,
	cfg RunnerConfig,
	logger *log.Logger,
) *Runner {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Minute
	}
	if cfg.CutTimeout <= 0 {
		cfg.CutTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Runner{
		jobs:       jobs,
		metadata:   metadata,
		downloader: downloader,
		cutter:     cutter,
		artifacts:  artifacts,
		cache:      sourceCache,
		events:     events,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Events exposes the checkpoint log written by this runner.
func (r *Runner) Events() *EventBus {
	return r.events
}

// Run executes the job with the given id. A job that is no longer pending is skipped,
// so a redelivered id is harmless. Step failures are recorded on the job and are not
// returned; the error result is reserved for jobs that could not be loaded or saved.
func (r *Runner) Run(ctx context.Context, jobID string) (err error) {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != domain.JobStatusPending {
		r.logger.Printf("[JOB %s] Skipping, status is %s", jobID, job.Status)
		return nil
	}

	// the reporter owns its own copy; job below is only read for the request fields
	tracked := job
	progress := newProgressReporter(&tracked, r.jobs, r.events, r.cfg.SampleRate, r.logger)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("[JOB %s] PANIC: %v", jobID, rec)
			err = r.fail(ctx, progress, stepFailed("internal", fmt.Errorf("%v", rec)))
		}
	}()

	if err := progress.Start(ctx); err != nil {
		return fmt.Errorf("start job %s: %w", jobID, err)
	}
	r.logger.Printf("[JOB %s] Processing %s [%d-%d] at %s", jobID, job.SourceID, job.Start, job.End, job.Quality)

	if stepErr := r.execute(ctx, &job, progress); stepErr != nil {
		return r.fail(ctx, progress, stepErr)
	}

	done := progress.Snapshot()
	r.logger.Printf("[JOB %s] Completed -> %s", jobID, done.Output)
	return nil
}

func (r *Runner) execute(ctx context.Context, job *domain.JobRecord, progress *progressReporter) *StepError {
	meta, err := r.metadata.Get(ctx, job.SourceID)
	if err != nil {
		return stepFailed("metadata", err)
	}
	key := domain.CacheKey{SourceID: job.SourceID, Quality: job.Quality}
	if err := progress.Checkpoint(ctx, ProgressResolved, "resolved"); err != nil {
		return stepFailed("progress", err)
	}
	r.logger.Printf("[JOB %s] Source %q, cache key %s", job.ID, meta.Title, key)

	sourcePath, stepErr := r.ensureSource(ctx, job, key, progress)
	if stepErr != nil {
		return stepErr
	}

	if err := progress.Checkpoint(ctx, ProgressCutting, "cutting"); err != nil {
		return stepFailed("progress", err)
	}
	ref, outPath := r.artifacts.OutputPath(domain.OutputFileName(key, job.Start, job.End))

	cutCtx, cancel := context.WithTimeout(ctx, r.cfg.CutTimeout)
	err = r.cutter.Cut(cutCtx, sourcePath, job.Start, job.End, outPath)
	cancel()
	if err != nil {
		return stepFailed("cut", timeoutAware(err, r.cfg.CutTimeout))
	}
	if err := progress.Checkpoint(ctx, ProgressCut, "cut"); err != nil {
		return stepFailed("progress", err)
	}

	if err := progress.Complete(ctx, ref, r.now()); err != nil {
		return stepFailed("finalize", err)
	}
	return nil
}

// ensureSource returns the cached full download for key, fetching it under the lease
// on a miss. The lease is released on every path.
func (r *Runner) ensureSource(ctx context.Context, job *domain.JobRecord, key domain.CacheKey, progress *progressReporter) (string, *StepError) {
	lease, err := r.cache.Acquire(ctx, key)
	if err != nil {
		return "", stepFailed("cache", err)
	}
	defer func() {
		if err := lease.Release(); err != nil {
			r.logger.Printf("[JOB %s] %v", job.ID, err)
		}
	}()

	if lease.Hit() {
		r.logger.Printf("[JOB %s] Cache hit %s", job.ID, lease.Path())
	} else {
		r.logger.Printf("[JOB %s] Cache miss, downloading %s", job.ID, key)
		dlCtx, cancel := context.WithTimeout(ctx, r.cfg.DownloadTimeout)
		err := r.downloader.Download(dlCtx, ports.DownloadRequest{
			SourceID: key.SourceID,
			Quality:  key.Quality,
			Dest:     lease.WritePath(),
		}, progress.DownloadCallback(ctx))
		cancel()
		if err != nil {
			return "", stepFailed("download", timeoutAware(err, r.cfg.DownloadTimeout))
		}
		if err := lease.Commit(); err != nil {
			return "", stepFailed("cache", err)
		}
	}

	if err := progress.Checkpoint(ctx, ProgressDownloaded, "downloaded"); err != nil {
		return "", stepFailed("progress", err)
	}
	return lease.Path(), nil
}

func (r *Runner) fail(ctx context.Context, progress *progressReporter, stepErr *StepError) error {
	snap := progress.Snapshot()
	r.logger.Printf("[JOB %s] ERROR: %s", snap.ID, stepErr.Error())
	if snap.Terminal() {
		return nil
	}
	// the job's own context may be the reason for the failure
	if err := progress.Fail(context.WithoutCancel(ctx), stepErr.Error(), r.now()); err != nil {
		return fmt.Errorf("record failure of job %s: %w", snap.ID, err)
	}
	return nil
}

func timeoutAware(err error, limit time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s", limit)
	}
	return err
}
