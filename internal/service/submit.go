package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ytclip/internal/core/domain"
	"ytclip/internal/core/ports"
)

// SubmitRequest is a request to extract one segment.
type SubmitRequest struct {
	SourceURL string
	Start     int
	End       int
	Quality   string
}

// Submission is the accepted job plus what the caller is told up front.
type Submission struct {
	Job               domain.JobRecord
	EstimatedSize     int64
	EstimatedDuration int
}

// SubmitterConfig holds the submission limits.
type SubmitterConfig struct {
	MaxSegmentBytes   int64         // 0 selects domain.DefaultMaxSegmentBytes
	MaxSegmentSeconds int           // 0 disables the length rule
	MetadataTTL       time.Duration // 0 disables memoization
}

type memoEntry struct {
	meta    domain.VideoMetadata
	expires time.Time
}

// Submitter validates requests, records them as pending jobs and enqueues them.
// It never waits for a job to run.
type Submitter struct {
	resolver ports.MetadataService
	metadata ports.MetadataStore
	jobs     ports.JobStore
	queue    ports.Queue
	cfg      SubmitterConfig
	logger   *log.Logger
	now      func() time.Time
	newID    func() string

	mu   sync.Mutex
	memo map[string]memoEntry
}

// NewSubmitter creates a new Submitter.
func NewSubmitter(
	resolver ports.MetadataService,
	metadata ports.MetadataStore,
	jobs ports.JobStore,
	queue ports.Queue,
	cfg SubmitterConfig,
	logger *log.Logger,
) *Submitter {
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = domain.DefaultMaxSegmentBytes
	}
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Submitter{
		resolver: resolver,
		metadata: metadata,
		jobs:     jobs,
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		memo:     make(map[string]memoEntry),
	}
}

// ExtractInfo validates the URL, resolves the video and stores its metadata.
func (s *Submitter) ExtractInfo(ctx context.Context, sourceURL string) (domain.VideoMetadata, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	sourceID, ok := domain.ExtractSourceID(sourceURL)
	if !ok {
		return domain.VideoMetadata{}, &domain.ValidationError{Field: "youtube_url", Message: "invalid YouTube URL"}
	}

	if meta, ok := s.memoized(sourceID); ok {
		return meta, nil
	}

	meta, err := s.resolver.Resolve(ctx, sourceURL)
	if err != nil {
		s.logger.Printf("Metadata resolution failed for %s: %v", sourceID, err)
		return domain.VideoMetadata{}, fmt.Errorf("%w: %v", domain.ErrMetadata, err)
	}
	if meta.SourceID == "" {
		meta.SourceID = sourceID
	}
	if err := s.metadata.Upsert(ctx, meta); err != nil {
		return domain.VideoMetadata{}, fmt.Errorf("save metadata %s: %w", meta.SourceID, err)
	}
	s.remember(sourceID, meta)
	return meta, nil
}

// Submit validates the request against the video's metadata, creates a pending job
// and hands its id to the queue.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	meta, err := s.ExtractInfo(ctx, req.SourceURL)
	if err != nil {
		return Submission{}, err
	}

	start, end, err := domain.ValidateTimestamps(req.Start, req.End, meta.Duration)
	if err != nil {
		return Submission{}, err
	}
	if err := domain.ValidateSegmentLength(start, end, s.cfg.MaxSegmentSeconds); err != nil {
		return Submission{}, err
	}
	quality := strings.TrimSpace(req.Quality)
	if !domain.ValidateQuality(quality, meta.Formats) {
		return Submission{}, &domain.ValidationError{Field: "quality", Message: "invalid quality selected"}
	}

	estimate := domain.EstimateSize(meta, start, end, quality)
	if estimate > s.cfg.MaxSegmentBytes {
		return Submission{}, fmt.Errorf("%w: %d bytes exceeds %d", domain.ErrTooLarge, estimate, s.cfg.MaxSegmentBytes)
	}

	job := domain.NewJobRecord(s.newID(), meta.SourceID, start, end, quality)
	if err := s.jobs.Create(ctx, job); err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		// never leave a pending record without a queue entry
		if mErr := job.MarkFailed("could not enqueue job", s.now()); mErr == nil {
			_ = s.jobs.Update(context.WithoutCancel(ctx), job)
		}
		return Submission{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	s.logger.Printf("[JOB %s] Accepted %s [%d-%d] at %s, estimated %d bytes", job.ID, job.SourceID, start, end, quality, estimate)
	return Submission{Job: job, EstimatedSize: estimate, EstimatedDuration: end - start}, nil
}

func (s *Submitter) memoized(sourceID string) (domain.VideoMetadata, bool) {
	if s.cfg.MetadataTTL <= 0 {
		return domain.VideoMetadata{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.memo[sourceID]
	if !ok {
		return domain.VideoMetadata{}, false
	}
	if s.now().After(e.expires) {
		delete(s.memo, sourceID)
		return domain.VideoMetadata{}, false
	}
	return e.meta, true
}

func (s *Submitter) remember(sourceID string, meta domain.VideoMetadata) {
	if s.cfg.MetadataTTL <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memo[sourceID] = memoEntry{meta: meta, expires: s.now().Add(s.cfg.MetadataTTL)}
}
