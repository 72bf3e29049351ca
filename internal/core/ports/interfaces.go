package ports

import (
	"context"

	"ytclip/internal/core/domain"
)

// MetadataService resolves a source URL into video metadata and available formats.
type MetadataService interface {
	// Resolve queries the platform for the video behind sourceURL.
	Resolve(ctx context.Context, sourceURL string) (domain.VideoMetadata, error)
}

// DownloadRequest names the full-resolution media to fetch and where to put it.
type DownloadRequest struct {
	SourceID string
	Quality  string
	Dest     string
}

// DownloadProgress is one progress report from a download in flight.
// Total is zero when the size is unknown. Finished is sent once, when the
// transfer itself is done.
type DownloadProgress struct {
	Downloaded int64
	Total      int64
	Finished   bool
}

// ProgressFunc receives download progress on the downloading goroutine.
type ProgressFunc func(DownloadProgress)

// Downloader defines the contract for fetching full source media.
type Downloader interface {
	// Download fetches the media to req.Dest, reporting progress through onProgress.
	Download(ctx context.Context, req DownloadRequest, onProgress ProgressFunc) error
}

// SegmentCutter trims a local media file between two offsets without re-encoding.
type SegmentCutter interface {
	Cut(ctx context.Context, inputPath string, start, end int, outputPath string) error
}

// JobStore defines persistence for job records.
type JobStore interface {
	Create(ctx context.Context, job domain.JobRecord) error

	// Get returns domain.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (domain.JobRecord, error)

	// Update replaces the stored record in one atomic write.
	Update(ctx context.Context, job domain.JobRecord) error

	List(ctx context.Context) ([]domain.JobRecord, error)
}

// MetadataStore defines persistence for video metadata, keyed by source id.
type MetadataStore interface {
	Upsert(ctx context.Context, meta domain.VideoMetadata) error

	// Get returns domain.ErrNotFound for unknown ids.
	Get(ctx context.Context, sourceID string) (domain.VideoMetadata, error)
}

// ArtifactInfo describes a produced clip.
type ArtifactInfo struct {
	Ref  string // relative reference stored on the job record, e.g. "downloads/x.mp4"
	Path string
	Size int64
}

// ArtifactStore maps clip names to locations and answers size queries.
type ArtifactStore interface {
	// OutputPath returns the reference and the filesystem path for a clip name.
	OutputPath(name string) (ref string, path string)

	Stat(ref string) (ArtifactInfo, error)
}

// Queue hands job ids to workers.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
}
