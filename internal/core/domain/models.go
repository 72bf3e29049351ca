package domain

import (
	"fmt"
	"regexp"
	"time"
)

// FormatDescriptor is one selectable encoding of a source video.
type FormatDescriptor struct {
	FormatID  string `json:"format_id"`
	Quality   string `json:"quality"`
	Container string `json:"ext"`
	Size      *int64 `json:"filesize"` // nil when the platform does not report it
	HasVideo  bool   `json:"has_video"`
	HasAudio  bool   `json:"has_audio"`
}

// VideoMetadata is what the discovery service knows about one source video.
// It is replaced wholesale on refresh and keyed by SourceID.
type VideoMetadata struct {
	SourceID  string             `json:"youtube_id"`
	Title     string             `json:"title"`
	Duration  int                `json:"duration"` // seconds
	Thumbnail string             `json:"thumbnail_url,omitempty"`
	Uploader  string             `json:"uploader,omitempty"`
	Formats   []FormatDescriptor `json:"formats"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// JobStatus is the lifecycle state of a JobRecord.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobRecord is the durable state of one segment-extraction job.
type JobRecord struct {
	ID          string     `json:"task_id"`
	SourceID    string     `json:"youtube_id"`
	Start       int        `json:"start_time"`
	End         int        `json:"end_time"`
	Quality     string     `json:"quality"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Output      string     `json:"output_file,omitempty"`
	Error       string     `json:"error_message,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJobRecord creates a pending record for the given segment request.
func NewJobRecord(id, sourceID string, start, end int, quality string) JobRecord {
	return JobRecord{
		ID:        id,
		SourceID:  sourceID,
		Start:     start,
		End:       end,
		Quality:   quality,
		Status:    JobStatusPending,
		Progress:  0,
		CreatedAt: time.Now().UTC(),
	}
}

// Terminal reports whether the record reached completed or failed.
func (j JobRecord) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// CacheKey identifies a reusable full-resolution source download.
type CacheKey struct {
	SourceID string
	Quality  string
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// FileName renders the key as a filesystem-safe name, e.g. "dQw4w9WgXcQ_720p.mp4".
func (k CacheKey) FileName() string {
	return fmt.Sprintf("%s_%s.mp4", unsafeKeyChars.ReplaceAllString(k.SourceID, "-"), unsafeKeyChars.ReplaceAllString(k.Quality, "-"))
}

func (k CacheKey) String() string {
	return k.SourceID + "/" + k.Quality
}

// OutputFileName is the clip artifact name: <sourceID>_<start>_<end>_<quality>.mp4.
func OutputFileName(key CacheKey, start, end int) string {
	return fmt.Sprintf("%s_%d_%d_%s.mp4",
		unsafeKeyChars.ReplaceAllString(key.SourceID, "-"), start, end,
		unsafeKeyChars.ReplaceAllString(key.Quality, "-"))
}
