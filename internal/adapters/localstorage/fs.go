package localstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ytclip/internal/core/domain"
	"ytclip/internal/core/ports"
)

// LocalStorage implements the job, metadata and artifact stores on the local filesystem.
//
// Layout under BaseDir:
//
//	records/jobs/<id>.json
//	records/videos/<source id>.json
//	downloads/<clip>.mp4
type LocalStorage struct {
	BaseDir string

	mu sync.RWMutex
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(baseDir string) *LocalStorage {
	return &LocalStorage{BaseDir: baseDir}
}

// Init creates the directory structure.
func (s *LocalStorage) Init() error {
	for _, dir := range []string{s.jobsDir(), s.videosDir(), s.DownloadsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DownloadsDir is where finished clips are written and served from.
func (s *LocalStorage) DownloadsDir() string {
	return filepath.Join(s.BaseDir, "downloads")
}

func (s *LocalStorage) jobsDir() string {
	return filepath.Join(s.BaseDir, "records", "jobs")
}

func (s *LocalStorage) videosDir() string {
	return filepath.Join(s.BaseDir, "records", "videos")
}

// Create saves a new job record. It fails if the id is already taken.
func (s *LocalStorage) Create(ctx context.Context, job domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.jobPath(job.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err := writeJSONAtomic(path, job); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// Get loads a job record.
func (s *LocalStorage) Get(ctx context.Context, id string) (domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var job domain.JobRecord
	if err := readJSON(s.jobPath(id), &job); err != nil {
		return domain.JobRecord{}, fmt.Errorf("job %s: %w", id, err)
	}
	return job, nil
}

// Update replaces a job record with a single atomic rename.
func (s *LocalStorage) Update(ctx context.Context, job domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.jobPath(job.ID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("job %s: %w", job.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	if err := writeJSONAtomic(path, job); err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	return nil
}

// List returns all job records, newest first. Unreadable files are skipped.
func (s *LocalStorage) List(ctx context.Context) ([]domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.jobsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []domain.JobRecord{}, nil
		}
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	out := make([]domain.JobRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var job domain.JobRecord
		if err := readJSON(filepath.Join(s.jobsDir(), e.Name()), &job); err == nil {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Upsert replaces the metadata for meta.SourceID.
func (s *LocalStorage) Upsert(ctx context.Context, meta domain.VideoMetadata) error {
	if strings.TrimSpace(meta.SourceID) == "" {
		return fmt.Errorf("metadata source id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now().UTC()
	}
	if err := writeJSONAtomic(s.videoPath(meta.SourceID), meta); err != nil {
		return fmt.Errorf("failed to save metadata %s: %w", meta.SourceID, err)
	}
	return nil
}

// GetMetadata loads the metadata for a source id.
func (s *LocalStorage) GetMetadata(ctx context.Context, sourceID string) (domain.VideoMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var meta domain.VideoMetadata
	if err := readJSON(s.videoPath(sourceID), &meta); err != nil {
		return domain.VideoMetadata{}, fmt.Errorf("video %s: %w", sourceID, err)
	}
	return meta, nil
}

// Metadata exposes the metadata half of the storage as a ports.MetadataStore.
func (s *LocalStorage) Metadata() ports.MetadataStore {
	return metadataStore{s}
}

type metadataStore struct{ s *LocalStorage }

func (m metadataStore) Upsert(ctx context.Context, meta domain.VideoMetadata) error {
	return m.s.Upsert(ctx, meta)
}

func (m metadataStore) Get(ctx context.Context, sourceID string) (domain.VideoMetadata, error) {
	return m.s.GetMetadata(ctx, sourceID)
}

// OutputPath returns the record reference and filesystem path for a clip name.
func (s *LocalStorage) OutputPath(name string) (string, string) {
	name = filepath.Base(name)
	return "downloads/" + name, filepath.Join(s.DownloadsDir(), name)
}

// Stat resolves a clip reference and reports its size.
func (s *LocalStorage) Stat(ref string) (ports.ArtifactInfo, error) {
	name := strings.TrimPrefix(filepath.ToSlash(ref), "downloads/")
	if name == "" || strings.Contains(name, "/") || name == ".." {
		return ports.ArtifactInfo{}, fmt.Errorf("invalid artifact reference %q", ref)
	}
	path := filepath.Join(s.DownloadsDir(), name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ports.ArtifactInfo{}, fmt.Errorf("artifact %s: %w", ref, domain.ErrNotFound)
		}
		return ports.ArtifactInfo{}, fmt.Errorf("artifact %s: %w", ref, err)
	}
	return ports.ArtifactInfo{Ref: ref, Path: path, Size: info.Size()}, nil
}

func (s *LocalStorage) jobPath(id string) string {
	return filepath.Join(s.jobsDir(), filepath.Base(id)+".json")
}

func (s *LocalStorage) videoPath(sourceID string) string {
	return filepath.Join(s.videosDir(), filepath.Base(sourceID)+".json")
}

// writeJSONAtomic writes v to a temp file in the target directory, then renames it into place.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".ytclip-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse JSON %s: %w", path, err)
	}
	return nil
}
