package service

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ytclip/internal/adapters/localstorage"
	"ytclip/internal/cache"
	"ytclip/internal/core/domain"
	"ytclip/internal/core/ports"
)

var quietLogger = log.New(io.Discard, "", 0)

func sampleMetadata() domain.VideoMetadata {
	size := int64(100_000_000)
	return domain.VideoMetadata{
		SourceID: "abc12345678",
		Title:    "Sample",
		Duration: 300,
		Formats: []domain.FormatDescriptor{
			{FormatID: "136", Quality: "720p", Container: "mp4", Size: &size, HasVideo: true},
			{FormatID: "18", Quality: "360p", Container: "mp4", HasVideo: true, HasAudio: true},
		},
	}
}

type fakeResolver struct {
	meta  domain.VideoMetadata
	err   error
	calls int32
}

func (f *fakeResolver) Resolve(ctx context.Context, sourceURL string) (domain.VideoMetadata, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.meta, f.err
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type fakeDownloader struct {
	calls int32
	err   error
	panic bool
	delay time.Duration
}

func (d *fakeDownloader) Download(ctx context.Context, req ports.DownloadRequest, onProgress ports.ProgressFunc) error {
	atomic.AddInt32(&d.calls, 1)
	if d.panic {
		panic("decoder exploded")
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return d.err
	}
	for _, n := range []int64{0, 25, 50, 75, 100} {
		onProgress(ports.DownloadProgress{Downloaded: n, Total: 100})
	}
	if err := os.WriteFile(req.Dest, []byte("full video"), 0o644); err != nil {
		return err
	}
	onProgress(ports.DownloadProgress{Finished: true})
	return nil
}

type fakeCutter struct {
	mu    sync.Mutex
	calls [][2]int
	err   error
}

func (c *fakeCutter) Cut(ctx context.Context, in string, start, end int, out string) error {
	c.mu.Lock()
	c.calls = append(c.calls, [2]int{start, end})
	c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if _, err := os.Stat(in); err != nil {
		return err
	}
	return os.WriteFile(out, []byte("clip"), 0o644)
}

// recordingJobs captures every persisted version of each job.
type recordingJobs struct {
	ports.JobStore
	mu      sync.Mutex
	updates map[string][]domain.JobRecord

	// rejectStatus makes writes of records in that status fail.
	rejectStatus domain.JobStatus
}

func (r *recordingJobs) Update(ctx context.Context, job domain.JobRecord) error {
	if r.rejectStatus != "" && job.Status == r.rejectStatus {
		return errors.New("disk full")
	}
	if err := r.JobStore.Update(ctx, job); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[job.ID] = append(r.updates[job.ID], job)
	return nil
}

func (r *recordingJobs) history(id string) []domain.JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobRecord(nil), r.updates[id]...)
}

type harness struct {
	storage    *localstorage.LocalStorage
	jobs       *recordingJobs
	resolver   *fakeResolver
	queue      *fakeQueue
	downloader *fakeDownloader
	cutter     *fakeCutter
	submitter  *Submitter
	runner     *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	storage := localstorage.NewLocalStorage(dir)
	if err := storage.Init(); err != nil {
		t.Fatal(err)
	}
	sourceCache := cache.New(dir+"/cache", time.Hour, quietLogger)
	if err := sourceCache.Init(); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		storage:    storage,
		jobs:       &recordingJobs{JobStore: storage, updates: map[string][]domain.JobRecord{}},
		resolver:   &fakeResolver{meta: sampleMetadata()},
		queue:      &fakeQueue{},
		downloader: &fakeDownloader{},
		cutter:     &fakeCutter{},
	}
	h.submitter = NewSubmitter(h.resolver, storage.Metadata(), h.jobs, h.queue,
		SubmitterConfig{MaxSegmentSeconds: domain.DefaultMaxSegmentSeconds, MetadataTTL: time.Minute}, quietLogger)
	h.runner = NewRunner(h.jobs, storage.Metadata(), h.downloader, h.cutter, storage, sourceCache,
		NewEventBus(0), RunnerConfig{SampleRate: 1000}, quietLogger)
	return h
}

func (h *harness) submit(t *testing.T, start, end int, quality string) domain.JobRecord {
	t.Helper()
	sub, err := h.submitter.Submit(context.Background(), SubmitRequest{
		SourceURL: "https://www.youtube.com/watch?v=abc12345678",
		Start:     start,
		End:       end,
		Quality:   quality,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return sub.Job
}

func TestSubmitAndRunCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, SubmitRequest{
		SourceURL: "https://youtu.be/abc12345678",
		Start:     10,
		End:       20,
		Quality:   "720p",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Job.Status != domain.JobStatusPending || sub.Job.Progress != 0 {
		t.Fatalf("submitted job = %+v", sub.Job)
	}
	if sub.EstimatedSize != 3_333_333 || sub.EstimatedDuration != 10 {
		t.Fatalf("estimate = %d bytes, %d s", sub.EstimatedSize, sub.EstimatedDuration)
	}
	if len(h.queue.ids) != 1 || h.queue.ids[0] != sub.Job.ID {
		t.Fatalf("queue = %v", h.queue.ids)
	}

	if err := h.runner.Run(ctx, sub.Job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := h.storage.Get(ctx, sub.Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobStatusCompleted || got.Progress != 100 || got.CompletedAt == nil || got.Error != "" {
		t.Fatalf("final record = %+v", got)
	}
	if got.Output != "downloads/abc12345678_10_20_720p.mp4" {
		t.Fatalf("output = %q", got.Output)
	}
	info, err := h.storage.Stat(got.Output)
	if err != nil || info.Size == 0 {
		t.Fatalf("artifact: %+v, %v", info, err)
	}
	if h.cutter.calls[0] != [2]int{10, 20} {
		t.Fatalf("cut window = %v", h.cutter.calls[0])
	}
}

func TestRunProgressIsMonotonicAndHitsCheckpoints(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t, 0, 30, "720p")

	if err := h.runner.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}

	seen := map[int]bool{}
	last := -1
	for _, rec := range h.jobs.history(job.ID) {
		if rec.Progress < last {
			t.Fatalf("progress decreased: %d after %d", rec.Progress, last)
		}
		last = rec.Progress
		seen[rec.Progress] = true
	}
	for _, cp := range []int{ProgressAccepted, ProgressResolved, ProgressDownloaded, ProgressCutting, ProgressCut, 100} {
		if !seen[cp] {
			t.Errorf("checkpoint %d never persisted", cp)
		}
	}

	events := h.runner.Events().Since(job.ID, 0)
	if len(events) == 0 || events[len(events)-1].Status != domain.JobStatusCompleted {
		t.Fatalf("events = %+v", events)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq || events[i].Progress < events[i-1].Progress {
			t.Fatalf("events out of order: %+v then %+v", events[i-1], events[i])
		}
	}
}

func TestRunSecondJobReusesCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.submit(t, 0, 10, "720p")
	second := h.submit(t, 50, 60, "720p")

	for _, id := range []string{first.ID, second.ID} {
		if err := h.runner.Run(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if h.downloader.calls != 1 {
		t.Fatalf("downloads = %d, want 1", h.downloader.calls)
	}
	got, _ := h.storage.Get(ctx, second.ID)
	if got.Status != domain.JobStatusCompleted || got.Output != "downloads/abc12345678_50_60_720p.mp4" {
		t.Fatalf("second job = %+v", got)
	}
}

func TestConcurrentJobsSameKeyDownloadOnce(t *testing.T) {
	h := newHarness(t)
	h.downloader.delay = 20 * time.Millisecond

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.submit(t, i*10, i*10+5, "720p").ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := h.runner.Run(context.Background(), id); err != nil {
				t.Errorf("run %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&h.downloader.calls); got != 1 {
		t.Fatalf("downloads = %d, want 1", got)
	}
	for _, id := range ids {
		rec, _ := h.storage.Get(context.Background(), id)
		if rec.Status != domain.JobStatusCompleted {
			t.Fatalf("job %s = %s (%s)", id, rec.Status, rec.Error)
		}
	}
}

func TestRunFailures(t *testing.T) {
	cases := []struct {
		name     string
		setup    func(h *harness)
		wantMsg  string
		progress int
	}{
		{
			name:     "download error",
			setup:    func(h *harness) { h.downloader.err = errors.New("HTTP Error 403") },
			wantMsg:  "download: HTTP Error 403",
			progress: ProgressResolved,
		},
		{
			name:     "cut error",
			setup:    func(h *harness) { h.cutter.err = errors.New("Invalid data found") },
			wantMsg:  "cut: Invalid data found",
			progress: ProgressCutting,
		},
		{
			name:     "panic in collaborator",
			setup:    func(h *harness) { h.downloader.panic = true },
			wantMsg:  "internal: decoder exploded",
			progress: ProgressResolved,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)
			job := h.submit(t, 10, 20, "720p")

			if err := h.runner.Run(context.Background(), job.ID); err != nil {
				t.Fatalf("run returned %v", err)
			}
			got, _ := h.storage.Get(context.Background(), job.ID)
			if got.Status != domain.JobStatusFailed || got.Error != tc.wantMsg {
				t.Fatalf("record = %+v", got)
			}
			if got.Progress != tc.progress || got.Output != "" || got.CompletedAt == nil {
				t.Fatalf("failed record = %+v", got)
			}
		})
	}
}

func TestRunFailedDownloadLeavesCacheUsable(t *testing.T) {
	h := newHarness(t)
	h.downloader.err = errors.New("connection reset")
	failed := h.submit(t, 0, 10, "720p")
	if err := h.runner.Run(context.Background(), failed.ID); err != nil {
		t.Fatal(err)
	}

	h.downloader.err = nil
	retry := h.submit(t, 0, 10, "720p")
	if err := h.runner.Run(context.Background(), retry.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := h.storage.Get(context.Background(), retry.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("retry = %+v", got)
	}
	if h.downloader.calls != 2 {
		t.Fatalf("downloads = %d, want 2", h.downloader.calls)
	}
}

func TestRunSkipsNonPendingJobs(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t, 0, 10, "720p")
	if err := h.runner.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.runner.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if h.downloader.calls != 1 || len(h.cutter.calls) != 1 {
		t.Fatal("completed job ran twice")
	}
	if err := h.runner.Run(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestRunMissingMetadataFails(t *testing.T) {
	h := newHarness(t)
	job := domain.NewJobRecord("orphan", "zzzzzzzzzzz", 0, 5, "720p")
	if err := h.jobs.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if err := h.runner.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := h.storage.Get(context.Background(), job.ID)
	if got.Status != domain.JobStatusFailed || h.downloader.calls != 0 {
		t.Fatalf("record = %+v, downloads = %d", got, h.downloader.calls)
	}
}

func TestRunFinalizeWriteFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t)
	h.jobs.rejectStatus = domain.JobStatusCompleted
	job := h.submit(t, 10, 20, "720p")

	if err := h.runner.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run returned %v", err)
	}
	got, err := h.storage.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobStatusFailed || got.Error != "finalize: disk full" {
		t.Fatalf("record = %+v", got)
	}
	if got.Progress != ProgressCut || got.Output != "" {
		t.Fatalf("failed record = %+v", got)
	}
}
