package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"ytclip/internal/adapters/downloader"
	"ytclip/internal/adapters/ffmpeg"
	"ytclip/internal/adapters/localstorage"
	"ytclip/internal/adapters/youtube"
	"ytclip/internal/adapters/ytdlp"
	"ytclip/internal/cache"
	"ytclip/internal/config"
	"ytclip/internal/core/domain"
	"ytclip/internal/core/ports"
	"ytclip/internal/exec"
	"ytclip/internal/service"
)

// media is one backend that can both resolve and download sources.
type media interface {
	ports.MetadataService
	ports.Downloader
}

// App holds the components shared by the server and the CLI.
type App struct {
	Config  *config.Config
	Storage *localstorage.LocalStorage
	Cache   *cache.SourceCache
	Events  *service.EventBus
	Runner  *service.Runner
	Media   media

	logger *log.Logger
	now    func() time.Time
}

// Build prepares the data directory and wires storage, cache, media backend and runner.
func Build(cfg *config.Config, logger *log.Logger) (*App, error) {
	storage := localstorage.NewLocalStorage(cfg.DataDir)
	if err := storage.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	sourceCache := cache.New(cfg.CacheDir(), cfg.CacheLeaseTTL, logger)
	if err := sourceCache.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	cmdRunner := exec.NewCommandRunner()
	cutter := ffmpeg.New(cfg.FFmpegPath, cmdRunner)

	var backend media
	switch cfg.MediaBackend {
	case config.MediaYouTube:
		backend = youtube.New(downloader.NewHTTPDownloader(cfg.DownloadTimeout), cutter)
	default:
		backend = ytdlp.NewYtDlp(cfg.YtDlpPath, cmdRunner)
	}
	logger.Printf("Media backend: %s", cfg.MediaBackend)

	events := service.NewEventBus(0)
	runner := service.NewRunner(
		storage,
		storage.Metadata(),
		backend,
		cutter,
		storage,
		sourceCache,
		events,
		service.RunnerConfig{
			DownloadTimeout: cfg.DownloadTimeout,
			CutTimeout:      cfg.CutTimeout,
			SampleRate:      cfg.ProgressSampleRate,
		},
		logger,
	)

	return &App{
		Config:  cfg,
		Storage: storage,
		Cache:   sourceCache,
		Events:  events,
		Runner:  runner,
		Media:   backend,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Submitter creates the submission service feeding q.
func (a *App) Submitter(q ports.Queue) *service.Submitter {
	return service.NewSubmitter(a.Media, a.Storage.Metadata(), a.Storage, q, service.SubmitterConfig{
		MaxSegmentBytes:   a.Config.MaxSegmentBytes,
		MaxSegmentSeconds: a.Config.MaxSegmentSeconds,
		MetadataTTL:       a.Config.MetadataTTL,
	}, a.logger)
}

// Sweeper returns the cache sweeper configured from CACHE_MAX_AGE.
func (a *App) Sweeper() *cache.Sweeper {
	return a.Cache.Sweeper(a.Config.CacheMaxAge)
}

// OutputSweeper returns a sweeper for produced clips, or nil when OUTPUT_MAX_AGE is unset.
func (a *App) OutputSweeper() *cache.Sweeper {
	if a.Config.OutputMaxAge <= 0 {
		return nil
	}
	return cache.NewSweeper(a.Storage.DownloadsDir(), a.Config.OutputMaxAge, a.logger)
}

// StartSweeps runs one sweep of the cache, and of produced clips when enabled,
// before scheduling them every SWEEP_INTERVAL until ctx ends.
func (a *App) StartSweeps(ctx context.Context) {
	sweepers := []*cache.Sweeper{a.Sweeper()}
	if clips := a.OutputSweeper(); clips != nil {
		sweepers = append(sweepers, clips)
	}
	for _, s := range sweepers {
		r := s.Sweep(a.now())
		a.logger.Printf("[SWEEP] %s at startup: scanned=%d deleted=%d skipped=%d failed=%d",
			s.Dir, r.Scanned, r.Deleted, r.Skipped, r.Failed)
		s.Start(ctx, a.Config.SweepInterval)
	}
}

// RequeuePending hands every stored pending job to q again. Records left in
// processing by a crash are failed, since their run cannot be resumed.
func (a *App) RequeuePending(ctx context.Context, q ports.Queue) (int, error) {
	jobs, err := a.Storage.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	n := 0
	for _, job := range jobs {
		switch job.Status {
		case domain.JobStatusPending:
			if err := q.Enqueue(ctx, job.ID); err != nil {
				return n, fmt.Errorf("requeue %s: %w", job.ID, err)
			}
			n++
		case domain.JobStatusProcessing:
			if err := job.MarkFailed("interrupted by restart", a.now()); err == nil {
				if err := a.Storage.Update(ctx, job); err != nil {
					a.logger.Printf("[JOB %s] Could not mark interrupted job failed: %v", job.ID, err)
				}
			}
		}
	}
	return n, nil
}
