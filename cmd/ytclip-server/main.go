package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ytclip/internal/adapters/asynqqueue"
	"ytclip/internal/api"
	"ytclip/internal/app"
	"ytclip/internal/config"
	"ytclip/internal/core/ports"
	"ytclip/internal/queue"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		logger.Println("No .env file found")
	}
	cfg := config.Load(logger)

	a, err := app.Build(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.StartSweeps(ctx)

	var (
		q        ports.Queue
		shutdown func()
	)
	switch cfg.QueueBackend {
	case config.QueueRedis:
		redisQueue := asynqqueue.NewQueue(cfg.RedisAddr, cfg.DownloadTimeout+cfg.CutTimeout)
		worker := asynqqueue.NewWorker(cfg.RedisAddr, cfg.Workers, a.Runner.Run, logger)
		if err := worker.Start(); err != nil {
			logger.Fatalf("Failed to start worker: %v", err)
		}
		q = redisQueue
		shutdown = func() {
			worker.Shutdown()
			if err := redisQueue.Close(); err != nil {
				logger.Printf("Closing Redis client: %v", err)
			}
		}
		logger.Printf("Queue: redis at %s, %d workers", cfg.RedisAddr, cfg.Workers)
	default:
		pool := queue.NewPool(cfg.Workers, 0, a.Runner.Run, logger)
		pool.Start(ctx)
		q = pool
		shutdown = pool.Stop
		logger.Printf("Queue: in-process, %d workers", cfg.Workers)
	}

	if n, err := a.RequeuePending(ctx, q); err != nil {
		logger.Printf("Requeue failed: %v", err)
	} else if n > 0 {
		logger.Printf("Requeued %d pending jobs", n)
	}

	srv := api.NewServer(a.Submitter(q), a.Storage, a.Storage, a.Events, api.Options{
		DownloadsDir:    cfg.DownloadsDir(),
		AllowedOrigins:  cfg.AllowedOrigins,
		SubmitRateLimit: cfg.SubmitRateLimit,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Addr())
	}()

	select {
	case <-ctx.Done():
		logger.Println("Received interrupt signal, shutting down...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("HTTP server stopped: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}
	shutdown()
	logger.Println("Server stopped")
}
