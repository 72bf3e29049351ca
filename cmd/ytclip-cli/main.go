package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"ytclip/internal/app"
	"ytclip/internal/config"
	"ytclip/internal/core/domain"
	"ytclip/internal/queue"
	"ytclip/internal/service"
	"ytclip/internal/tui"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	url := flag.String("url", "", "YouTube video URL")
	start := flag.Int("start", 0, "Segment start in seconds")
	end := flag.Int("end", 0, "Segment end in seconds")
	quality := flag.String("quality", "best", "Quality label (e.g. 720p), format id, or best")
	dataDir := flag.String("data-dir", "", "Base directory for records, cache and clips (default $DATA_DIR or ./data)")
	plain := flag.Bool("plain", false, "Print progress lines instead of the interactive view")
	verbose := flag.Bool("v", false, "Log pipeline details to stderr")
	flag.Parse()

	if *url == "" || *end <= *start {
		fmt.Println("Usage: ytclip-cli -url <video-url> -start <sec> -end <sec> [-quality 720p] [-data-dir <path>] [-plain]")
		fmt.Println("\nExample:")
		fmt.Println("  ytclip-cli -url https://www.youtube.com/watch?v=dQw4w9WgXcQ -start 30 -end 45 -quality 720p")
		os.Exit(1)
	}

	// The interactive view owns stdout, so pipeline logs go to stderr or nowhere.
	var logOut io.Writer = io.Discard
	if *verbose || *plain {
		logOut = os.Stderr
	}
	logger := log.New(logOut, "", log.LstdFlags)

	if *dataDir != "" {
		os.Setenv("DATA_DIR", *dataDir)
	}
	cfg := config.Load(logger)

	a, err := app.Build(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Received interrupt signal, cancelling...")
		cancel()
	}()

	pool := queue.NewPool(1, 1, a.Runner.Run, logger)
	pool.Start(ctx)

	sub, err := a.Submitter(pool).Submit(ctx, service.SubmitRequest{
		SourceURL: *url,
		Start:     *start,
		End:       *end,
		Quality:   *quality,
	})
	if err != nil {
		pool.Stop()
		fmt.Fprintf(os.Stderr, "Request rejected: %v\n", err)
		os.Exit(1)
	}

	src := tui.Source{Jobs: a.Storage, Events: a.Events}
	title := fmt.Sprintf("%s [%d-%d] %s", sub.Job.SourceID, sub.Job.Start, sub.Job.End, sub.Job.Quality)
	var job domain.JobRecord
	if *plain {
		fmt.Printf("Task %s accepted, estimated %d bytes\n", sub.Job.ID, sub.EstimatedSize)
		job, err = tui.RunPlain(ctx, src, sub.Job.ID, os.Stdout, 0)
	} else {
		job, err = tui.Run(ctx, src, sub.Job.ID, title)
	}
	if err != nil && ctx.Err() != nil {
		err = context.Canceled
	}
	if errors.Is(err, context.Canceled) {
		cancel()
	}
	pool.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Watching task failed: %v\n", err)
		os.Exit(1)
	}
	if final, gErr := a.Storage.Get(context.Background(), sub.Job.ID); gErr == nil {
		job = final
	}

	fmt.Println("\n=== Job Summary ===")
	fmt.Printf("Task ID:      %s\n", job.ID)
	fmt.Printf("Video:        %s\n", job.SourceID)
	fmt.Printf("Segment:      %d-%d s\n", job.Start, job.End)
	fmt.Printf("Quality:      %s\n", job.Quality)
	fmt.Printf("Status:       %s\n", job.Status)
	if job.Status == domain.JobStatusCompleted {
		if info, err := a.Storage.Stat(job.Output); err == nil {
			fmt.Printf("Output:       %s (%d bytes)\n", info.Path, info.Size)
		}
	}
	if job.Error != "" {
		fmt.Printf("Error:        %s\n", job.Error)
	}
	if job.CompletedAt != nil {
		fmt.Printf("Completed At: %s\n", job.CompletedAt.Format("2006-01-02 15:04:05 UTC"))
	}
	if job.Status != domain.JobStatusCompleted {
		os.Exit(1)
	}
}
