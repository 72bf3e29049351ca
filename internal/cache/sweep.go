package cache

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"
)

// DefaultMaxAge is how long an untouched cache file survives the sweep.
const DefaultMaxAge = 24 * time.Hour

// DefaultSweepInterval runs the sweep once per day.
const DefaultSweepInterval = 24 * time.Hour

// SweepReport summarizes one sweep cycle.
type SweepReport struct {
	Scanned int
	Deleted int
	Skipped int
	Failed  int
}

// Sweeper deletes files in Dir whose mtime is older than MaxAge. It is best effort:
// errors are logged and counted, never returned.
type Sweeper struct {
	Dir    string
	MaxAge time.Duration
	Logger *log.Logger

	// Skip, when set, protects a file name from deletion for this cycle.
	Skip func(name string) bool

	remove func(name string) error
}

// NewSweeper creates a sweeper with the default age threshold when maxAge is not positive.
func NewSweeper(dir string, maxAge time.Duration, logger *log.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Sweeper{Dir: dir, MaxAge: maxAge, Logger: logger, remove: os.Remove}
}

// Sweeper returns a sweeper over the cache directory that leaves leased entries alone.
func (c *SourceCache) Sweeper(maxAge time.Duration) *Sweeper {
	s := NewSweeper(c.dir, maxAge, c.logger)
	s.Skip = c.leased
	return s
}

// Sweep runs one cycle against the reference time now.
func (s *Sweeper) Sweep(now time.Time) SweepReport {
	var report SweepReport

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.Logger.Printf("[SWEEP] cannot read %s: %v", s.Dir, err)
			report.Failed++
		}
		return report
	}

	cutoff := now.Add(-s.MaxAge)
	remove := s.remove
	if remove == nil {
		remove = os.Remove
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		report.Scanned++

		info, err := e.Info()
		if err != nil {
			// vanished between listing and stat
			report.Skipped++
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if s.Skip != nil && s.Skip(e.Name()) {
			report.Skipped++
			continue
		}

		path := filepath.Join(s.Dir, e.Name())
		if err := remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				report.Skipped++
				continue
			}
			s.Logger.Printf("[SWEEP] could not delete %s: %v", path, err)
			report.Failed++
			continue
		}
		report.Deleted++
	}
	return report
}

// Start runs Sweep every interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r := s.Sweep(now)
				s.Logger.Printf("[SWEEP] %s: scanned=%d deleted=%d skipped=%d failed=%d",
					s.Dir, r.Scanned, r.Deleted, r.Skipped, r.Failed)
			}
		}
	}()
}
