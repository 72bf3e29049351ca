package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ytclip/internal/core/domain"
)

func newTestCache(t *testing.T) *SourceCache {
	t.Helper()
	c := New(t.TempDir(), time.Hour, log.New(io.Discard, "", 0))
	c.pollInterval = 5 * time.Millisecond
	if err := c.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return c
}

func writeAndCommit(t *testing.T, l *Lease, body string) {
	t.Helper()
	if err := os.WriteFile(l.WritePath(), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestAcquireMissThenHit(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	key := domain.CacheKey{SourceID: "abc12345678", Quality: "720p"}

	l, err := c.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.Hit() {
		t.Fatal("empty cache reported a hit")
	}
	writeAndCommit(t, l, "video")
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(l.Path(), old, old); err != nil {
		t.Fatal(err)
	}

	l2, err := c.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	defer l2.Release()
	if !l2.Hit() {
		t.Fatal("expected a hit after commit")
	}
	info, err := os.Stat(l2.Path())
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(info.ModTime()) > time.Hour {
		t.Fatalf("hit did not refresh mtime: %v", info.ModTime())
	}
}

func TestReleaseWithoutCommitDiscardsPartial(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	key := domain.CacheKey{SourceID: "abc12345678", Quality: "best"}

	l, err := c.Acquire(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(l.WritePath(), []byte("half"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}

	if _, err := os.Stat(l.WritePath()); !os.IsNotExist(err) {
		t.Fatalf("partial download survived release: %v", err)
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Fatalf("uncommitted entry became visible: %v", err)
	}
	if _, err := os.Stat(c.leaseDir(key.FileName())); !os.IsNotExist(err) {
		t.Fatalf("lease directory survived release: %v", err)
	}

	l2, err := c.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("reacquire after failure: %v", err)
	}
	defer l2.Release()
	if l2.Hit() {
		t.Fatal("failed download must not count as a hit")
	}
}

func TestCommitRejectsEmptyDownload(t *testing.T) {
	c := newTestCache(t)
	l, err := c.Acquire(context.Background(), domain.CacheKey{SourceID: "abc12345678", Quality: "720p"})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	if err := l.Commit(); err == nil {
		t.Fatal("expected commit without a file to fail")
	}
	if err := os.WriteFile(l.WritePath(), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Commit(); err == nil {
		t.Fatal("expected commit of an empty file to fail")
	}
}

func TestConcurrentAcquireDownloadsOnce(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	key := domain.CacheKey{SourceID: "abc12345678", Quality: "720p"}

	var downloads int32
	var wg sync.WaitGroup
	errs := make(chan error, 8)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := c.Acquire(ctx, key)
			if err != nil {
				errs <- err
				return
			}
			defer l.Release()
			if l.Hit() {
				return
			}
			atomic.AddInt32(&downloads, 1)
			time.Sleep(10 * time.Millisecond)
			if err := os.WriteFile(l.WritePath(), []byte("video"), 0o644); err != nil {
				errs <- err
				return
			}
			if err := l.Commit(); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("worker error: %v", err)
	}
	if got := atomic.LoadInt32(&downloads); got != 1 {
		t.Fatalf("downloads = %d, want 1", got)
	}
	if len(c.locks) != 0 {
		t.Fatalf("keyed locks leaked: %d", len(c.locks))
	}
}

func TestAcquireHonorsContextWhileWaiting(t *testing.T) {
	c := newTestCache(t)
	key := domain.CacheKey{SourceID: "abc12345678", Quality: "720p"}

	held, err := c.Acquire(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestStaleDiskLeaseIsBroken(t *testing.T) {
	c := newTestCache(t)
	key := domain.CacheKey{SourceID: "abc12345678", Quality: "720p"}

	lockDir := writeStaleLease(t, c, key)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l, err := c.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("acquire over stale lease: %v", err)
	}
	if got, err := readLeaseOwner(lockDir); err != nil || got.PID != os.Getpid() {
		t.Fatalf("lease owner = %+v, %v", got, err)
	}
	if tombs, _ := filepath.Glob(lockDir + ".stale-*"); len(tombs) != 0 {
		t.Fatalf("tombstones left behind: %v", tombs)
	}
	l.Release()
}

func writeStaleLease(t *testing.T, c *SourceCache, key domain.CacheKey) string {
	t.Helper()
	lockDir := c.leaseDir(key.FileName())
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		t.Fatal(err)
	}
	owner, _ := json.Marshal(leaseOwner{
		PID:       999999,
		CreatedAt: time.Now().Add(-3 * time.Hour).UTC().Format(time.RFC3339Nano),
		Key:       key.String(),
	})
	if err := os.WriteFile(filepath.Join(lockDir, leaseOwnerFile), owner, 0o644); err != nil {
		t.Fatal(err)
	}
	return lockDir
}

func TestReleaseLeavesLeaseTakenOverByAnotherOwner(t *testing.T) {
	c := newTestCache(t)
	key := domain.CacheKey{SourceID: "abc12345678", Quality: "720p"}

	l, err := c.Acquire(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}

	// Another process broke the lease as stale and claimed it for itself.
	lockDir := c.leaseDir(key.FileName())
	other := leaseOwner{PID: 424242, CreatedAt: time.Now().UTC().Format(time.RFC3339Nano), Hostname: "other", Key: key.String()}
	data, _ := json.Marshal(other)
	if err := os.WriteFile(filepath.Join(lockDir, leaseOwnerFile), data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := readLeaseOwner(lockDir)
	if err != nil {
		t.Fatalf("new owner's lease was removed: %v", err)
	}
	if !got.sameAs(other) {
		t.Fatalf("lease owner = %+v, want %+v", got, other)
	}
	if tombs, _ := filepath.Glob(lockDir + ".stale-*"); len(tombs) != 0 {
		t.Fatalf("tombstones left behind: %v", tombs)
	}
	if len(c.locks) != 0 {
		t.Fatalf("keyed locks leaked: %d", len(c.locks))
	}
}

func TestConcurrentStaleBreakGrantsOneHolder(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	key := domain.CacheKey{SourceID: "abc12345678", Quality: "720p"}

	caches := make([]*SourceCache, 4)
	for i := range caches {
		caches[i] = New(dir, time.Hour, logger)
		caches[i].pollInterval = time.Millisecond
	}
	if err := caches[0].Init(); err != nil {
		t.Fatal(err)
	}
	writeStaleLease(t, caches[0], key)

	var holders, maxHolders int32
	var wg sync.WaitGroup
	errs := make(chan error, len(caches))
	for _, c := range caches {
		wg.Add(1)
		go func(c *SourceCache) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			l, err := c.Acquire(ctx, key)
			if err != nil {
				errs <- err
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxHolders)
				if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			if err := l.Release(); err != nil {
				errs <- err
			}
		}(c)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("acquire: %v", err)
	}
	if got := atomic.LoadInt32(&maxHolders); got != 1 {
		t.Fatalf("concurrent holders = %d, want 1", got)
	}
	if _, err := os.Stat(caches[0].leaseDir(key.FileName())); !os.IsNotExist(err) {
		t.Fatalf("lease directory survived release: %v", err)
	}
}

func TestLiveDiskLeaseBlocksOtherProcess(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	a := New(dir, time.Hour, logger)
	b := New(dir, time.Hour, logger)
	b.pollInterval = 5 * time.Millisecond
	key := domain.CacheKey{SourceID: "abc12345678", Quality: "720p"}

	held, err := a.Acquire(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(ctx, key); err == nil {
		t.Fatal("second cache instance acquired a held lease")
	}

	held.Release()
	l, err := b.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l.Release()
}
