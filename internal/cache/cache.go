package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ytclip/internal/core/domain"
)

const (
	leasesDirName  = ".leases"
	leaseOwnerFile = "owner.json"

	// DefaultLeaseTTL bounds how long a crashed owner can block a key.
	DefaultLeaseTTL = 2 * time.Hour

	defaultPollInterval = 250 * time.Millisecond
)

// SourceCache keeps downloaded full-resolution source files keyed by (source id, quality).
// Writers for one key are serialized by a lease: an in-process keyed lock plus an on-disk
// lease directory, so processes sharing the directory serialize too.
type SourceCache struct {
	dir          string
	leaseTTL     time.Duration
	pollInterval time.Duration
	logger       *log.Logger
	now          func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

type leaseOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
	Key       string `json:"key"`
}

// New creates a cache rooted at dir. A non-positive leaseTTL selects DefaultLeaseTTL.
func New(dir string, leaseTTL time.Duration, logger *log.Logger) *SourceCache {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &SourceCache{
		dir:          dir,
		leaseTTL:     leaseTTL,
		pollInterval: defaultPollInterval,
		logger:       logger,
		now:          time.Now,
		locks:        make(map[string]*keyLock),
	}
}

// Dir returns the cache directory.
func (c *SourceCache) Dir() string {
	return c.dir
}

// Init creates the cache and lease directories.
func (c *SourceCache) Init() error {
	if err := os.MkdirAll(filepath.Join(c.dir, leasesDirName), 0o755); err != nil {
		return fmt.Errorf("create cache directory %s: %w", c.dir, err)
	}
	return nil
}

// Acquire blocks until the caller holds the lease for key, or ctx ends.
// The returned lease reports a hit when a completed download for key exists.
// Callers must Release the lease on every path.
func (c *SourceCache) Acquire(ctx context.Context, key domain.CacheKey) (*Lease, error) {
	name := key.FileName()

	kl, err := c.lockLocal(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("wait for cache lease %s: %w", key, err)
	}
	lockDir, owner, err := c.lockDisk(ctx, name, key)
	if err != nil {
		c.unlockLocal(name, kl)
		return nil, err
	}

	lease := &Lease{
		cache:   c,
		key:     key,
		name:    name,
		path:    filepath.Join(c.dir, name),
		local:   kl,
		lockDir: lockDir,
		owner:   owner,
	}
	lease.partPath = strings.TrimSuffix(lease.path, filepath.Ext(lease.path)) + ".part" + filepath.Ext(lease.path)

	info, err := os.Stat(lease.path)
	switch {
	case err == nil && info.Mode().IsRegular() && info.Size() > 0:
		lease.hit = true
		now := c.now()
		if err := os.Chtimes(lease.path, now, now); err != nil {
			c.logger.Printf("[CACHE] could not refresh access time of %s: %v", lease.path, err)
		}
	case err == nil:
		// empty or irregular leftovers are not a usable download
		_ = os.RemoveAll(lease.path)
	case !errors.Is(err, fs.ErrNotExist):
		_ = lease.Release()
		return nil, fmt.Errorf("stat cache entry %s: %w", lease.path, err)
	}
	if !lease.hit {
		_ = os.Remove(lease.partPath)
	}
	return lease, nil
}

func (c *SourceCache) lockLocal(ctx context.Context, name string) (*keyLock, error) {
	c.mu.Lock()
	kl, ok := c.locks[name]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		c.locks[name] = kl
	}
	kl.refs++
	c.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
		return kl, nil
	case <-ctx.Done():
		c.dropRef(name, kl)
		return nil, ctx.Err()
	}
}

func (c *SourceCache) unlockLocal(name string, kl *keyLock) {
	<-kl.sem
	c.dropRef(name, kl)
}

func (c *SourceCache) dropRef(name string, kl *keyLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(c.locks, name)
	}
}

func (c *SourceCache) leaseDir(name string) string {
	return filepath.Join(c.dir, leasesDirName, name+".lock")
}

// lockDisk claims the on-disk lease directory, breaking it when the owner is older
// than the lease TTL.
func (c *SourceCache) lockDisk(ctx context.Context, name string, key domain.CacheKey) (string, leaseOwner, error) {
	lockDir := c.leaseDir(name)
	if err := os.MkdirAll(filepath.Dir(lockDir), 0o755); err != nil {
		return "", leaseOwner{}, fmt.Errorf("create lease directory: %w", err)
	}

	for {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			owner := leaseOwner{
				PID:       os.Getpid(),
				CreatedAt: c.now().UTC().Format(time.RFC3339Nano),
				Hostname:  hostnameOrUnknown(),
				Key:       key.String(),
			}
			data, _ := json.Marshal(owner)
			if err := os.WriteFile(filepath.Join(lockDir, leaseOwnerFile), data, 0o644); err != nil {
				_ = os.RemoveAll(lockDir)
				return "", leaseOwner{}, fmt.Errorf("write lease owner for %s: %w", key, err)
			}
			return lockDir, owner, nil
		}
		if !os.IsExist(err) {
			return "", leaseOwner{}, fmt.Errorf("acquire cache lease %s: %w", key, err)
		}

		if owner, created, ok := c.leaseInfo(lockDir); ok && c.now().Sub(created) > c.leaseTTL {
			c.logger.Printf("[CACHE] breaking stale lease %s", lockDir)
			_, err := c.retire(lockDir, owner)
			if err == nil {
				continue
			}
			c.logger.Printf("[CACHE] could not break stale lease %s: %v", lockDir, err)
		}

		select {
		case <-ctx.Done():
			return "", leaseOwner{}, fmt.Errorf("wait for cache lease %s: %w", key, ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
}

// retire moves lockDir to a tombstone name and deletes it, but only while it is
// still held by owner. A lease that changed hands in the meantime is put back.
// Renaming first means two processes breaking the same lease cannot both succeed.
func (c *SourceCache) retire(lockDir string, owner leaseOwner) (bool, error) {
	tomb := fmt.Sprintf("%s.stale-%d-%d", lockDir, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(lockDir, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if got, _ := readLeaseOwner(tomb); !got.sameAs(owner) {
		if err := os.Rename(tomb, lockDir); err != nil {
			return false, fmt.Errorf("restore lease %s: %w", lockDir, err)
		}
		return false, nil
	}
	return true, os.RemoveAll(tomb)
}

func (c *SourceCache) leaseExpired(lockDir string) bool {
	_, created, ok := c.leaseInfo(lockDir)
	if !ok {
		return false
	}
	return c.now().Sub(created) > c.leaseTTL
}

// leaseInfo falls back to the directory mtime while the owner file is being written.
func (c *SourceCache) leaseInfo(lockDir string) (leaseOwner, time.Time, bool) {
	owner, err := readLeaseOwner(lockDir)
	if err == nil {
		if t, err := time.Parse(time.RFC3339Nano, owner.CreatedAt); err == nil {
			return owner, t, true
		}
	}
	info, err := os.Stat(lockDir)
	if err != nil {
		return leaseOwner{}, time.Time{}, false
	}
	return owner, info.ModTime(), true
}

func readLeaseOwner(lockDir string) (leaseOwner, error) {
	var owner leaseOwner
	data, err := os.ReadFile(filepath.Join(lockDir, leaseOwnerFile))
	if err != nil {
		return owner, err
	}
	err = json.Unmarshal(data, &owner)
	return owner, err
}

func (o leaseOwner) sameAs(other leaseOwner) bool {
	return o.PID == other.PID && o.CreatedAt == other.CreatedAt && o.Hostname == other.Hostname
}

// leased reports whether a live lease currently covers the cache file name.
func (c *SourceCache) leased(name string) bool {
	lockDir := c.leaseDir(name)
	if _, err := os.Stat(lockDir); err != nil {
		return false
	}
	return !c.leaseExpired(lockDir)
}

// Lease is an exclusive claim on one cache key.
type Lease struct {
	cache    *SourceCache
	key      domain.CacheKey
	name     string
	path     string
	partPath string
	hit      bool
	local    *keyLock
	lockDir  string
	owner    leaseOwner

	committed bool
	released  bool
}

// Key returns the leased cache key.
func (l *Lease) Key() domain.CacheKey { return l.key }

// Hit reports whether a completed download already existed when the lease was taken.
func (l *Lease) Hit() bool { return l.hit }

// Path is the location of the completed download.
func (l *Lease) Path() string { return l.path }

// WritePath is where a fresh download must be written before Commit.
func (l *Lease) WritePath() string { return l.partPath }

// Commit publishes the downloaded file at WritePath as the cache entry.
func (l *Lease) Commit() error {
	if l.released {
		return fmt.Errorf("commit %s: lease already released", l.key)
	}
	if l.hit || l.committed {
		return nil
	}
	info, err := os.Stat(l.partPath)
	if err != nil {
		return fmt.Errorf("commit %s: downloaded file missing: %w", l.key, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("commit %s: downloaded file is empty", l.key)
	}
	if err := os.Rename(l.partPath, l.path); err != nil {
		return fmt.Errorf("commit %s: %w", l.key, err)
	}
	l.committed = true
	return nil
}

// Release gives up the lease and discards an uncommitted download. A lease that was
// broken as stale and claimed by someone else is left alone. It is safe to call more
// than once.
func (l *Lease) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true

	if !l.hit && !l.committed {
		if err := os.Remove(l.partPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.cache.logger.Printf("[CACHE] could not remove partial download %s: %v", l.partPath, err)
		}
	}

	var releaseErr error
	removed, err := l.cache.retire(l.lockDir, l.owner)
	if err != nil {
		releaseErr = fmt.Errorf("release cache lease %s: %w", l.key, err)
	} else if !removed {
		l.cache.logger.Printf("[CACHE] lease %s is no longer held by this run, leaving it alone", l.lockDir)
	}
	l.cache.unlockLocal(l.name, l.local)
	return releaseErr
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return strings.TrimSpace(host)
}
