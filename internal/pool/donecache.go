package pool

import (
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

// DoneCache caches the basenames present anywhere under the Done tree so the
// claim path does not walk it on every poll. The cache refreshes on a fixed
// TTL; a unit finishing inside the TTL window may be claimed redundantly,
// which is harmless because re-running a done unit and re-moving it to Done
// is idempotent.
type DoneCache struct {
	dir string
	ttl time.Duration

	mu          sync.Mutex
	names       map[string]struct{}
	refreshedAt time.Time

	now func() time.Time
}

// NewDoneCache creates a cache over doneDir with the given refresh TTL.
func NewDoneCache(doneDir string, ttl time.Duration) *DoneCache {
	return &DoneCache{
		dir: doneDir,
		ttl: ttl,
		now: time.Now,
	}
}

// Contains reports whether the basename is known to be done, refreshing the
// cache first when it is stale.
func (c *DoneCache) Contains(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.names == nil || c.now().Sub(c.refreshedAt) > c.ttl {
		c.refreshLocked()
	}

	_, ok := c.names[name]
	return ok
}

// Refresh forces a rescan of the Done tree.
func (c *DoneCache) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked()
}

func (c *DoneCache) refreshLocked() {
	fresh := make(map[string]struct{})
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: keep walking
		}
		if !d.IsDir() {
			fresh[d.Name()] = struct{}{}
		}
		return nil
	})
	if err != nil && c.names != nil {
		// Keep the previous snapshot rather than forgetting known-done units.
		return
	}
	c.names = fresh
	c.refreshedAt = c.now()
}
