// Package apikey resolves caller API keys to system names with bounded
// staleness.
package apikey

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/tracekeeper/pkg/store"
)

// SystemLookup finds the active system owning an API key.
type SystemLookup interface {
	GetByAPIKey(ctx context.Context, key string) (*store.System, error)
}

// Stats describes the cache contents.
type Stats struct {
	Size int      `json:"size"`
	Keys []string `json:"keys"`
}

type entry struct {
	system   string
	cachedAt time.Time
}

// Cache maps API keys to system names. Found keys are cached for the TTL;
// unknown keys are never cached, so a new system is visible on its next
// lookup.
type Cache struct {
	log           logrus.FieldLogger
	lookup        SystemLookup
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu      sync.RWMutex
	entries map[string]entry

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a cache over lookup. Start must be called to run the
// background sweep.
func New(log logrus.FieldLogger, lookup SystemLookup, ttl, sweepInterval time.Duration) *Cache {
	return &Cache{
		log:           log.WithField("component", "apikey-cache"),
		lookup:        lookup,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		now:           time.Now,
		entries:       make(map[string]entry),
		done:          make(chan struct{}),
	}
}

// Resolve returns the system name owning key. Lookup errors are logged and
// reported as a miss.
func (c *Cache) Resolve(ctx context.Context, key string) (string, bool) {
	if key == "" {
		return "", false
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && c.now().Sub(e.cachedAt) < c.ttl {
		return e.system, true
	}

	sys, err := c.lookup.GetByAPIKey(ctx, key)
	if err != nil {
		if !isNotFound(err) {
			c.log.WithError(err).Error("Failed to look up API key")
		}

		return "", false
	}

	c.mu.Lock()
	c.entries[key] = entry{system: sys.Name, cachedAt: c.now()}
	c.mu.Unlock()

	return sys.Name, true
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// Invalidate drops key from the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Stats returns the number of cached keys and the keys themselves, sorted.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))

	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	sort.Strings(keys)

	return Stats{Size: len(keys), Keys: keys}
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0

	for k, e := range c.entries {
		if now.Sub(e.cachedAt) >= c.ttl {
			delete(c.entries, k)
			removed++
		}
	}

	return removed
}

// Start launches the background sweep. Calling it more than once has no
// effect.
func (c *Cache) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)

		go func() {
			defer c.wg.Done()

			ticker := time.NewTicker(c.sweepInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if n := c.Sweep(); n > 0 {
						c.log.WithField("evicted", n).Debug("Swept expired API keys")
					}
				case <-c.done:
					return
				}
			}
		}()
	})
}

// Stop ends the background sweep and waits for it. It is safe to call
// more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}
