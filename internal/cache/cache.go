package cache

import (
	"sync"
	"time"

	"github.com/sawpanic/tradeguard/internal/clock"
	"github.com/sawpanic/tradeguard/internal/config"
)

// Snapshot is a last-known-good value served while the upstream is
// disconnected. Callers always receive the staleness alongside the payload so
// stale data is rendered as stale, never as live.
type Snapshot struct {
	Resource string        `json:"resource"`
	Key      string        `json:"key"`
	Payload  any           `json:"payload"`
	Stamp    clock.Stamp   `json:"stamp"`
	Age      time.Duration `json:"age"`
	IsStale  bool          `json:"is_stale"`
}

// Cache holds last-known-good snapshots keyed by (resource class, key).
// Staleness thresholds are per resource class and come from configuration.
type Cache struct {
	cfg config.CacheConfig
	clk clock.Clock

	mu      sync.RWMutex
	entries map[string]map[string]stored
}

type stored struct {
	payload any
	stamp   clock.Stamp
}

// New creates an empty cache.
func New(cfg config.CacheConfig, clk clock.Clock) *Cache {
	return &Cache{
		cfg:     cfg,
		clk:     clk,
		entries: make(map[string]map[string]stored),
	}
}

// Put records a fresh snapshot for (resource, key), stamped now.
func (c *Cache) Put(resource, key string, payload any) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[resource]
	if !ok {
		m = make(map[string]stored)
		c.entries[resource] = m
	}
	m[key] = stored{payload: payload, stamp: now}
}

// Get returns the snapshot for (resource, key) with its staleness computed
// against the per-resource threshold at call time. Staleness uses monotonic
// age only.
func (c *Cache) Get(resource, key string) (Snapshot, bool) {
	c.mu.RLock()
	s, ok := c.entries[resource][key]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	now := c.clk.Now()
	age := s.stamp.Age(now)
	return Snapshot{
		Resource: resource,
		Key:      key,
		Payload:  s.payload,
		Stamp:    s.stamp,
		Age:      age,
		IsStale:  age > c.cfg.StaleAfterFor(resource),
	}, true
}

// List returns every snapshot in a resource class, staleness included.
func (c *Cache) List(resource string) []Snapshot {
	c.mu.RLock()
	m := c.entries[resource]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		if snap, ok := c.Get(resource, k); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Staleness summarizes the worst (oldest) age per resource class, for the
// operator status surface.
func (c *Cache) Staleness() map[string]time.Duration {
	now := c.clk.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Duration, len(c.entries))
	for resource, m := range c.entries {
		var worst time.Duration
		for _, s := range m {
			if age := s.stamp.Age(now); age > worst {
				worst = age
			}
		}
		out[resource] = worst
	}
	return out
}
