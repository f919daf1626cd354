// Package guard provides a shared counter with a sliding expiry window.
// It backs the process-wide upstream request ceiling and any other place
// that needs a commutative "count within the last N" guard.
package guard

import (
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// Counter counts events per key inside a fixed window. Increments are
// commutative; when a key's window expires its count restarts from zero.
type Counter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]*bucket
	now     func() time.Time
}

func NewCounter(window time.Duration) *Counter {
	return &Counter{
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow increments the key's count if it is below limit, returning whether the
// event is admitted. The count is not incremented on rejection.
func (c *Counter) Allow(key string, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucket(key)
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

// Count returns the key's count in the current window without incrementing.
func (c *Counter) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bucket(key).count
}

// bucket returns the live bucket for key, rolling over expired windows and
// opportunistically dropping other expired keys. Callers must hold mu.
func (c *Counter) bucket(key string) *bucket {
	now := c.now()

	for k, b := range c.buckets {
		if k != key && now.After(b.resetAt) {
			delete(c.buckets, k)
		}
	}

	b, ok := c.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(c.window)}
		c.buckets[key] = b
	}
	return b
}
