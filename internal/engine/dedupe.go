package engine

import (
	"sync"
	"time"
)

const dedupeCompactAt = 10000

// DedupeCache remembers transport message keys for a bounded time so a
// redelivered message is not counted twice.
type DedupeCache struct {
	mu       sync.Mutex
	items    map[string]time.Time
	inflight map[string]struct{}
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{
		items:    make(map[string]time.Time),
		inflight: make(map[string]struct{}),
	}
}

// Claim reserves key for one handler. It fails when key was processed within
// ttl or another handler holds it. The holder ends the claim with Remember on
// success or Release on failure.
func (d *DedupeCache) Claim(key string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok && now.Sub(ts) <= ttl {
		return false
	}
	if _, busy := d.inflight[key]; busy {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

// Release drops a claim without marking key processed. It is a no-op once
// Remember has run.
func (d *DedupeCache) Release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, key)
}

// Remember records key as processed. Only successfully handled messages are
// remembered, so a message that failed is still accepted on redelivery.
func (d *DedupeCache) Remember(key string, now time.Time, ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[key] = now
	delete(d.inflight, key)
	if len(d.items) > dedupeCompactAt {
		d.compact(now, ttl)
	}
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}
