package bridge

import (
	"sync"
	"time"
)

// Dedup remembers signal ids for a time-to-live window so a redelivered
// signal is not executed twice. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // signalID -> first seen
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given ttl. A non-positive ttl disables
// duplicate detection.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether signalID was seen within the TTL. Unseen or
// expired ids are recorded and reported as new.
func (d *Dedup) IsDuplicate(signalID string) bool {
	if d.ttl <= 0 || signalID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if first, ok := d.seen[signalID]; ok && now.Sub(first) < d.ttl {
		return true
	}
	d.seen[signalID] = now
	return false
}

// Cleanup drops expired entries. Run it periodically to bound memory.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
