// Package cache holds the shared, internally synchronized state of a mesh
// node: the set of message ids already seen and the ciphertexts it can serve.
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MinDedupSize is the smallest capacity a Dedup cache will use.
const MinDedupSize = 64

// Dedup is a bounded, access-ordered set of recently seen message ids.
type Dedup struct {
	mu    sync.Mutex
	lru   *lru.Cache[uint64, time.Time]
	clock clock.Clock
}

func NewDedup(size int, clk clock.Clock) (*Dedup, error) {
	if size < MinDedupSize {
		size = MinDedupSize
	}
	if clk == nil {
		clk = clock.New()
	}
	l, err := lru.New[uint64, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &Dedup{lru: l, clock: clk}, nil
}

// SeenOrAdd reports whether id was already present, inserting it if not.
// Test and insert happen under one lock, so exactly one of any number of
// concurrent callers for the same id gets false.
func (d *Dedup) SeenOrAdd(id uint64) bool {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lru.Contains(id) {
		d.lru.Add(id, now)
		return true
	}
	d.lru.Add(id, now)
	return false
}

// Contains checks membership without touching recency.
func (d *Dedup) Contains(id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.Contains(id)
}

func (d *Dedup) Forget(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lru.Remove(id)
}

// PurgeOlderThan drops every id last seen before cutoff.
func (d *Dedup) PurgeOlderThan(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	purged := 0
	for _, id := range d.lru.Keys() {
		seen, ok := d.lru.Peek(id)
		if ok && seen.Before(cutoff) {
			d.lru.Remove(id)
			purged++
		}
	}
	return purged
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.Len()
}
