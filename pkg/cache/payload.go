package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type payloadEntry struct {
	ciphertext []byte
	storedAt   time.Time
}

// PayloadStore maps message ids to ciphertext for a bounded time. It answers
// pull requests and lets relays rebroadcast without re-encrypting.
type PayloadStore struct {
	ttl     time.Duration
	clock   clock.Clock
	mu      sync.RWMutex
	entries map[uint64]payloadEntry
}

func NewPayloadStore(ttl time.Duration, clk clock.Clock) *PayloadStore {
	if clk == nil {
		clk = clock.New()
	}
	return &PayloadStore{
		ttl:     ttl,
		clock:   clk,
		entries: make(map[uint64]payloadEntry),
	}
}

// Put stores a copy of ciphertext. An existing entry keeps its original
// insertion time.
func (s *PayloadStore) Put(id uint64, ciphertext []byte) {
	cp := append([]byte(nil), ciphertext...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return
	}
	s.entries[id] = payloadEntry{ciphertext: cp, storedAt: s.clock.Now()}
}

func (s *PayloadStore) Get(id uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.ciphertext...), true
}

func (s *PayloadStore) Has(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

func (s *PayloadStore) Delete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

func (s *PayloadStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes entries older than the store TTL and returns their ids.
func (s *PayloadStore) Sweep() []uint64 {
	limit := s.clock.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []uint64
	for id, e := range s.entries {
		if e.storedAt.Before(limit) {
			delete(s.entries, id)
			expired = append(expired, id)
		}
	}
	return expired
}
