package store

import (
	"log"
	"sync"
	"time"

	"duel-escrow/internal/models"
)

// reapInterval is how often the background sweeper wakes up.
const reapInterval = 60 * time.Second

type entry struct {
	duel      *models.Duel
	expiresAt time.Time
}

// Stats are process-lifetime counters for the store.
type Stats struct {
	Created int64 `json:"created"`
	Expired int64 `json:"expired"`
	Live    int   `json:"live"`
}

// Store is the in-memory authority for duel records plus the side
// collections the escrow engine needs: per-token dust counters and the two
// recovery sets. Nothing here survives a restart; the on-ledger commitment
// stream is the system of record.
type Store struct {
	mu      sync.RWMutex
	duels   map[string]entry
	dust    map[string]uint64
	pending map[string]struct{}
	failed  map[string]struct{}

	created int64
	expired int64

	done chan struct{}
	once sync.Once
}

func New() *Store {
	s := &Store{
		duels:   make(map[string]entry),
		dust:    make(map[string]uint64),
		pending: make(map[string]struct{}),
		failed:  make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

// Close stops the background reaper.
func (s *Store) Close() {
	s.once.Do(func() { close(s.done) })
}

// Set upserts a duel with an absolute expiry of now + ttl.
func (s *Store) Set(duelID string, duel *models.Duel, ttl time.Duration) {
	s.mu.Lock()
	if _, exists := s.duels[duelID]; !exists {
		s.created++
	}
	s.duels[duelID] = entry{duel: duel, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

// Get returns the duel or misses. Entries past expiry are evicted on read.
func (s *Store) Get(duelID string) (*models.Duel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.duels[duelID]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.duels, duelID)
		s.expired++
		return nil, false
	}
	return e.duel, true
}

// Delete removes a duel record.
func (s *Store) Delete(duelID string) {
	s.mu.Lock()
	delete(s.duels, duelID)
	s.mu.Unlock()
}

// AddDust accumulates sub-minimum house fees for a token.
func (s *Store) AddDust(token string, delta uint64) uint64 {
	s.mu.Lock()
	s.dust[token] += delta
	total := s.dust[token]
	s.mu.Unlock()
	return total
}

// Dust reads the accumulated dust for a token.
func (s *Store) Dust(token string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dust[token]
}

// ResetDust zeroes the dust counter for a token after a sweep.
func (s *Store) ResetDust(token string) {
	s.mu.Lock()
	delete(s.dust, token)
	s.mu.Unlock()
}

// AddPendingRecovery marks a duel as having a settlement in flight.
func (s *Store) AddPendingRecovery(duelID string) {
	s.mu.Lock()
	s.pending[duelID] = struct{}{}
	s.mu.Unlock()
}

// RemovePendingRecovery clears the in-flight settlement marker.
func (s *Store) RemovePendingRecovery(duelID string) {
	s.mu.Lock()
	delete(s.pending, duelID)
	s.mu.Unlock()
}

// AddFailedRecovery marks a duel whose settlement retries were exhausted.
func (s *Store) AddFailedRecovery(duelID string) {
	s.mu.Lock()
	s.failed[duelID] = struct{}{}
	s.mu.Unlock()
}

// RemoveFailedRecovery clears the exhausted-settlement marker.
func (s *Store) RemoveFailedRecovery(duelID string) {
	s.mu.Lock()
	delete(s.failed, duelID)
	s.mu.Unlock()
}

// PendingRecovery lists duel ids with settlements in flight.
func (s *Store) PendingRecovery() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.pending)
}

// FailedRecovery lists duel ids with exhausted settlement retries.
func (s *Store) FailedRecovery() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.failed)
}

// Stats returns the process-lifetime counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Created: s.created, Expired: s.expired, Live: len(s.duels)}
}

func (s *Store) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.reap(); n > 0 {
				log.Printf("Store reaper evicted %d expired duel(s)", n)
			}
		case <-s.done:
			return
		}
	}
}

// reap sweeps expired entries. It holds the same lock foreground mutators
// use, so a duel is only ever touched by one task at a time.
func (s *Store) reap() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted int
	for id, e := range s.duels {
		if now.After(e.expiresAt) {
			delete(s.duels, id)
			s.expired++
			evicted++
		}
	}
	return evicted
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
