// ABOUTME: Thread-safe TTL store for one-time credential handoff after approval
// ABOUTME: Supports reusable-until-expiry and single-use consumption policies

// Package secrets holds approved credentials in memory for a short window
// between an approval step and the consumer picking them up. Entries are
// never persisted.
package secrets

import (
	"sync"
	"time"
)

// ConsumePolicy selects how a read affects the stored entry. The two
// policies are deliberately distinct and chosen per call site: a pairing
// code may be read many times until it expires, while a handed-off token
// must vanish on first read.
type ConsumePolicy int

const (
	// PolicyReusable returns the secret on every read until the TTL expires.
	PolicyReusable ConsumePolicy = iota
	// PolicySingleUse deletes the secret on the first successful read.
	PolicySingleUse
)

type entry struct {
	secret    string
	expiresAt time.Time
}

// Store provides a thread-safe, TTL-based cache for approved secrets.
// A background goroutine periodically removes expired entries regardless
// of read activity.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	done    chan struct{}
	closed  bool
}

// New creates a secret store with the given default TTL. The sweep interval
// controls how often expired entries are reaped independent of reads.
func New(ttl, sweepInterval time.Duration) *Store {
	s := &Store{
		entries: make(map[string]entry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s
}

// Put stores a secret under key with the default TTL, replacing any
// existing entry.
func (s *Store) Put(key, secret string) {
	s.PutTTL(key, secret, s.ttl)
}

// PutTTL stores a secret with an explicit TTL.
func (s *Store) PutTTL(key, secret string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry{
		secret:    secret,
		expiresAt: time.Now().Add(ttl),
	}
}

// Consume returns the secret for key if it has not expired. Under
// PolicySingleUse the entry is removed on a successful read; under
// PolicyReusable it remains until expiry. Expired entries are treated
// as absent (and removed when encountered).
func (s *Store) Consume(key string, policy ConsumePolicy) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return "", false
	}

	if policy == PolicySingleUse {
		delete(s.entries, key)
	}
	return e.secret, true
}

// Delete removes a secret before its TTL elapses.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len returns the number of live entries, counting expired-but-unswept ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// sweep runs in a background goroutine, periodically removing expired entries.
func (s *Store) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runSweep()
		case <-s.done:
			return
		}
	}
}

// runSweep removes all expired entries.
func (s *Store) runSweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// Close stops the background sweeper and drops all entries. Safe to call
// multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
		s.entries = make(map[string]entry)
	}
}
