// Package store keeps the set of payment authorization nonces a local
// facilitator has already accepted.
package store

import (
	"context"
	"sync"
	"time"
)

// NonceStore records used nonces. Claim must be atomic: of several concurrent
// claims for the same key exactly one reports true.
type NonceStore interface {
	// Claim marks key as used and reports whether it was unused before.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets a claim so a payment that failed later checks can be
	// retried.
	Release(ctx context.Context, key string) error
}

// MemoryNonceStore is a process-local NonceStore. With a TTL, entries older
// than the TTL are swept lazily on Claim.
type MemoryNonceStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time

	lastSweep time.Time
}

var _ NonceStore = (*MemoryNonceStore)(nil)

// NewMemoryNonceStore returns an empty store. ttl <= 0 keeps nonces forever.
func NewMemoryNonceStore(ttl time.Duration) *MemoryNonceStore {
	return &MemoryNonceStore{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryNonceStore) Claim(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	if claimedAt, ok := s.entries[key]; ok {
		if s.ttl <= 0 || now.Sub(claimedAt) < s.ttl {
			return false, nil
		}
	}

	s.entries[key] = now
	return true, nil
}

func (s *MemoryNonceStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of remembered nonces.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryNonceStore) sweepLocked(now time.Time) {
	if s.ttl <= 0 || now.Sub(s.lastSweep) < s.ttl {
		return
	}
	for k, claimedAt := range s.entries {
		if now.Sub(claimedAt) >= s.ttl {
			delete(s.entries, k)
		}
	}
	s.lastSweep = now
}
