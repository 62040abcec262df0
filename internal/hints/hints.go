// Package hints remembers which venue a token must be traded on.
package hints

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"routeGuard/internal/clock"
)

// Hint records that a token last traded successfully on Venue.
type Hint struct {
	Venue      string    `json:"venue"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store persists hints by token.
type Store interface {
	Get(ctx context.Context, token common.Address) (Hint, bool, error)
	Put(ctx context.Context, token common.Address, hint Hint) error
	Delete(ctx context.Context, token common.Address) error
}

func tokenKey(token common.Address) string {
	return strings.ToLower(token.Hex())
}

type memoryEntry struct {
	hint    Hint
	expires time.Time
}

// MemoryStore keeps hints in process. A zero ttl never expires entries.
type MemoryStore struct {
	mu    sync.RWMutex
	ttl   time.Duration
	clock clock.Clock
	data  map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration, c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryStore{ttl: ttl, clock: c, data: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, token common.Address) (Hint, bool, error) {
	key := tokenKey(token)
	s.mu.RLock()
	entry, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return Hint{}, false, nil
	}
	if !entry.expires.IsZero() && !s.clock.Now().Before(entry.expires) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return Hint{}, false, nil
	}
	return entry.hint, true, nil
}

func (s *MemoryStore) Put(_ context.Context, token common.Address, hint Hint) error {
	now := s.clock.Now()
	if hint.RecordedAt.IsZero() {
		hint.RecordedAt = now
	}
	entry := memoryEntry{hint: hint}
	if s.ttl > 0 {
		entry.expires = now.Add(s.ttl)
	}
	s.mu.Lock()
	s.data[tokenKey(token)] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, token common.Address) error {
	s.mu.Lock()
	delete(s.data, tokenKey(token))
	s.mu.Unlock()
	return nil
}

// Static wraps a store with fixed overrides that always win.
type Static struct {
	overrides map[string]Hint
	next      Store
}

// WithOverrides returns a store answering overrides first, then next. next may be nil.
func WithOverrides(overrides map[common.Address]string, next Store) *Static {
	s := &Static{overrides: make(map[string]Hint, len(overrides)), next: next}
	for token, venue := range overrides {
		s.overrides[tokenKey(token)] = Hint{Venue: venue, Reason: "configured override"}
	}
	return s
}

func (s *Static) Get(ctx context.Context, token common.Address) (Hint, bool, error) {
	if h, ok := s.overrides[tokenKey(token)]; ok {
		return h, true, nil
	}
	if s.next == nil {
		return Hint{}, false, nil
	}
	return s.next.Get(ctx, token)
}

func (s *Static) Put(ctx context.Context, token common.Address, hint Hint) error {
	if s.next == nil {
		return nil
	}
	return s.next.Put(ctx, token, hint)
}

func (s *Static) Delete(ctx context.Context, token common.Address) error {
	if s.next == nil {
		return nil
	}
	return s.next.Delete(ctx, token)
}
