// Package presence tracks which users are online and which tokens have been
// revoked. A Redis-backed tracker is used when REDIS_URL is configured so
// several API instances share state; otherwise an in-process tracker is used.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Tracker records user liveness and a token denylist.
type Tracker interface {
	// SetOnline marks the user online as of now.
	SetOnline(ctx context.Context, userID string) error
	// SetOffline marks the user offline and returns the recorded last-seen time.
	SetOffline(ctx context.Context, userID string) (time.Time, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	// Touch refreshes an online user. Offline users are left offline.
	Touch(ctx context.Context, userID string) error
	// Expired lists online users that have not been touched within ttl.
	Expired(ctx context.Context, ttl time.Duration) ([]string, error)
	// Revoke denies tokenID until the given time.
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Close() error
}

// MemoryTracker is an in-process Tracker.
type MemoryTracker struct {
	mu      sync.Mutex
	online  map[string]time.Time
	revoked map[string]time.Time
	now     func() time.Time
}

var _ Tracker = (*MemoryTracker)(nil)

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		online:  make(map[string]time.Time),
		revoked: make(map[string]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryTracker) SetOnline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userID] = m.now()
	return nil
}

func (m *MemoryTracker) SetOffline(_ context.Context, userID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, userID)
	return m.now(), nil
}

func (m *MemoryTracker) IsOnline(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.online[userID]
	return ok, nil
}

func (m *MemoryTracker) Touch(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.online[userID]; ok {
		m.online[userID] = m.now()
	}
	return nil
}

func (m *MemoryTracker) Expired(_ context.Context, ttl time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-ttl)
	var ids []string
	for id, seen := range m.online {
		if seen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryTracker) Revoke(_ context.Context, tokenID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !until.After(now) {
		return nil
	}
	m.revoked[tokenID] = until
	for id, exp := range m.revoked {
		if !exp.After(now) {
			delete(m.revoked, id)
		}
	}
	return nil
}

func (m *MemoryTracker) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.revoked[tokenID]
	if !ok {
		return false, nil
	}
	if !exp.After(m.now()) {
		delete(m.revoked, tokenID)
		return false, nil
	}
	return true, nil
}

func (m *MemoryTracker) Close() error { return nil }
