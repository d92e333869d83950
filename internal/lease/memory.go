package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node use. It
// applies the same absent-or-expired claim semantics as the real backends.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record

	// When set, the corresponding operation fails with this error before
	// touching any record. Used to simulate transport failures in tests.
	ClaimErr  error
	UnlockErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

// Claim implements Store.Claim.
func (m *MemoryStore) Claim(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ClaimErr != nil {
		return m.ClaimErr
	}

	cur, ok := m.records[rec.Name]
	if ok && cur.LockUntil.After(rec.LockedAt) {
		return ErrLockHeld
	}

	m.records[rec.Name] = rec
	return nil
}

// Unlock implements Store.Unlock.
func (m *MemoryStore) Unlock(ctx context.Context, rec Record, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UnlockErr != nil {
		return m.UnlockErr
	}

	cur, ok := m.records[rec.Name]
	if !ok || cur.LockedBy != rec.LockedBy || !cur.LockUntil.Equal(rec.LockUntil) {
		return ErrLockHeld
	}

	cur.LockUntil = until
	m.records[rec.Name] = cur
	return nil
}

// Get returns the stored record for name, if any.
func (m *MemoryStore) Get(name string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	return rec, ok
}
