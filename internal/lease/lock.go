package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

const defaultCallTimeout = 5 * time.Second

// Validation errors, returned before any store call is made.
var (
	ErrNameRequired     = errors.New("lock name is required")
	ErrDeadlineNotAhead = errors.New("lockAtMostUntil must be in the future")
	ErrFloorAboveCeil   = errors.New("lockAtLeastUntil must not be after lockAtMostUntil")
)

// Clock supplies the current time. Injectable for tests.
type Clock func() time.Time

// Lock coordinates mutual exclusion across a fleet through a Store. A single
// Lock value may be shared by any number of goroutines; it holds no state
// beyond its configuration.
type Lock struct {
	store    Store
	lockedBy string
	clock    Clock
	timeout  time.Duration
}

// Option configures a Lock.
type Option func(*Lock)

// WithIdentity sets the holder identity recorded in lockedBy.
func WithIdentity(id string) Option {
	return func(l *Lock) { l.lockedBy = id }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Lock) { l.clock = c }
}

// WithCallTimeout bounds each store call. The default is 5s.
func WithCallTimeout(d time.Duration) Option {
	return func(l *Lock) { l.timeout = d }
}

// New creates a Lock over the given store. The identity defaults to the
// hostname so operators can tell which node holds a lock.
func New(store Store, opts ...Option) *Lock {
	l := &Lock{
		store:   store,
		clock:   time.Now,
		timeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.lockedBy == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		l.lockedBy = hostname
	}
	return l
}

// TryAcquire attempts to claim the named lock until lockAtMostUntil with a
// single conditional write. It never retries: losing the race yields
// (nil, nil), which is the expected outcome under contention, not an error.
//
// A transport failure also yields no lease. The error is returned for
// logging, but the caller must only proceed when the lease is non-nil;
// an unconfirmed write is never ownership.
func (l *Lock) TryAcquire(ctx context.Context, name string, lockAtMostUntil, lockAtLeastUntil time.Time) (*Lease, error) {
	now := l.clock()

	if name == "" {
		return nil, ErrNameRequired
	}
	if !lockAtMostUntil.After(now) {
		return nil, fmt.Errorf("%w: got %s at %s", ErrDeadlineNotAhead, lockAtMostUntil.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	if lockAtLeastUntil.After(lockAtMostUntil) {
		return nil, ErrFloorAboveCeil
	}

	rec := Record{
		Name:      name,
		LockUntil: lockAtMostUntil,
		LockedAt:  now,
		LockedBy:  l.lockedBy,
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	err := l.store.Claim(callCtx, rec)
	if errors.Is(err, ErrLockHeld) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %q: %w", name, err)
	}

	return &Lease{
		lock:             l,
		rec:              rec,
		lockAtLeastUntil: lockAtLeastUntil,
	}, nil
}

// Identity returns the holder identity written into lockedBy.
func (l *Lock) Identity() string {
	return l.lockedBy
}

// Lease is the capability handle returned by a successful TryAcquire. It is
// owned by the acquiring caller and must be released at most once; with or
// without a release, ownership ends at lockAtMostUntil.
type Lease struct {
	lock             *Lock
	rec              Record
	lockAtLeastUntil time.Time

	mu       sync.Mutex
	released bool
}

// Name returns the lock name.
func (ls *Lease) Name() string {
	return ls.rec.Name
}

// Until returns the lockAtMostUntil deadline the lease was acquired with.
func (ls *Lease) Until() time.Time {
	return ls.rec.LockUntil
}

// Release hands the lock back by moving lockUntil to max(now,
// lockAtLeastUntil). The floor keeps a fast-finishing task from releasing
// before a minimum holding period has passed.
//
// The write is fenced on the record still carrying this lease's claim;
// releasing after expiry cannot shorten a newer holder's lease. A second
// call is a no-op. A transport failure is returned so the caller can log
// it, but the lock still self-expires at lockAtMostUntil.
func (ls *Lease) Release(ctx context.Context) error {
	ls.mu.Lock()
	if ls.released {
		ls.mu.Unlock()
		return nil
	}
	ls.released = true
	ls.mu.Unlock()

	now := ls.lock.clock()
	until := now
	if ls.lockAtLeastUntil.After(until) {
		until = ls.lockAtLeastUntil
	}

	callCtx, cancel := context.WithTimeout(ctx, ls.lock.timeout)
	defer cancel()

	err := ls.lock.store.Unlock(callCtx, ls.rec, until)
	if errors.Is(err, ErrLockHeld) {
		// The record has moved on (lease expired and was reclaimed).
		// Nothing left to release.
		return nil
	}
	if err != nil {
		return fmt.Errorf("release %q: %w", ls.rec.Name, err)
	}
	return nil
}
