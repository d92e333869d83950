package lease

import (
	"context"
	"errors"
	"time"
)

// Record is the persisted state of one named lock. The lock is held while
// now < LockUntil. LockedAt and LockedBy are diagnostic only and are never
// read by the protocol.
type Record struct {
	Name      string
	LockUntil time.Time
	LockedAt  time.Time
	LockedBy  string
}

// ErrLockHeld is returned by Store implementations when a conditional write
// is rejected because the stored record does not satisfy the precondition.
var ErrLockHeld = errors.New("lock held by another holder")

// Store is the key-value backend the lock protocol runs against. Both
// operations must be atomic and linearizable per record name.
type Store interface {
	// Claim writes rec if the record is absent or its lockUntil is at or
	// before rec.LockedAt (the claim time). Returns ErrLockHeld when the
	// precondition does not hold.
	Claim(ctx context.Context, rec Record) error

	// Unlock sets the record's lockUntil to until, but only while the stored
	// lockedBy and lockUntil still match rec. Returns ErrLockHeld when the
	// record has since been claimed by someone else.
	Unlock(ctx context.Context, rec Record, until time.Time) error
}
