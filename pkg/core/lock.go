package core

import (
	"context"
	"time"
)

// Locker hands out expiring exclusive leases shared by every process using the
// same backend. TryLock returns ErrConcurrencyConflict when the key is held.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release and Refresh return ErrLockNotHeld once the lease
// expired and was taken by someone else.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
	Refresh(ctx context.Context, ttl time.Duration) error
}

// TaskRun is emitted after a scheduled task ran.
type TaskRun struct {
	Name      string
	Succeeded bool
	Error     error
	Duration  time.Duration
	Timestamp time.Time
}

func (*TaskRun) eventMarker() {}
