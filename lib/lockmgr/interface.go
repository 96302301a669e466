package lockmgr

import (
	"context"
	"errors"
)

var (
	// ErrInterrupted is returned if the context of Acquire is done while waiting for the lock
	ErrInterrupted = errors.New("interrupted while waiting for lock")
	// ErrOperationPanic is returned if the protected operation panicked
	ErrOperationPanic = errors.New("operation panicked")
)

// Operation is the function protected by a lock. The context is cancelled when
// the caller's context is done or when the lease of the lock could not be renewed;
// in the latter case context.Cause returns the renewal error.
type Operation func(ctx context.Context) error

// ILockManager defines the interface for a distributed lock client.
type ILockManager interface {
	// TryAcquire runs op while holding the lock, without waiting for it.
	// It returns (false, nil) if the lock is held by someone else, op is not called then.
	// If the lock was obtained it returns true and the outcome of op, which is an error
	// wrapping watchdog.ErrRenewalFailed if the lease could not be renewed while op ran.
	// (false, err) means the lock could not be attempted (e.g. connmgr.ErrInsufficientResource)
	// or its acquisition was not confirmed by the replicas (replica.ErrReplicaDurability).
	TryAcquire(ctx context.Context, lockName string, op Operation) (ok bool, err error)

	// Acquire waits until the lock is obtained and runs op while holding it.
	// There is no upper bound on the wait, cancel ctx to give up: the returned error
	// wraps ErrInterrupted and the cause of ctx. All other errors are those of TryAcquire.
	Acquire(ctx context.Context, lockName string, op Operation) (err error)

	// Close stops all renewals, subscriptions and closes all connections.
	Close() (err error)
}
