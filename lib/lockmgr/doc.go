// Package lockmgr implements the lock coordinator of the distributed lock
// client. It runs a caller's operation while holding a named lock in a store
// that implements the store.IConnector interface (Redis in production), and
// guarantees that across all clients at most one operation runs under a lock
// name at any instant.
//
// Core Functionality:
//   - TryAcquire: one acquisition attempt, returns false if the lock is busy
//   - Acquire: waits on the notification channel of the lock until it is free
//   - Lease renewal while the operation runs (see package watchdog)
//   - Optional replica acknowledgment of every lock write (see package replica)
//
// Implementation Approach:
//
//	Locks are keys in the store whose value is the owner value of the holder
//	and whose expiry is the lease. All state changes run as atomic scripts in
//	the store, no client-side lock substitutes for them:
//
//	- Lock Acquisition: a fresh owner value (client id plus a random UUID) is
//	  written with the acquire script, which only succeeds if the key is absent
//	  or already owned by the same value. If replicas are configured the client
//	  then waits for their acknowledgment; if that fails the key is released
//	  again and the error is returned.
//
//	- Waiting: Acquire subscribes to the channel named after the lock and loops:
//	  while the key has a ttl it waits for an unlock notification (at most the
//	  ttl), once the key is gone it attempts the acquisition again. The wait has
//	  no upper bound, it ends with the acquisition or when ctx is done.
//
//	- Holding: the watchdog renews the lease every lease/3 while the operation
//	  runs in its own goroutine. If a renewal fails the operation's context is
//	  cancelled with the renewal error as cause, and the call returns that error
//	  immediately, even if the operation would still succeed.
//
//	- Cleanup: after the outcome is determined the renewal is stopped, the key
//	  is released with the owner-checked release script and an unlock message
//	  (prefix + lock name) is published. Release and notify errors are logged and
//	  never replace the outcome of the operation.
//
// Connections:
//
//	Every call reserves one connection from the connection manager for the
//	acquisition, renewal and release. A waiting Acquire additionally shares one
//	dedicated subscription connection per lock name with all local waiters. If
//	the pool cannot serve the reservation the call fails immediately with
//	connmgr.ErrInsufficientResource.
//
// Usage Example:
//
//	mgr, err := lockmgr.NewRedisLockManager(common.DefaultConfig())
//	if err != nil {
//	    // Handle error
//	}
//	defer mgr.Close()
//
//	err = mgr.Acquire(ctx, "resource:123", func(ctx context.Context) error {
//	    // Use the resource safely, stop when ctx is done
//	    return nil
//	})
//
//	ok, err := mgr.TryAcquire(ctx, "resource:123", op)
//	if err == nil && !ok {
//	    // The lock is held by someone else
//	}
//
// Non-Goals:
//
//	Locks are not reentrant: a nested Acquire of the same name by the same
//	caller waits for itself. Fairness between waiters is not guaranteed and
//	only a single store master (optionally with replicas) is supported.
package lockmgr
