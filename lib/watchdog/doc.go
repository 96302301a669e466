// Package watchdog implements the lease renewal of held locks.
//
// A lock key expires after the lease unless its owner renews it. While the
// protected operation runs, a Task renews the key every lease/3: it borrows the
// connection of the lock's reservation, runs the owner-checked renew script and
// waits for the replica acknowledgment. With this interval two consecutive ticks
// can be missed before the lease could expire.
//
// A failed tick is never retried. The error (wrapping ErrRenewalFailed, and
// ErrLockLost if the key is owned by someone else) is delivered once on
// Task.Failed and the task stops ticking; terminating the protected operation
// is up to the caller. Task.Stop cancels all future ticks and waits for a tick
// in flight, an error of that tick is not reported.
package watchdog
