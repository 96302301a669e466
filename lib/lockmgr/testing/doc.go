// Package testing provides a standardised test suite for the lock manager
// on top of any store implementation that satisfies the store.IConnector
// interface.
//
// The suite covers mutual exclusion (one and several clients), the
// non-blocking TryAcquire, release cleanliness, repeated use of a lock name,
// lease renewal of long operations, error and panic propagation, unlock
// notifications, the unbounded wait and pool exhaustion.
//
// Example usage:
//
//	// Creating a factory that prepares a fresh store per test
//	factory := func(t *testing.T) func() store.IConnector {
//		s := lstore.NewLocalStore()
//		return s.Connector
//	}
//
//	// Running the standard test suite
//	testing.RunLockManagerTests(t, "LocalStore", factory)
package testing
