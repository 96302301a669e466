// Package lstore implements a local, in-memory, single-node lock store based on the
// store.IConnector interface. Keys, expiries and subscriptions live entirely in
// memory and are not persisted between process restarts.
//
// Key Features:
//   - Atomic emulation of the acquire, release and renew scripts
//   - Wall-clock expiry, expired keys are removed lazily on access
//   - In-memory publish/subscribe with a bounded buffer per subscription
//   - Simulated replicas (SetReplicas) and outages (SetAvailable)
//
// Implementation Details:
//
//   - Atomicity: every script runs while holding the store mutex. The expiry of
//     a key is checked inside the same critical section, so an expired lock can
//     be taken over by another owner in exactly one step.
//
//   - Replica Acknowledgment: WaitReplicas returns immediately if the configured
//     number of replicas reaches the requested count. Otherwise it blocks for the
//     full timeout, like the WAIT command of Redis, and reports the replicas it has.
//
//   - Outages: while the store is unavailable every operation fails with
//     store.RetCUnavailable and all open subscriptions are closed, as if the
//     connection to a server had been lost.
//
// Usage Example:
//
//	s := lstore.NewLocalStore()
//	s.SetReplicas(1)
//
//	conn, _ := s.Connect(ctx)
//	res, _ := conn.Acquire(ctx, "lock", "owner", 30*time.Second)
//	if res.Ok() {
//	    // ...
//	}
//
// Suitable Use Cases:
//
//	The local store is ideal for:
//	- Testing and development environments
//	- Coordinating goroutines of a single process with the same API as Redis
//
// For coordination across processes use the rstore package instead.
package lstore
