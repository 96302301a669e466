// Package store defines the contract between the lock client and the
// key-value store that coordinates it. The store is an external collaborator:
// it must evaluate the lock scripts atomically, offer publish/subscribe and
// let a writer wait for replica acknowledgments.
//
// Key Components:
//
//   - IConnector: opens real connections to a store. Every connection a
//     lock client uses is opened through a connector, which allows the
//     connection reservation manager to account for them.
//
//   - IConn: a single, exclusively borrowed connection. The three lock
//     scripts (acquire, release, renew) are exposed as methods returning
//     a ScriptResult, the literal SUCCESS or FAIL of the script.
//
//   - ISubscription: an open subscription to one channel, delivering the
//     published payloads on a Go channel.
//
//   - Error System: a structured error reporting mechanism using typed error
//     codes (RetCode). Implementations wrap transport errors in *Error so
//     that callers can distinguish an unreachable store (RetCUnavailable)
//     from a rejected operation.
//
// Implementations:
//
//   - Redis Store (rstore): the production implementation on top of
//     go-redis. Scripts are evaluated with EVALSHA/EVAL, the replica
//     acknowledgment uses WAIT.
//     Available in the "github.com/ValentinKolb/dLock/lib/store/rstore" package.
//
//   - Local Store (lstore): a single-process implementation with wall-clock
//     expiry, in-memory publish/subscribe and simulated replicas. It is
//     used for tests and for running without a Redis server.
//     Available in the "github.com/ValentinKolb/dLock/lib/store/lstore" package.
package store
