// Package replica implements the replica acknowledgment check of the lock client.
// After a lock key was written (on acquisition and on every renewal) the writer
// waits until the configured number of replicas acknowledged the write. If the
// count is not reached within the retry budget the write is not trusted and
// ErrReplicaDurability is returned.
package replica
