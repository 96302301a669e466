// Package rstore implements the store.IConnector interface for Redis using go-redis.
//
// Every connection returned by Connect is backed by its own go-redis client with
// a pool of one socket, so that WAIT acknowledges exactly the writes of the
// caller and closing the connection closes the socket. Options.PoolSize bounds
// the number of open connections. The lock scripts are evaluated with EVALSHA
// and fall back to EVAL when the server does not know the script yet.
//
// Subscribe moves a connection into subscriber mode: its command socket is
// closed and the subscription opens the only socket of the connection. Until
// the subscription is closed the connection rejects commands. Subscribe only
// returns after Redis confirmed the subscription, so a message published after
// Subscribe returned is never lost.
//
// Errors are returned as *store.Error: server replies map to RetCInternalError,
// network and pool failures map to RetCUnavailable.
package rstore
