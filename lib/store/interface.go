package store

import (
	"context"
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// NoExpiry is returned by IConn.TTL for a key that exists but has no expiry set.
const NoExpiry time.Duration = -1

// ScriptResult is the literal result of the atomic lock scripts.
// No other value than SUCCESS or FAIL is meaningful.
type ScriptResult string

const (
	ScriptSuccess ScriptResult = "SUCCESS"
	ScriptFail    ScriptResult = "FAIL"
)

// Ok reports whether the script result is SUCCESS.
func (r ScriptResult) Ok() bool {
	return r == ScriptSuccess
}

// IConnector opens real connections to a lock store.
// A connector is shared by all connections it opened, closing it invalidates them.
type IConnector interface {
	// Connect opens a single connection to the store.
	Connect(ctx context.Context) (conn IConn, err error)
	// GetName returns the name of the store type (e.g., "redis", "local")
	GetName() string
	// Close releases every resource held by the connector.
	Close() (err error)
}

// IConn is a single connection to a store that supports atomic scripted
// operations, publish/subscribe and replica acknowledgment.
// A connection is not safe for concurrent use, callers borrow it exclusively.
type IConn interface {
	// Acquire runs the atomic acquire script: the key is set to owner with the lease as expiry
	// if it does not exist, or its expiry is reset if it is already owned by owner.
	Acquire(ctx context.Context, key, owner string, lease time.Duration) (res ScriptResult, err error)
	// Release runs the atomic release script: the key is deleted only if it is owned by owner.
	Release(ctx context.Context, key, owner string) (res ScriptResult, err error)
	// Renew resets the expiry of the key to lease, only if it is owned by owner.
	Renew(ctx context.Context, key, owner string, lease time.Duration) (res ScriptResult, err error)
	// TTL returns the remaining time to live of a key.
	// A value <= 0 means the key does not exist (or just expired), NoExpiry means no expiry is set.
	TTL(ctx context.Context, key string) (ttl time.Duration, err error)
	// Publish sends a message to all subscribers of a channel.
	Publish(ctx context.Context, channel, message string) (err error)
	// Subscribe opens a subscription on this connection. The method returns once the
	// store confirmed the subscription, so no message published afterward is lost.
	Subscribe(ctx context.Context, channel string) (sub ISubscription, err error)
	// WaitReplicas blocks until count replicas acknowledged all previous writes of this
	// connection or the timeout elapsed. It returns the number of acknowledging replicas.
	WaitReplicas(ctx context.Context, count int, timeout time.Duration) (acked int, err error)
	// Ping checks that the connection is usable.
	Ping(ctx context.Context) (err error)
	// Close closes the connection.
	Close() (err error)
}

// ISubscription is an open subscription to one channel.
type ISubscription interface {
	// Messages returns the payloads published to the channel.
	// The channel is closed once the subscription ended.
	Messages() <-chan string
	// Close ends the subscription.
	Close() (err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
	Err  error   // The underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("StoreError (code %s): %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new StoreError with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// WrapError creates a new StoreError with the given code and message wrapping err.
func WrapError(code RetCode, msg string, err error) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
		Err:  err,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by the store.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCUnavailable                         // 4: The store could not be reached.
)

// String returns the name of the return code.
func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}
