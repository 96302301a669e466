package connmgr

import (
	"context"
	"errors"
	"github.com/ValentinKolb/dLock/lib/store"
)

var (
	// ErrInsufficientResource is returned if the remaining capacity cannot serve a reservation
	ErrInsufficientResource = errors.New("insufficient connection capacity")
	// ErrUnknownResource is returned if no reservation exists for a resource id
	ErrUnknownResource = errors.New("unknown resource")
	// ErrNoConnectionAvailable is returned by Borrow if all connections of a reservation are borrowed
	ErrNoConnectionAvailable = errors.New("no connection available")
	// ErrDuplicateResource is returned if a reservation already exists for a resource id
	ErrDuplicateResource = errors.New("resource is already reserved")
	// ErrClosed is returned by all operations after Close
	ErrClosed = errors.New("connection manager is closed")
)

// IConnectionManager owns a fixed capacity of store connections. Callers reserve
// a number of connections under a resource id and borrow them exclusively.
type IConnectionManager interface {
	// Reserve takes count connections from the capacity and opens them under the given id.
	// It returns false without changing the capacity if the remaining capacity is too small.
	Reserve(ctx context.Context, resourceID string, count int) (ok bool, err error)

	// ReserveOne reserves a single connection under a new resource id.
	ReserveOne(ctx context.Context) (resourceID string, err error)

	// ReserveN reserves count connections under a new resource id.
	// ErrInsufficientResource is returned if the remaining capacity is too small.
	ReserveN(ctx context.Context, count int) (resourceID string, err error)

	// Borrow takes a connection of the reservation. The caller owns it exclusively until ReturnBack.
	Borrow(resourceID string) (conn store.IConn, err error)

	// ReturnBack hands a borrowed connection back to its reservation.
	ReturnBack(resourceID string, conn store.IConn) (err error)

	// DoWithConnection borrows a connection, runs fn and always returns the connection.
	DoWithConnection(resourceID string, fn func(conn store.IConn) error) (err error)

	// Free closes all connections of the reservation and restores its capacity.
	Free(resourceID string) (err error)

	// RemainingCapacity returns the number of connections that can still be reserved.
	RemainingCapacity() int

	// Close frees all reservations and closes the underlying connector.
	Close() (err error)
}
