// Package connmgr implements the connection reservation manager of the lock
// client. It owns a fixed capacity of store connections. Every caller reserves
// the connections it needs under a resource id before it talks to the store,
// which makes pool exhaustion visible up front instead of blocking mid-protocol.
//
// Reservation Lifecycle:
//
//	Reserve -> Borrow / ReturnBack (any number of times) -> Free
//
//   - Reserve atomically takes count from the capacity counter (only if it stays
//     >= 0) and opens count real connections through the store.IConnector.
//   - Borrow hands out one connection of the reservation for exclusive use.
//     ReturnBack puts it back, the capacity counter is not touched.
//   - Free closes all connections and restores the capacity of the reservation.
//     Connections still borrowed at that moment are closed (and their capacity
//     restored) when they are returned.
//
// Concurrency:
//
//	The capacity counter is updated with compare-and-swap. The reservation
//	registry is an xsync.MapOf and every state change of a single reservation
//	runs inside its Compute call, so check-then-act on one resource id is atomic.
//
// Usage Example:
//
//	mgr := connmgr.NewConnectionManager(connector, 60)
//	id, err := mgr.ReserveOne(ctx)
//	if err != nil {
//	    return err // errors.Is(err, connmgr.ErrInsufficientResource)
//	}
//	defer mgr.Free(id)
//
//	err = mgr.DoWithConnection(id, func(conn store.IConn) error {
//	    _, err := conn.Acquire(ctx, "lock", owner, lease)
//	    return err
//	})
package connmgr
