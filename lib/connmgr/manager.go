package connmgr

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/xid"
	"sync/atomic"
)

var Logger = logger.GetLogger("connmgr")

var (
	reserveRejected = metrics.GetOrCreateCounter(`dlock_connmgr_reserve_rejected_total`)
	connectFailures = metrics.GetOrCreateCounter(`dlock_connmgr_connect_failures_total`)
)

// reservation is the set of connections reserved under one resource id.
// Invariant: len(available) + borrowed == capacity while the reservation is live.
// It is only accessed inside a Compute call of the registry.
type reservation struct {
	capacity  int
	available []store.IConn
	borrowed  int
	freed     bool // set by Free while connections are still borrowed
}

type manager struct {
	connector    store.IConnector
	maxCapacity  int
	capacity     atomic.Int64
	reservations *xsync.MapOf[string, *reservation]
	closed       atomic.Bool
}

// NewConnectionManager creates a connection manager with the given capacity.
// All connections are opened through the connector.
func NewConnectionManager(connector store.IConnector, capacity int) IConnectionManager {
	m := &manager{
		connector:    connector,
		maxCapacity:  capacity,
		reservations: xsync.NewMapOf[string, *reservation](),
	}
	m.capacity.Store(int64(capacity))
	return m
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IConnectionManager)
// --------------------------------------------------------------------------

func (m *manager) Reserve(ctx context.Context, resourceID string, count int) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	if count < 1 {
		return false, fmt.Errorf("invalid reservation count %d", count)
	}

	if !m.take(count) {
		reserveRejected.Inc()
		Logger.Debugf("Rejected reservation of %d connections for %s, remaining capacity %d", count, resourceID, m.RemainingCapacity())
		return false, nil
	}

	conns := make([]store.IConn, 0, count)
	for i := 0; i < count; i++ {
		conn, err := m.connector.Connect(ctx)
		if err != nil {
			connectFailures.Inc()
			closeAll(conns)
			m.restore(count)
			return false, fmt.Errorf("failed to open connection for %s: %w", resourceID, err)
		}
		conns = append(conns, conn)
	}

	_, loaded := m.reservations.LoadOrStore(resourceID, &reservation{
		capacity:  count,
		available: conns,
	})
	if loaded {
		closeAll(conns)
		m.restore(count)
		return false, fmt.Errorf("%w: %s", ErrDuplicateResource, resourceID)
	}

	Logger.Debugf("Reserved %d connections for %s", count, resourceID)
	return true, nil
}

func (m *manager) ReserveOne(ctx context.Context) (string, error) {
	return m.ReserveN(ctx, 1)
}

func (m *manager) ReserveN(ctx context.Context, count int) (string, error) {
	resourceID := xid.New().String()
	ok, err := m.Reserve(ctx, resourceID, count)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: requested %d, remaining %d", ErrInsufficientResource, count, m.RemainingCapacity())
	}
	return resourceID, nil
}

func (m *manager) Borrow(resourceID string) (store.IConn, error) {
	var (
		conn store.IConn
		err  error
	)
	m.reservations.Compute(resourceID, func(res *reservation, loaded bool) (*reservation, bool) {
		if !loaded {
			err = fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
			return nil, true
		}
		if res.freed {
			err = fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
			return res, false
		}
		if len(res.available) == 0 {
			err = fmt.Errorf("%w: %s", ErrNoConnectionAvailable, resourceID)
			return res, false
		}
		last := len(res.available) - 1
		conn = res.available[last]
		res.available = res.available[:last]
		res.borrowed++
		return res, false
	})
	return conn, err
}

func (m *manager) ReturnBack(resourceID string, conn store.IConn) error {
	if conn == nil {
		return errors.New("cannot return a nil connection")
	}

	var (
		closeConn bool
		err       error
	)
	m.reservations.Compute(resourceID, func(res *reservation, loaded bool) (*reservation, bool) {
		if !loaded {
			closeConn = true
			err = fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
			return nil, true
		}
		if res.borrowed == 0 {
			closeConn = true
			err = fmt.Errorf("connection was not borrowed from %s", resourceID)
			return res, false
		}
		res.borrowed--
		if res.freed {
			// the reservation was freed while this connection was borrowed
			closeConn = true
			m.restore(1)
			return res, res.borrowed == 0
		}
		res.available = append(res.available, conn)
		return res, false
	})

	if closeConn {
		if cErr := conn.Close(); cErr != nil {
			Logger.Warningf("Failed to close connection of %s: %v", resourceID, cErr)
		}
	}
	return err
}

func (m *manager) DoWithConnection(resourceID string, fn func(conn store.IConn) error) error {
	conn, err := m.Borrow(resourceID)
	if err != nil {
		return err
	}
	defer func() {
		if rErr := m.ReturnBack(resourceID, conn); rErr != nil {
			Logger.Warningf("Failed to return connection to %s: %v", resourceID, rErr)
		}
	}()
	return fn(conn)
}

func (m *manager) Free(resourceID string) error {
	var (
		toClose []store.IConn
		found   bool
	)
	m.reservations.Compute(resourceID, func(res *reservation, loaded bool) (*reservation, bool) {
		if !loaded || res.freed {
			return res, !loaded
		}
		found = true
		toClose = res.available
		res.available = nil
		res.freed = true
		// borrowed connections restore their capacity on ReturnBack
		return res, res.borrowed == 0
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
	}

	closeAll(toClose)
	m.restore(len(toClose))
	Logger.Debugf("Freed reservation %s, remaining capacity %d", resourceID, m.RemainingCapacity())
	return nil
}

func (m *manager) RemainingCapacity() int {
	return int(m.capacity.Load())
}

func (m *manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var ids []string
	m.reservations.Range(func(id string, _ *reservation) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if err := m.Free(id); err != nil && !errors.Is(err, ErrUnknownResource) {
			Logger.Warningf("Failed to free reservation %s on close: %v", id, err)
		}
	}
	return m.connector.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// take decrements the capacity by count if it stays >= 0
func (m *manager) take(count int) bool {
	for {
		current := m.capacity.Load()
		if current < int64(count) {
			return false
		}
		if m.capacity.CompareAndSwap(current, current-int64(count)) {
			return true
		}
	}
}

func (m *manager) restore(count int) {
	if count == 0 {
		return
	}
	if remaining := m.capacity.Add(int64(count)); remaining > int64(m.maxCapacity) {
		Logger.Errorf("Remaining capacity %d exceeds the maximum %d", remaining, m.maxCapacity)
	}
}

func closeAll(conns []store.IConn) {
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			Logger.Warningf("Failed to close connection: %v", err)
		}
	}
}
