package connmgr

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/ValentinKolb/dLock/lib/store/lstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupManager(t *testing.T, capacity int) (*lstore.Store, IConnectionManager) {
	s := lstore.NewLocalStore()
	mgr := NewConnectionManager(s, capacity)
	t.Cleanup(func() { _ = mgr.Close() })
	return s, mgr
}

func TestCapacityRoundTrip(t *testing.T) {
	s, mgr := setupManager(t, 10)
	ctx := context.Background()

	ok, err := mgr.Reserve(ctx, "res", 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, mgr.RemainingCapacity())
	assert.Equal(t, 7, s.OpenConnections())

	conns := make([]store.IConn, 0, 7)
	for i := 0; i < 7; i++ {
		conn, err := mgr.Borrow("res")
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	assert.Equal(t, 3, mgr.RemainingCapacity())

	_, err = mgr.Borrow("res")
	assert.ErrorIs(t, err, ErrNoConnectionAvailable)

	for _, conn := range conns {
		require.NoError(t, mgr.ReturnBack("res", conn))
	}
	// returning does not give capacity back, the reservation still holds it
	assert.Equal(t, 3, mgr.RemainingCapacity())

	require.NoError(t, mgr.Free("res"))
	assert.Equal(t, 10, mgr.RemainingCapacity())
	assert.Equal(t, 0, s.OpenConnections())
}

func TestReserveBeyondCapacity(t *testing.T) {
	s, mgr := setupManager(t, 3)
	ctx := context.Background()

	ok, err := mgr.Reserve(ctx, "a", 2)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Reserve(ctx, "b", 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, mgr.RemainingCapacity())
	assert.Equal(t, 2, s.OpenConnections())

	_, err = mgr.ReserveN(ctx, 2)
	assert.ErrorIs(t, err, ErrInsufficientResource)
	assert.Equal(t, 1, mgr.RemainingCapacity())
}

func TestReserveInvalid(t *testing.T) {
	_, mgr := setupManager(t, 3)
	ctx := context.Background()

	_, err := mgr.Reserve(ctx, "a", 0)
	assert.Error(t, err)

	ok, err := mgr.Reserve(ctx, "a", 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = mgr.Reserve(ctx, "a", 1)
	assert.ErrorIs(t, err, ErrDuplicateResource)
	assert.Equal(t, 2, mgr.RemainingCapacity())
}

func TestReserveConnectFailure(t *testing.T) {
	s, mgr := setupManager(t, 3)
	s.SetAvailable(false)

	ok, err := mgr.Reserve(context.Background(), "a", 2)
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, 3, mgr.RemainingCapacity())
}

func TestUnknownResource(t *testing.T) {
	_, mgr := setupManager(t, 3)

	_, err := mgr.Borrow("missing")
	assert.ErrorIs(t, err, ErrUnknownResource)

	err = mgr.Free("missing")
	assert.ErrorIs(t, err, ErrUnknownResource)

	err = mgr.DoWithConnection("missing", func(conn store.IConn) error {
		t.Fatal("fn must not be called")
		return nil
	})
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestDoWithConnectionReturnsOnError(t *testing.T) {
	_, mgr := setupManager(t, 3)
	ctx := context.Background()

	id, err := mgr.ReserveOne(ctx)
	require.NoError(t, err)

	fnErr := errors.New("boom")
	err = mgr.DoWithConnection(id, func(conn store.IConn) error {
		return fnErr
	})
	assert.ErrorIs(t, err, fnErr)

	// the connection is available again
	err = mgr.DoWithConnection(id, func(conn store.IConn) error {
		return conn.Ping(ctx)
	})
	assert.NoError(t, err)
}

func TestFreeWhileBorrowed(t *testing.T) {
	s, mgr := setupManager(t, 4)
	ctx := context.Background()

	id, err := mgr.ReserveN(ctx, 2)
	require.NoError(t, err)

	conn, err := mgr.Borrow(id)
	require.NoError(t, err)

	require.NoError(t, mgr.Free(id))
	assert.Equal(t, 3, mgr.RemainingCapacity(), "borrowed connection still holds capacity")
	assert.Equal(t, 1, s.OpenConnections())

	_, err = mgr.Borrow(id)
	assert.ErrorIs(t, err, ErrUnknownResource)

	require.NoError(t, mgr.ReturnBack(id, conn))
	assert.Equal(t, 4, mgr.RemainingCapacity())
	assert.Equal(t, 0, s.OpenConnections())

	err = mgr.Free(id)
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestConcurrentReservations(t *testing.T) {
	_, mgr := setupManager(t, 10)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved []string
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := mgr.ReserveOne(ctx)
			if err != nil {
				assert.ErrorIs(t, err, ErrInsufficientResource)
				return
			}
			mu.Lock()
			reserved = append(reserved, id)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, reserved, 10)
	assert.Equal(t, 0, mgr.RemainingCapacity())

	for _, id := range reserved {
		require.NoError(t, mgr.Free(id))
	}
	assert.Equal(t, 10, mgr.RemainingCapacity())
}

func TestClose(t *testing.T) {
	s := lstore.NewLocalStore()
	mgr := NewConnectionManager(s, 5)
	ctx := context.Background()

	_, err := mgr.ReserveN(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, s.OpenConnections())

	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close())
	assert.Equal(t, 0, s.OpenConnections())
	assert.Equal(t, 5, mgr.RemainingCapacity())

	_, err = mgr.ReserveOne(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
