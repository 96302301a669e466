package testing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dLock/lib/common"
	"github.com/ValentinKolb/dLock/lib/connmgr"
	"github.com/ValentinKolb/dLock/lib/lockmgr"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ConnectorFactory prepares a fresh store for one test and returns a function
// that creates independent connectors (clients) to it.
type ConnectorFactory func(t *testing.T) func() store.IConnector

// RunLockManagerTests runs a comprehensive test suite for lock managers on a store implementation.
func RunLockManagerTests(t *testing.T, name string, factory ConnectorFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("MutualExclusion", func(t *testing.T) {
			testMutualExclusion(t, factory(t))
		})

		t.Run("MutualExclusionMultipleClients", func(t *testing.T) {
			testMutualExclusionMultipleClients(t, factory(t))
		})

		t.Run("TryAcquireNonBlocking", func(t *testing.T) {
			testTryAcquireNonBlocking(t, factory(t))
		})

		t.Run("ReleaseCleanliness", func(t *testing.T) {
			testReleaseCleanliness(t, factory(t))
		})

		t.Run("RepeatUse", func(t *testing.T) {
			testRepeatUse(t, factory(t))
		})

		t.Run("LongOperationRenewed", func(t *testing.T) {
			testLongOperationRenewed(t, factory(t))
		})

		t.Run("OperationError", func(t *testing.T) {
			testOperationError(t, factory(t))
		})

		t.Run("OperationPanic", func(t *testing.T) {
			testOperationPanic(t, factory(t))
		})

		t.Run("WaiterIsNotified", func(t *testing.T) {
			testWaiterIsNotified(t, factory(t))
		})

		t.Run("BoundedWait", func(t *testing.T) {
			testBoundedWait(t, factory(t))
		})

		t.Run("InsufficientResource", func(t *testing.T) {
			testInsufficientResource(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// TestConfig returns a configuration with a short lease for tests
func TestConfig() common.Config {
	cfg := common.DefaultConfig()
	cfg.LeaseTime = 600 * time.Millisecond
	cfg.ReadTimeout = time.Second
	cfg.LogLevel = "warn"
	return cfg
}

// NewManager creates a lock manager that is closed at the end of the test
func NewManager(t testing.TB, connector store.IConnector, cfg common.Config) lockmgr.ILockManager {
	mgr, err := lockmgr.New(connector, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

// RequireUnlocked fails the test if the lock key still exists
func RequireUnlocked(t testing.TB, connector store.IConnector, lockName string) {
	ctx := context.Background()
	conn, err := connector.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	ttl, err := conn.TTL(ctx, lockName)
	require.NoError(t, err)
	require.True(t, ttl <= 0 && ttl != store.NoExpiry, "lock %s is still held (ttl %s)", lockName, ttl)
}

// exclusiveCounter detects overlapping operations
type exclusiveCounter struct {
	active   atomic.Int32
	overlaps atomic.Int32
	// read-modify-write without compare-and-swap, loses updates if operations overlap
	count atomic.Int32
}

func (c *exclusiveCounter) op(hold time.Duration) lockmgr.Operation {
	return func(ctx context.Context) error {
		if c.active.Add(1) > 1 {
			c.overlaps.Add(1)
		}
		defer c.active.Add(-1)

		v := c.count.Load()
		if hold > 0 {
			time.Sleep(hold)
		}
		c.count.Store(v + 1)
		return nil
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testMutualExclusion(t *testing.T, newConnector func() store.IConnector) {
	mgr := NewManager(t, newConnector(), TestConfig())
	ctx := context.Background()

	const workers = 20
	counter := &exclusiveCounter{}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, mgr.Acquire(ctx, "mutex", counter.op(time.Millisecond)))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(workers), counter.count.Load())
	assert.Equal(t, int32(0), counter.overlaps.Load(), "operations overlapped")
	RequireUnlocked(t, newConnector(), "mutex")
}

func testMutualExclusionMultipleClients(t *testing.T, newConnector func() store.IConnector) {
	ctx := context.Background()

	const (
		clients = 3
		workers = 8
	)
	counter := &exclusiveCounter{}

	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		mgr := NewManager(t, newConnector(), TestConfig())
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, mgr.Acquire(ctx, "shared", counter.op(time.Millisecond)))
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, int32(clients*workers), counter.count.Load())
	assert.Equal(t, int32(0), counter.overlaps.Load(), "operations overlapped")
}

func testTryAcquireNonBlocking(t *testing.T, newConnector func() store.IConnector) {
	mgr := NewManager(t, newConnector(), TestConfig())
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- mgr.Acquire(ctx, "busy", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	called := false
	start := time.Now()
	ok, err := mgr.TryAcquire(ctx, "busy", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, called, "operation must not run without the lock")
	assert.Less(t, time.Since(start), time.Second, "TryAcquire must not block")

	close(release)
	require.NoError(t, <-holderDone)

	// free again
	ok, err = mgr.TryAcquire(ctx, "busy", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, called)
}

func testReleaseCleanliness(t *testing.T, newConnector func() store.IConnector) {
	mgr := NewManager(t, newConnector(), TestConfig())
	inspect := newConnector()
	ctx := context.Background()

	ok, err := mgr.TryAcquire(ctx, "clean", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.True(t, ok)
	RequireUnlocked(t, inspect, "clean")

	require.NoError(t, mgr.Acquire(ctx, "clean", func(ctx context.Context) error { return nil }))
	RequireUnlocked(t, inspect, "clean")
}

func testRepeatUse(t *testing.T, newConnector func() store.IConnector) {
	cfg := TestConfig()
	cfg.MaxPoolSize = 2
	mgr := NewManager(t, newConnector(), cfg)
	inspect := newConnector()
	ctx := context.Background()

	// a leaked reservation would exhaust the pool of two connections
	for i := 0; i < 25; i++ {
		runs := 0
		op := func(ctx context.Context) error {
			runs++
			return nil
		}
		if i%2 == 0 {
			require.NoError(t, mgr.Acquire(ctx, "repeat", op))
		} else {
			ok, err := mgr.TryAcquire(ctx, "repeat", op)
			require.NoError(t, err)
			require.True(t, ok)
		}
		require.Equal(t, 1, runs)
		RequireUnlocked(t, inspect, "repeat")
	}
}

func testLongOperationRenewed(t *testing.T, newConnector func() store.IConnector) {
	cfg := TestConfig()
	mgr := NewManager(t, newConnector(), cfg)
	other := NewManager(t, newConnector(), cfg)
	ctx := context.Background()

	entered := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- mgr.Acquire(ctx, "long", func(ctx context.Context) error {
			close(entered)
			select {
			case <-time.After(2 * cfg.LeaseTime):
				return nil
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		})
	}()
	<-entered

	// after more than one lease the lock is still held
	time.Sleep(cfg.LeaseTime + cfg.LeaseTime/2)
	ok, err := other.TryAcquire(ctx, "long", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, ok, "lease expired while the operation was running")

	require.NoError(t, <-done)
}

func testOperationError(t *testing.T, newConnector func() store.IConnector) {
	mgr := NewManager(t, newConnector(), TestConfig())
	ctx := context.Background()
	opErr := errors.New("operation failed")

	ok, err := mgr.TryAcquire(ctx, "failing", func(ctx context.Context) error { return opErr })
	assert.True(t, ok)
	assert.ErrorIs(t, err, opErr)
	RequireUnlocked(t, newConnector(), "failing")

	err = mgr.Acquire(ctx, "failing", func(ctx context.Context) error { return opErr })
	assert.ErrorIs(t, err, opErr)
	RequireUnlocked(t, newConnector(), "failing")
}

func testOperationPanic(t *testing.T, newConnector func() store.IConnector) {
	mgr := NewManager(t, newConnector(), TestConfig())
	ctx := context.Background()

	ok, err := mgr.TryAcquire(ctx, "panic", func(ctx context.Context) error {
		panic("boom")
	})
	assert.True(t, ok)
	assert.ErrorIs(t, err, lockmgr.ErrOperationPanic)
	RequireUnlocked(t, newConnector(), "panic")
}

func testWaiterIsNotified(t *testing.T, newConnector func() store.IConnector) {
	// with a long lease only the unlock notification can wake the waiter in time
	cfg := TestConfig()
	cfg.LeaseTime = 30 * time.Second
	holder := NewManager(t, newConnector(), cfg)
	waiter := NewManager(t, newConnector(), cfg)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- holder.Acquire(ctx, "notify", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- waiter.Acquire(ctx, "notify", func(ctx context.Context) error { return nil })
	}()

	time.Sleep(100 * time.Millisecond)
	close(release)
	require.NoError(t, <-holderDone)

	select {
	case err := <-waiterDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not notified about the release")
	}
}

func testBoundedWait(t *testing.T, newConnector func() store.IConnector) {
	cfg := TestConfig()
	holder := NewManager(t, newConnector(), cfg)
	waiter := NewManager(t, newConnector(), cfg)

	entered := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- holder.Acquire(context.Background(), "bounded", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer func() {
		close(release)
		assert.NoError(t, <-holderDone)
	}()

	// the holder renews forever, the wait has no upper bound besides ctx
	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.LeaseTime)
	defer cancel()

	called := false
	err := waiter.Acquire(ctx, "bounded", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, lockmgr.ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}

func testInsufficientResource(t *testing.T, newConnector func() store.IConnector) {
	cfg := TestConfig()
	cfg.MaxPoolSize = 1
	mgr := NewManager(t, newConnector(), cfg)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- mgr.Acquire(ctx, "first", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ok, err := mgr.TryAcquire(ctx, "second", func(ctx context.Context) error { return nil })
	assert.False(t, ok)
	assert.ErrorIs(t, err, connmgr.ErrInsufficientResource)

	close(release)
	require.NoError(t, <-holderDone)

	ok, err = mgr.TryAcquire(ctx, "second", func(ctx context.Context) error { return nil })
	require.NoError(t, err, "capacity was not restored")
	assert.True(t, ok)
}
