package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dLock/lib/connmgr"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/ValentinKolb/dLock/lib/store/lstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "UNLOCKED_"

func setupChannel(t *testing.T, capacity int) (*lstore.Store, connmgr.IConnectionManager, ILockChannel) {
	s := lstore.NewLocalStore()
	mgr := connmgr.NewConnectionManager(s, capacity)
	ch := NewLockChannel(mgr, prefix)
	t.Cleanup(func() {
		_ = ch.Close()
		_ = mgr.Close()
	})
	return s, mgr, ch
}

func publish(t *testing.T, s *lstore.Store, channel, msg string) {
	conn, err := s.Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Publish(context.Background(), channel, msg))
}

func TestRefcounting(t *testing.T) {
	s, mgr, ch := setupChannel(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ch.Subscribe(ctx, "lock"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.Subscribers("lock"), "one store subscription for all waiters")
	assert.Equal(t, 9, mgr.RemainingCapacity(), "one connection reserved for the subscription")

	for i := 0; i < 7; i++ {
		require.NoError(t, ch.Unsubscribe("lock"))
		assert.Equal(t, 1, s.Subscribers("lock"))
	}

	require.NoError(t, ch.Unsubscribe("lock"))
	assert.Equal(t, 0, s.Subscribers("lock"))
	assert.Equal(t, 10, mgr.RemainingCapacity())

	assert.ErrorIs(t, ch.Unsubscribe("lock"), ErrUnknownChannel)
}

func TestWaitForNotification(t *testing.T) {
	s, _, ch := setupChannel(t, 10)
	ctx := context.Background()

	require.NoError(t, ch.Subscribe(ctx, "lock"))
	defer ch.Unsubscribe("lock")

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- ch.WaitForNotification(ctx, "lock", 10*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	publish(t, s, "lock", prefix+"lock")

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitTimeout(t *testing.T) {
	_, _, ch := setupChannel(t, 10)
	ctx := context.Background()

	require.NoError(t, ch.Subscribe(ctx, "lock"))
	defer ch.Unsubscribe("lock")

	start := time.Now()
	require.NoError(t, ch.WaitForNotification(ctx, "lock", 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestIgnoresForeignMessages(t *testing.T) {
	s, _, ch := setupChannel(t, 10)
	ctx := context.Background()

	require.NoError(t, ch.Subscribe(ctx, "lock"))
	defer ch.Unsubscribe("lock")

	publish(t, s, "lock", "something else")
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, ch.WaitForNotification(ctx, "lock", 100*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "foreign message must not wake")
}

func TestNotificationsCollapse(t *testing.T) {
	s, _, ch := setupChannel(t, 10)
	ctx := context.Background()

	require.NoError(t, ch.Subscribe(ctx, "lock"))
	defer ch.Unsubscribe("lock")

	for i := 0; i < 5; i++ {
		publish(t, s, "lock", prefix+"lock")
	}
	time.Sleep(50 * time.Millisecond)

	// the first wait consumes the single wake, the second one times out
	start := time.Now()
	require.NoError(t, ch.WaitForNotification(ctx, "lock", time.Second))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	start = time.Now()
	require.NoError(t, ch.WaitForNotification(ctx, "lock", 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestUnknownChannel(t *testing.T) {
	_, _, ch := setupChannel(t, 10)

	err := ch.WaitForNotification(context.Background(), "missing", time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestWaitCancelled(t *testing.T) {
	_, _, ch := setupChannel(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, ch.Subscribe(ctx, "lock"))
	defer ch.Unsubscribe("lock")

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := ch.WaitForNotification(ctx, "lock", 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeWithoutCapacity(t *testing.T) {
	s, mgr, ch := setupChannel(t, 1)
	ctx := context.Background()

	_, err := mgr.ReserveOne(ctx)
	require.NoError(t, err)

	err = ch.Subscribe(ctx, "lock")
	assert.ErrorIs(t, err, connmgr.ErrInsufficientResource)
	assert.Equal(t, 0, s.Subscribers("lock"))

	// the failed subscribe left no entry behind
	assert.ErrorIs(t, ch.WaitForNotification(ctx, "lock", time.Millisecond), ErrUnknownChannel)
}

func TestResubscribeAfterTeardown(t *testing.T) {
	s, _, ch := setupChannel(t, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, ch.Subscribe(ctx, "lock"))
		assert.Equal(t, 1, s.Subscribers("lock"))
		require.NoError(t, ch.Unsubscribe("lock"))
		assert.Equal(t, 0, s.Subscribers("lock"))
	}
}

func TestLostSubscriptionIsRenewed(t *testing.T) {
	s, mgr, ch := setupChannel(t, 10)
	ctx := context.Background()

	require.NoError(t, ch.Subscribe(ctx, "lock"))

	// a dropped store connection ends the subscription
	s.SetAvailable(false)
	s.SetAvailable(true)

	start := time.Now()
	require.NoError(t, ch.WaitForNotification(ctx, "lock", 10*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second, "waiter must return once the subscription was renewed")
	assert.Equal(t, 1, s.Subscribers("lock"))
	assert.Equal(t, 9, mgr.RemainingCapacity(), "the old reservation is freed")

	// notifications reach the waiter again
	go func() {
		time.Sleep(20 * time.Millisecond)
		publish(t, s, "lock", prefix+"lock")
	}()
	start = time.Now()
	require.NoError(t, ch.WaitForNotification(ctx, "lock", 10*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)

	require.NoError(t, ch.Unsubscribe("lock"))
	assert.Equal(t, 0, s.Subscribers("lock"))
	assert.Equal(t, 10, mgr.RemainingCapacity())
}

func TestSubscribeReplacesDeadListener(t *testing.T) {
	s, mgr, ch := setupChannel(t, 10)
	ctx := context.Background()

	require.NoError(t, ch.Subscribe(ctx, "lock"))
	s.SetAvailable(false)
	s.SetAvailable(true)

	registry := ch.(*lockChannel).listeners
	require.Eventually(t, func() bool {
		l, ok := registry.Load("lock")
		return ok && l.dead.Load()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Subscribe(ctx, "lock"))
	assert.Equal(t, 1, s.Subscribers("lock"))
	assert.Equal(t, 9, mgr.RemainingCapacity())

	publish(t, s, "lock", prefix+"lock")
	start := time.Now()
	require.NoError(t, ch.WaitForNotification(ctx, "lock", 10*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)

	// both subscribers moved to the new listener
	require.NoError(t, ch.Unsubscribe("lock"))
	assert.Equal(t, 1, s.Subscribers("lock"))
	require.NoError(t, ch.Unsubscribe("lock"))
	assert.Equal(t, 0, s.Subscribers("lock"))
	assert.Equal(t, 10, mgr.RemainingCapacity())
}

// gatedConnector blocks subscriptions to the channel "slow" until gate is closed
type gatedConnector struct {
	store.IConnector
	gate chan struct{}
}

func (g *gatedConnector) Connect(ctx context.Context) (store.IConn, error) {
	conn, err := g.IConnector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &gatedConn{IConn: conn, gate: g.gate}, nil
}

type gatedConn struct {
	store.IConn
	gate chan struct{}
}

func (c *gatedConn) Subscribe(ctx context.Context, channel string) (store.ISubscription, error) {
	if channel == "slow" {
		<-c.gate
	}
	return c.IConn.Subscribe(ctx, channel)
}

func TestSlowSubscribeDoesNotBlockOtherNames(t *testing.T) {
	s := lstore.NewLocalStore()
	gate := make(chan struct{})
	var openGate sync.Once
	mgr := connmgr.NewConnectionManager(&gatedConnector{IConnector: s, gate: gate}, 10)
	ch := NewLockChannel(mgr, prefix)
	t.Cleanup(func() {
		openGate.Do(func() { close(gate) })
		_ = ch.Close()
		_ = mgr.Close()
	})
	ctx := context.Background()

	slow := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			slow <- ch.Subscribe(ctx, "slow")
		}()
	}

	fast := make(chan error, 1)
	go func() {
		fast <- ch.Subscribe(ctx, "fast")
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe of another name waited for the slow subscription")
	}
	require.NoError(t, ch.Unsubscribe("fast"))

	select {
	case <-slow:
		t.Fatal("subscribe returned before the subscription was confirmed")
	case <-time.After(50 * time.Millisecond):
	}

	openGate.Do(func() { close(gate) })
	for i := 0; i < 2; i++ {
		require.NoError(t, <-slow)
	}
	assert.Equal(t, 1, s.Subscribers("slow"), "both waiters share one store subscription")
	assert.Equal(t, 9, mgr.RemainingCapacity())

	require.NoError(t, ch.Unsubscribe("slow"))
	require.NoError(t, ch.Unsubscribe("slow"))
	assert.Equal(t, 10, mgr.RemainingCapacity())
}

func TestSubscribeCancelledWhileStarting(t *testing.T) {
	s := lstore.NewLocalStore()
	gate := make(chan struct{})
	var openGate sync.Once
	mgr := connmgr.NewConnectionManager(&gatedConnector{IConnector: s, gate: gate}, 10)
	ch := NewLockChannel(mgr, prefix)
	t.Cleanup(func() {
		openGate.Do(func() { close(gate) })
		_ = ch.Close()
		_ = mgr.Close()
	})

	first := make(chan error, 1)
	go func() {
		first <- ch.Subscribe(context.Background(), "slow")
	}()
	registry := ch.(*lockChannel).listeners
	require.Eventually(t, func() bool {
		_, ok := registry.Load("slow")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ch.Subscribe(ctx, "slow"), context.DeadlineExceeded)

	openGate.Do(func() { close(gate) })
	require.NoError(t, <-first)

	// only the first subscriber is left
	require.NoError(t, ch.Unsubscribe("slow"))
	assert.Equal(t, 0, s.Subscribers("slow"))
	assert.ErrorIs(t, ch.Unsubscribe("slow"), ErrUnknownChannel)
}
