package channel

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLock/lib/connmgr"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"strings"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("channel")

// ErrUnknownChannel is returned if a waiter did not subscribe to the lock name before
var ErrUnknownChannel = errors.New("not subscribed to channel")

var (
	notifications = metrics.GetOrCreateCounter(`dlock_channel_notifications_total`)
	listeners     = metrics.GetOrCreateCounter(`dlock_channel_listeners_started_total`)
	resubscribes  = metrics.GetOrCreateCounter(`dlock_channel_resubscribes_total`)
)

// ILockChannel multiplexes the unlock notifications of a lock name to all local waiters.
type ILockChannel interface {
	// Subscribe registers interest in the lock name. The first subscriber opens
	// the store subscription, later ones only increment the subscriber count.
	Subscribe(ctx context.Context, lockName string) (err error)

	// WaitForNotification blocks until an unlock notification arrived or the timeout elapsed.
	// If the store subscription ended, it is renewed and the call returns early, since a
	// notification may have been lost in between.
	// Returns ErrUnknownChannel if the lock name has no subscribers and ctx.Err() if ctx is done.
	WaitForNotification(ctx context.Context, lockName string, timeout time.Duration) (err error)

	// Unsubscribe removes one subscriber. The last one tears the store subscription down.
	Unsubscribe(lockName string) (err error)

	// Close tears down all subscriptions.
	Close() (err error)
}

// listener owns the store subscription of one lock name
type listener struct {
	lockName    string
	subscribers int // guarded by the Compute of the registry

	ready    chan struct{} // closed once start finished
	startErr error         // set before ready is closed

	resourceID string
	conn       store.IConn
	sub        store.ISubscription
	wake       chan struct{} // single slot, notifications collapse into one wake
	done       chan struct{} // closed when listen returned
	dead       atomic.Bool   // start failed or the subscription ended unexpectedly
	stopping   atomic.Bool
}

func newListener(lockName string) *listener {
	return &listener{
		lockName: lockName,
		ready:    make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

type lockChannel struct {
	connMgr        connmgr.IConnectionManager
	unlockedPrefix string
	listeners      *xsync.MapOf[string, *listener]
}

// NewLockChannel creates a lock channel. The connection of every store subscription
// is reserved from connMgr when the first waiter of a lock name subscribes.
func NewLockChannel(connMgr connmgr.IConnectionManager, unlockedPrefix string) ILockChannel {
	return &lockChannel{
		connMgr:        connMgr,
		unlockedPrefix: unlockedPrefix,
		listeners:      xsync.NewMapOf[string, *listener](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ILockChannel)
// --------------------------------------------------------------------------

func (c *lockChannel) Subscribe(ctx context.Context, lockName string) error {
	var (
		l, replaced *listener
		created     bool
	)
	c.listeners.Compute(lockName, func(cur *listener, loaded bool) (*listener, bool) {
		if loaded && !cur.dead.Load() {
			cur.subscribers++
			l = cur
			return cur, false
		}
		l, created = newListener(lockName), true
		if loaded {
			// the waiters of the dead listener move to the new one
			l.subscribers = cur.subscribers
			replaced = cur
		}
		l.subscribers++
		return l, false
	})

	if replaced != nil {
		c.stopListener(replaced)
	}
	if created {
		c.startListener(ctx, l)
	}

	select {
	case <-l.ready:
	case <-ctx.Done():
		c.leave(l)
		return ctx.Err()
	}
	if l.startErr != nil {
		c.leave(l)
		return l.startErr
	}
	return nil
}

func (c *lockChannel) WaitForNotification(ctx context.Context, lockName string, timeout time.Duration) error {
	l, ok := c.listeners.Load(lockName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, lockName)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.ready:
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	if !l.dead.Load() {
		select {
		case <-l.wake:
			return nil
		case <-l.done:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// the subscription is gone, an unlock message may have been missed
	if err := c.replace(ctx, l); err != nil {
		Logger.Warningf("Failed to renew subscription of channel %s: %v", lockName, err)
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *lockChannel) Unsubscribe(lockName string) error {
	l, ok := c.listeners.Load(lockName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, lockName)
	}
	c.leave(l)
	return nil
}

func (c *lockChannel) Close() error {
	var stopped []*listener
	c.listeners.Range(func(name string, _ *listener) bool {
		c.listeners.Compute(name, func(l *listener, loaded bool) (*listener, bool) {
			if loaded {
				stopped = append(stopped, l)
			}
			return nil, true
		})
		return true
	})
	for _, l := range stopped {
		c.stopListener(l)
	}
	return nil
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// leave removes one subscriber from the entry of the lock name. The last one
// removes the entry and stops its listener.
func (c *lockChannel) leave(l *listener) {
	var stopped *listener
	c.listeners.Compute(l.lockName, func(cur *listener, loaded bool) (*listener, bool) {
		if !loaded {
			return nil, true
		}
		cur.subscribers--
		if cur.subscribers > 0 {
			return cur, false
		}
		stopped = cur
		return nil, true
	})
	if stopped != nil {
		c.stopListener(stopped)
	}
}

// replace swaps the dead listener l for a new one that keeps its subscribers.
// If another waiter replaced it already, replace waits for that listener instead.
func (c *lockChannel) replace(ctx context.Context, l *listener) error {
	var (
		next    *listener
		created bool
	)
	c.listeners.Compute(l.lockName, func(cur *listener, loaded bool) (*listener, bool) {
		if !loaded {
			return nil, true
		}
		if cur != l {
			next = cur
			return cur, false
		}
		next, created = newListener(l.lockName), true
		next.subscribers = cur.subscribers
		return next, false
	})
	if next == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, l.lockName)
	}

	if created {
		c.stopListener(l)
		c.startListener(ctx, next)
		resubscribes.Inc()
	}

	select {
	case <-next.ready:
		return next.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startListener reserves a dedicated connection and subscribes to the channel of the lock name.
// It runs outside the Compute of the registry, concurrent subscribers wait for l.ready.
func (c *lockChannel) startListener(ctx context.Context, l *listener) {
	defer close(l.ready)

	resourceID, err := c.connMgr.ReserveOne(ctx)
	if err != nil {
		l.fail(fmt.Errorf("failed to reserve connection for channel %s: %w", l.lockName, err))
		return
	}

	conn, err := c.connMgr.Borrow(resourceID)
	if err != nil {
		c.free(resourceID)
		l.fail(err)
		return
	}

	// the subscription outlives the call that opened it
	sub, err := conn.Subscribe(context.WithoutCancel(ctx), l.lockName)
	if err != nil {
		_ = c.connMgr.ReturnBack(resourceID, conn)
		c.free(resourceID)
		l.fail(fmt.Errorf("failed to subscribe to channel %s: %w", l.lockName, err))
		return
	}

	l.resourceID, l.conn, l.sub = resourceID, conn, sub
	go c.listen(l)

	listeners.Inc()
	Logger.Debugf("Started listener for channel %s", l.lockName)
}

func (l *listener) fail(err error) {
	l.startErr = err
	l.dead.Store(true)
}

// listen raises the wake signal for every message starting with the unlocked prefix
func (c *lockChannel) listen(l *listener) {
	defer close(l.done)
	for msg := range l.sub.Messages() {
		if !strings.HasPrefix(msg, c.unlockedPrefix) {
			Logger.Debugf("Ignoring message %q on channel %s", msg, l.lockName)
			continue
		}
		notifications.Inc()
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	if !l.stopping.Load() {
		// the next Subscribe or wait replaces the listener
		l.dead.Store(true)
		Logger.Warningf("Subscription of channel %s ended unexpectedly", l.lockName)
	}
}

func (c *lockChannel) stopListener(l *listener) {
	<-l.ready
	if l.startErr != nil {
		return
	}

	l.stopping.Store(true)
	if err := l.sub.Close(); err != nil {
		Logger.Debugf("Failed to close subscription of channel %s: %v", l.lockName, err)
	}
	<-l.done

	if err := c.connMgr.ReturnBack(l.resourceID, l.conn); err != nil {
		Logger.Debugf("Failed to return connection of channel %s: %v", l.lockName, err)
	}
	c.free(l.resourceID)
	Logger.Debugf("Stopped listener for channel %s", l.lockName)
}

func (c *lockChannel) free(resourceID string) {
	if err := c.connMgr.Free(resourceID); err != nil {
		Logger.Warningf("Failed to free reservation %s: %v", resourceID, err)
	}
}
