package lstore

import (
	"context"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("lstore")

// subscriptionBuffer is the number of payloads buffered per subscription, further messages are dropped
const subscriptionBuffer = 16

type entry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

// Store is a single-process lock store. It implements store.IConnector and
// additionally exposes controls to simulate replicas and outages.
type Store struct {
	mu          sync.Mutex
	entries     map[string]entry
	subscribers map[string]map[*subscription]struct{}

	available atomic.Bool
	replicas  atomic.Int64
	openConns atomic.Int64
	closed    atomic.Bool
}

// NewLocalStore creates a new local store instance.
// This store implementation is not distributed and only works inside one process.
func NewLocalStore() *Store {
	s := &Store{
		entries:     make(map[string]entry),
		subscribers: make(map[string]map[*subscription]struct{}),
	}
	s.available.Store(true)
	return s
}

// --------------------------------------------------------------------------
// Controls
// --------------------------------------------------------------------------

// SetAvailable simulates an outage of the store. While unavailable every
// operation fails with store.RetCUnavailable and all open subscriptions are dropped.
func (s *Store) SetAvailable(available bool) {
	s.available.Store(available)
	if available {
		return
	}

	s.mu.Lock()
	var dropped []*subscription
	for _, subs := range s.subscribers {
		for sub := range subs {
			dropped = append(dropped, sub)
		}
	}
	s.subscribers = make(map[string]map[*subscription]struct{})
	s.mu.Unlock()

	for _, sub := range dropped {
		sub.end()
	}
	Logger.Warningf("Store is unavailable, dropped %d subscriptions", len(dropped))
}

// SetReplicas sets the number of replicas acknowledging writes.
func (s *Store) SetReplicas(n int) {
	s.replicas.Store(int64(n))
}

// Value returns the value of a key that has not expired.
func (s *Store) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.load(key, time.Now())
	return e.value, ok
}

// Subscribers returns the number of open subscriptions on a channel.
func (s *Store) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers[channel])
}

// OpenConnections returns the number of connections that have not been closed.
func (s *Store) OpenConnections() int {
	return int(s.openConns.Load())
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store.IConnector)
// --------------------------------------------------------------------------

func (s *Store) GetName() string {
	return "local"
}

func (s *Store) Connect(_ context.Context) (store.IConn, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.openConns.Add(1)
	return &localConn{store: s}, nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Connector returns a client handle to the store. Closing the handle only
// invalidates the handle, the store and other handles stay usable.
func (s *Store) Connector() store.IConnector {
	return &connector{store: s}
}

type connector struct {
	store  *Store
	closed atomic.Bool
}

func (c *connector) GetName() string {
	return c.store.GetName()
}

func (c *connector) Connect(ctx context.Context) (store.IConn, error) {
	if c.closed.Load() {
		return nil, store.NewError(store.RetCInvalidOperation, "connector is closed")
	}
	return c.store.Connect(ctx)
}

func (c *connector) Close() error {
	c.closed.Store(true)
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// check returns an error if the store cannot serve requests
func (s *Store) check() error {
	if s.closed.Load() {
		return store.NewError(store.RetCInvalidOperation, "store is closed")
	}
	if !s.available.Load() {
		return store.NewError(store.RetCUnavailable, "store is unavailable")
	}
	return nil
}

// load returns the entry of a key, expired entries are removed.
// The caller must hold s.mu.
func (s *Store) load(key string, now time.Time) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expireAt.IsZero() && !now.Before(e.expireAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

// compute runs fn atomically on the current entry of key.
func (s *Store) compute(key string, fn func(old entry, loaded bool, now time.Time) store.ScriptResult) (store.ScriptResult, error) {
	if err := s.check(); err != nil {
		return store.ScriptFail, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	old, loaded := s.load(key, now)
	return fn(old, loaded, now), nil
}

func (s *Store) publish(channel, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers[channel] {
		select {
		case sub.messages <- message:
		default:
			Logger.Debugf("Subscription buffer of channel %s is full, dropping message", channel)
		}
	}
}

func (s *Store) subscribe(channel string) *subscription {
	sub := &subscription{
		store:    s,
		channel:  channel,
		messages: make(chan string, subscriptionBuffer),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.subscribers[channel]
	if !ok {
		subs = make(map[*subscription]struct{})
		s.subscribers[channel] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (s *Store) unsubscribe(sub *subscription) {
	s.mu.Lock()
	if subs, ok := s.subscribers[sub.channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s.subscribers, sub.channel)
		}
	}
	s.mu.Unlock()
	sub.end()
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

type localConn struct {
	store  *Store
	closed atomic.Bool
}

func (c *localConn) check() error {
	if c.closed.Load() {
		return store.NewError(store.RetCInvalidOperation, "connection is closed")
	}
	return c.store.check()
}

func (c *localConn) Acquire(_ context.Context, key, owner string, lease time.Duration) (store.ScriptResult, error) {
	if err := c.check(); err != nil {
		return store.ScriptFail, err
	}
	return c.store.compute(key, func(old entry, loaded bool, now time.Time) store.ScriptResult {
		if loaded && old.value != owner {
			return store.ScriptFail
		}
		c.store.entries[key] = entry{value: owner, expireAt: now.Add(lease)}
		return store.ScriptSuccess
	})
}

func (c *localConn) Release(_ context.Context, key, owner string) (store.ScriptResult, error) {
	if err := c.check(); err != nil {
		return store.ScriptFail, err
	}
	return c.store.compute(key, func(old entry, loaded bool, _ time.Time) store.ScriptResult {
		if !loaded || old.value != owner {
			return store.ScriptFail
		}
		delete(c.store.entries, key)
		return store.ScriptSuccess
	})
}

func (c *localConn) Renew(_ context.Context, key, owner string, lease time.Duration) (store.ScriptResult, error) {
	if err := c.check(); err != nil {
		return store.ScriptFail, err
	}
	return c.store.compute(key, func(old entry, loaded bool, now time.Time) store.ScriptResult {
		if !loaded || old.value != owner {
			return store.ScriptFail
		}
		c.store.entries[key] = entry{value: owner, expireAt: now.Add(lease)}
		return store.ScriptSuccess
	})
}

func (c *localConn) TTL(_ context.Context, key string) (time.Duration, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	now := time.Now()
	e, ok := c.store.load(key, now)
	switch {
	case !ok:
		return 0, nil
	case e.expireAt.IsZero():
		return store.NoExpiry, nil
	default:
		return e.expireAt.Sub(now), nil
	}
}

func (c *localConn) Publish(_ context.Context, channel, message string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.store.publish(channel, message)
	return nil
}

func (c *localConn) Subscribe(_ context.Context, channel string) (store.ISubscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.store.subscribe(channel), nil
}

func (c *localConn) WaitReplicas(ctx context.Context, count int, timeout time.Duration) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	acked := int(c.store.replicas.Load())
	if acked >= count {
		return acked, nil
	}

	// not enough replicas, WAIT blocks until the timeout elapsed
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return int(c.store.replicas.Load()), nil
	case <-ctx.Done():
		return 0, store.WrapError(store.RetCUnavailable, "wait failed", ctx.Err())
	}
}

func (c *localConn) Ping(_ context.Context) error {
	return c.check()
}

func (c *localConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.store.openConns.Add(-1)
	}
	return nil
}

// --------------------------------------------------------------------------
// Subscription
// --------------------------------------------------------------------------

type subscription struct {
	store    *Store
	channel  string
	messages chan string
	endOnce  sync.Once
}

func (s *subscription) Messages() <-chan string {
	return s.messages
}

func (s *subscription) Close() error {
	s.store.unsubscribe(s)
	return nil
}

// end closes the message channel exactly once.
// publish only sends while holding the store lock, and the subscription is removed
// from the store before end is called, so no send can happen on the closed channel.
func (s *subscription) end() {
	s.endOnce.Do(func() {
		close(s.messages)
	})
}
