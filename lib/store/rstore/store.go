package rstore

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLock/lib/common"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("rstore")

// subscriptionBuffer is the number of payloads buffered per subscription
const subscriptionBuffer = 16

// Options configures the redis connector
type Options struct {
	Addr        string
	Password    string
	DB          int
	ReadTimeout time.Duration
	// PoolSize bounds the number of connections the connector keeps open
	PoolSize int
}

// OptionsFromConfig converts a lock client configuration to redis connector options
func OptionsFromConfig(cfg common.Config) Options {
	return Options{
		Addr:        cfg.Address(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		ReadTimeout: cfg.ReadTimeout,
		PoolSize:    cfg.MaxPoolSize,
	}
}

// connector implements the store.IConnector interface for redis
type connector struct {
	opts     redis.Options
	poolSize int
	open     atomic.Int64
	conns    *xsync.MapOf[*redisConn, struct{}]
	closed   atomic.Bool
}

// NewRedisConnector creates a new redis connector. No connection is opened until Connect is called.
func NewRedisConnector(opts Options) store.IConnector {
	poolSize := opts.PoolSize
	if poolSize < 1 {
		poolSize = common.DefaultMaxPoolSize
	}

	return &connector{
		opts: redis.Options{
			Addr:         opts.Addr,
			Password:     opts.Password,
			DB:           opts.DB,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.ReadTimeout,
			// every client backs exactly one store connection
			PoolSize:    1,
			PoolTimeout: opts.ReadTimeout,
		},
		poolSize: poolSize,
		conns:    xsync.NewMapOf[*redisConn, struct{}](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store.IConnector)
// --------------------------------------------------------------------------

func (c *connector) GetName() string {
	return "redis"
}

func (c *connector) Connect(ctx context.Context) (store.IConn, error) {
	if c.closed.Load() {
		return nil, store.NewError(store.RetCUnavailable, "connector is closed")
	}
	if c.open.Add(1) > int64(c.poolSize) {
		c.open.Add(-1)
		return nil, store.NewError(store.RetCUnavailable, fmt.Sprintf("connection limit of %d reached", c.poolSize))
	}

	conn := &redisConn{connector: c, client: c.newClient()}
	if err := conn.client.Ping(ctx).Err(); err != nil {
		_ = conn.client.Close()
		c.open.Add(-1)
		return nil, wrapError("connect", err)
	}

	c.conns.Store(conn, struct{}{})
	Logger.Debugf("Opened connection to %s", c.opts.Addr)
	return conn, nil
}

func (c *connector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	c.conns.Range(func(conn *redisConn, _ struct{}) bool {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// newClient creates the client of a single store connection
func (c *connector) newClient() *redis.Client {
	opts := c.opts
	return redis.NewClient(&opts)
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// redisConn is one store connection backed by a client with a pool of one socket.
// Subscribe hands this socket over to the subscription, so a connection that
// carries a subscription never holds a second socket. Commands are rejected
// while the subscription is open.
type redisConn struct {
	connector *connector
	closeOnce sync.Once

	mu     sync.Mutex
	client *redis.Client
	sub    *subscription
}

func (c *redisConn) Acquire(ctx context.Context, key, owner string, lease time.Duration) (store.ScriptResult, error) {
	return c.runScript(ctx, "acquire", acquireScript, key, owner, lease.Milliseconds())
}

func (c *redisConn) Release(ctx context.Context, key, owner string) (store.ScriptResult, error) {
	return c.runScript(ctx, "release", releaseScript, key, owner)
}

func (c *redisConn) Renew(ctx context.Context, key, owner string, lease time.Duration) (store.ScriptResult, error) {
	return c.runScript(ctx, "renew", renewScript, key, owner, lease.Milliseconds())
}

func (c *redisConn) TTL(ctx context.Context, key string) (time.Duration, error) {
	client, err := c.commandClient("pttl")
	if err != nil {
		return 0, err
	}
	ttl, err := client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, wrapError("pttl", err)
	}

	// redis reports -2 (missing key) and -1 (no expiry) without unit conversion
	switch {
	case ttl == -1:
		return store.NoExpiry, nil
	case ttl < 0:
		return 0, nil
	default:
		return ttl, nil
	}
}

func (c *redisConn) Publish(ctx context.Context, channel, message string) error {
	client, err := c.commandClient("publish")
	if err != nil {
		return err
	}
	if err := client.Publish(ctx, channel, message).Err(); err != nil {
		return wrapError("publish", err)
	}
	return nil
}

func (c *redisConn) Subscribe(ctx context.Context, channel string) (store.ISubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return nil, store.NewError(store.RetCInvalidOperation, "connection already carries a subscription")
	}

	// drop the command socket, the subscription opens the only socket of this connection
	if err := c.client.Close(); err != nil {
		Logger.Debugf("Failed to close command socket: %v", err)
	}
	c.client = c.connector.newClient()

	pubsub := c.client.Subscribe(ctx, channel)

	// wait for the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, wrapError("subscribe", err)
	}

	sub := &subscription{
		conn:     c,
		pubsub:   pubsub,
		messages: make(chan string, subscriptionBuffer),
		done:     make(chan struct{}),
	}
	c.sub = sub
	go sub.forward(pubsub.Channel())
	return sub, nil
}

func (c *redisConn) WaitReplicas(ctx context.Context, count int, timeout time.Duration) (int, error) {
	client, err := c.commandClient("wait")
	if err != nil {
		return 0, err
	}
	acked, err := client.Wait(ctx, count, timeout).Result()
	if err != nil {
		return 0, wrapError("wait", err)
	}
	return int(acked), nil
}

func (c *redisConn) Ping(ctx context.Context) error {
	client, err := c.commandClient("ping")
	if err != nil {
		return err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return wrapError("ping", err)
	}
	return nil
}

func (c *redisConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}

		c.mu.Lock()
		err = c.client.Close()
		c.mu.Unlock()

		c.connector.conns.Delete(c)
		c.connector.open.Add(-1)
	})
	return err
}

// commandClient returns the client for a regular command. A connection in subscriber mode accepts none.
func (c *redisConn) commandClient(op string) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return nil, store.NewError(store.RetCInvalidOperation, op+" failed: connection carries a subscription")
	}
	return c.client, nil
}

// runScript evaluates a lock script and converts the reply to a store.ScriptResult
func (c *redisConn) runScript(ctx context.Context, name string, script *redis.Script, key string, args ...interface{}) (store.ScriptResult, error) {
	client, err := c.commandClient(name)
	if err != nil {
		return store.ScriptFail, err
	}

	reply, err := script.Run(ctx, client, []string{key}, args...).Text()
	if err != nil {
		return store.ScriptFail, wrapError(name, err)
	}

	switch res := store.ScriptResult(reply); res {
	case store.ScriptSuccess, store.ScriptFail:
		return res, nil
	default:
		return store.ScriptFail, store.NewError(store.RetCInternalError, fmt.Sprintf("unexpected %s script reply %q", name, reply))
	}
}

// --------------------------------------------------------------------------
// Subscription
// --------------------------------------------------------------------------

type subscription struct {
	conn      *redisConn
	pubsub    *redis.PubSub
	messages  chan string
	done      chan struct{}
	closeOnce sync.Once
}

// forward copies the payloads of the go-redis message channel until it is closed
func (s *subscription) forward(in <-chan *redis.Message) {
	defer close(s.messages)
	for msg := range in {
		select {
		case s.messages <- msg.Payload:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Messages() <-chan string {
	return s.messages
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()

		// the connection accepts commands again, they open a new socket
		s.conn.mu.Lock()
		if s.conn.sub == s {
			s.conn.sub = nil
		}
		s.conn.mu.Unlock()
	})
	return err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// wrapError converts go-redis errors to store errors. Errors replied by the server
// are internal errors, everything else means the store could not be reached.
func wrapError(op string, err error) error {
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return store.WrapError(store.RetCInternalError, op+" failed", err)
	}
	return store.WrapError(store.RetCUnavailable, op+" failed", err)
}
