package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLock/lib/channel"
	"github.com/ValentinKolb/dLock/lib/common"
	"github.com/ValentinKolb/dLock/lib/connmgr"
	"github.com/ValentinKolb/dLock/lib/replica"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/ValentinKolb/dLock/lib/store/rstore"
	"github.com/ValentinKolb/dLock/lib/watchdog"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rs/xid"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("lockmgr")

var (
	acquiredTotal   = metrics.GetOrCreateCounter(`dlock_acquire_total{result="acquired"}`)
	contendedTotal  = metrics.GetOrCreateCounter(`dlock_acquire_total{result="contended"}`)
	errorTotal      = metrics.GetOrCreateCounter(`dlock_acquire_total{result="error"}`)
	releaseFailures = metrics.GetOrCreateCounter(`dlock_release_failures_total`)
	notifyFailures  = metrics.GetOrCreateCounter(`dlock_notify_failures_total`)
	holdDuration    = metrics.GetOrCreateHistogram(`dlock_hold_duration_seconds`)
	waitDuration    = metrics.GetOrCreateHistogram(`dlock_wait_duration_seconds`)
)

type lockManager struct {
	cfg      common.Config
	clientID string
	connMgr  connmgr.IConnectionManager
	channel  channel.ILockChannel
	replicas *replica.Manager
	watchdog *watchdog.Watchdog
	closed   atomic.Bool
}

// New creates a lock manager that opens its connections through connector.
// The lock manager owns the connector and closes it on Close.
func New(connector store.IConnector, cfg common.Config) (ILockManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	connMgr := connmgr.NewConnectionManager(connector, cfg.MaxPoolSize)
	replicas := replica.NewReplicaManager(replica.PolicyFromConfig(cfg))

	m := &lockManager{
		cfg:      cfg,
		clientID: xid.New().String(),
		connMgr:  connMgr,
		channel:  channel.NewLockChannel(connMgr, cfg.UnlockedMessagePrefix),
		replicas: replicas,
		watchdog: watchdog.NewWatchdog(connMgr, replicas, cfg.LeaseTime),
	}
	Logger.Infof("Created lock manager %s on %s store", m.clientID, connector.GetName())
	return m, nil
}

// NewRedisLockManager creates a lock manager for the Redis server of the configuration.
func NewRedisLockManager(cfg common.Config) (ILockManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return New(rstore.NewRedisConnector(rstore.OptionsFromConfig(cfg)), cfg)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ILockManager)
// --------------------------------------------------------------------------

func (m *lockManager) TryAcquire(ctx context.Context, lockName string, op Operation) (bool, error) {
	if op == nil {
		return false, errors.New("operation must not be nil")
	}

	resourceID, err := m.connMgr.ReserveOne(ctx)
	if err != nil {
		errorTotal.Inc()
		return false, err
	}
	defer m.free(resourceID)

	owner, ok, err := m.getLock(ctx, resourceID, lockName)
	if err != nil {
		errorTotal.Inc()
		return false, err
	}
	if !ok {
		contendedTotal.Inc()
		Logger.Debugf("Lock %s is held by another owner", lockName)
		return false, nil
	}

	return true, m.runLocked(ctx, resourceID, lockName, owner, op)
}

func (m *lockManager) Acquire(ctx context.Context, lockName string, op Operation) error {
	if op == nil {
		return errors.New("operation must not be nil")
	}

	resourceID, err := m.connMgr.ReserveOne(ctx)
	if err != nil {
		errorTotal.Inc()
		return err
	}
	defer m.free(resourceID)

	owner, ok, err := m.getLock(ctx, resourceID, lockName)
	if err != nil {
		errorTotal.Inc()
		return err
	}
	if !ok {
		contendedTotal.Inc()
		owner, err = m.waitForLock(ctx, resourceID, lockName)
		if err != nil {
			errorTotal.Inc()
			return err
		}
	}

	return m.runLocked(ctx, resourceID, lockName, owner, op)
}

func (m *lockManager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = m.watchdog.Close()
	_ = m.channel.Close()
	Logger.Infof("Closed lock manager %s", m.clientID)
	return m.connMgr.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getLock runs the acquire script with a fresh owner value and waits for the replicas.
// If the acquisition fails after the script ran, the key is released again.
func (m *lockManager) getLock(ctx context.Context, resourceID, lockName string) (string, bool, error) {
	owner := newOwnerValue(m.clientID)
	ok := false
	err := m.connMgr.DoWithConnection(resourceID, func(conn store.IConn) error {
		res, err := conn.Acquire(ctx, lockName, owner, m.cfg.LeaseTime)
		if err == nil && res.Ok() {
			err = m.replicas.WaitForResponse(ctx, conn)
			ok = err == nil
		}
		if err != nil {
			// the script may have been applied, a lock without durability must not stay held
			m.releaseWith(ctx, conn, lockName, owner)
		}
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", lockName, err)
	}
	return owner, ok, nil
}

// waitForLock blocks on the notification channel of the lock until the acquisition succeeds
func (m *lockManager) waitForLock(ctx context.Context, resourceID, lockName string) (string, error) {
	start := time.Now()
	defer waitDuration.UpdateDuration(start)

	if err := m.channel.Subscribe(ctx, lockName); err != nil {
		return "", fmt.Errorf("failed to subscribe to lock %s: %w", lockName, err)
	}
	defer func() {
		if err := m.channel.Unsubscribe(lockName); err != nil {
			Logger.Warningf("Failed to unsubscribe from lock %s: %v", lockName, err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return "", m.interrupted(ctx, lockName)
		}

		ttl, err := m.ttl(ctx, resourceID, lockName)
		if err != nil {
			if ctx.Err() != nil {
				return "", m.interrupted(ctx, lockName)
			}
			return "", err
		}
		if ttl == store.NoExpiry {
			// a key without expiry is never renewed by a lock client, poll once per lease
			ttl = m.cfg.LeaseTime
		}

		if ttl > 0 {
			if err := m.channel.WaitForNotification(ctx, lockName, ttl); err != nil {
				if ctx.Err() != nil {
					return "", m.interrupted(ctx, lockName)
				}
				return "", err
			}
			continue
		}

		owner, ok, err := m.getLock(ctx, resourceID, lockName)
		if err != nil {
			if ctx.Err() != nil {
				return "", m.interrupted(ctx, lockName)
			}
			return "", err
		}
		if ok {
			Logger.Debugf("Acquired lock %s after %s", lockName, time.Since(start))
			return owner, nil
		}
	}
}

// runLocked runs op while the watchdog renews the lock, then cleans up.
// A renewal failure determines the outcome as soon as it happens, op is not waited for then.
func (m *lockManager) runLocked(ctx context.Context, resourceID, lockName, owner string, op Operation) error {
	acquiredTotal.Inc()
	start := time.Now()

	task, err := m.watchdog.Start(lockName, owner, resourceID)
	if err != nil {
		m.cleanup(ctx, nil, resourceID, lockName, owner)
		return err
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	result := make(chan error, 1)
	go func() {
		result <- runOperation(opCtx, op)
	}()

	var outcome error
	select {
	case outcome = <-result:
		// a renewal that failed at the same time still fails the outcome
		select {
		case renewErr := <-task.Failed():
			outcome = errors.Join(renewErr, outcome)
		default:
		}
	case renewErr := <-task.Failed():
		cancel(renewErr)
		Logger.Errorf("Lock %s was lost while the operation was running: %v", lockName, renewErr)
		outcome = renewErr
	}

	m.cleanup(ctx, task, resourceID, lockName, owner)
	holdDuration.UpdateDuration(start)
	return outcome
}

// cleanup stops the renewal, releases the lock and notifies waiters.
// Every step runs regardless of the others, errors are only logged.
func (m *lockManager) cleanup(ctx context.Context, task *watchdog.Task, resourceID, lockName, owner string) {
	if task != nil {
		task.Stop()
	}
	m.tryReleaseLock(ctx, resourceID, lockName, owner)
	m.tryNotifyOtherClients(ctx, resourceID, lockName)
}

func (m *lockManager) tryReleaseLock(ctx context.Context, resourceID, lockName, owner string) {
	err := m.connMgr.DoWithConnection(resourceID, func(conn store.IConn) error {
		m.releaseWith(ctx, conn, lockName, owner)
		return nil
	})
	if err != nil {
		releaseFailures.Inc()
		Logger.Warningf("Could not release lock %s: %v", lockName, err)
	}
}

func (m *lockManager) releaseWith(ctx context.Context, conn store.IConn, lockName, owner string) {
	cctx, cancel := cleanupContext(ctx, m.cfg.ReadTimeout)
	defer cancel()

	res, err := conn.Release(cctx, lockName, owner)
	if err != nil {
		releaseFailures.Inc()
		Logger.Warningf("Could not release lock %s: %v", lockName, err)
		return
	}
	if !res.Ok() {
		Logger.Debugf("Lock %s was not owned anymore on release", lockName)
	}
}

func (m *lockManager) tryNotifyOtherClients(ctx context.Context, resourceID, lockName string) {
	cctx, cancel := cleanupContext(ctx, m.cfg.ReadTimeout)
	defer cancel()

	err := m.connMgr.DoWithConnection(resourceID, func(conn store.IConn) error {
		return conn.Publish(cctx, lockName, m.cfg.UnlockedMessagePrefix+lockName)
	})
	if err != nil {
		notifyFailures.Inc()
		Logger.Warningf("Error in notifying other clients about lock %s: %v", lockName, err)
	}
}

func (m *lockManager) ttl(ctx context.Context, resourceID, lockName string) (time.Duration, error) {
	var ttl time.Duration
	err := m.connMgr.DoWithConnection(resourceID, func(conn store.IConn) error {
		var err error
		ttl, err = conn.TTL(ctx, lockName)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read ttl of lock %s: %w", lockName, err)
	}
	return ttl, nil
}

func (m *lockManager) interrupted(ctx context.Context, lockName string) error {
	Logger.Infof("Interrupted while waiting for lock %s", lockName)
	return fmt.Errorf("%w: %s: %w", ErrInterrupted, lockName, context.Cause(ctx))
}

func (m *lockManager) free(resourceID string) {
	if err := m.connMgr.Free(resourceID); err != nil {
		Logger.Warningf("Failed to free reservation %s: %v", resourceID, err)
	}
}
