package watchdog

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLock/lib/connmgr"
	"github.com/ValentinKolb/dLock/lib/replica"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("watchdog")

var (
	// ErrRenewalFailed wraps every error of a renewal tick
	ErrRenewalFailed = errors.New("lease renewal failed")
	// ErrLockLost is returned (wrapped in ErrRenewalFailed) if the lock key is no longer owned
	ErrLockLost = errors.New("lock is no longer owned")
)

var (
	renewals        = metrics.GetOrCreateCounter(`dlock_renewals_total`)
	renewalFailures = metrics.GetOrCreateCounter(`dlock_renewal_failures_total`)
)

// Watchdog renews the leases of held locks every lease/3.
type Watchdog struct {
	connMgr  connmgr.IConnectionManager
	replicas *replica.Manager
	lease    time.Duration
	interval time.Duration
	tasks    *xsync.MapOf[string, *Task] // keyed by owner value
}

// Task is the renewal of one held lock.
type Task struct {
	LockName   string
	Owner      string
	ResourceID string

	watchdog *Watchdog
	cancel   context.CancelFunc
	done     chan struct{}
	failed   chan error
	renewals atomic.Int64
}

// NewWatchdog creates a watchdog that renews leases to the given duration.
// Renewals borrow their connection from the reservation passed to Start.
func NewWatchdog(connMgr connmgr.IConnectionManager, replicas *replica.Manager, lease time.Duration) *Watchdog {
	return &Watchdog{
		connMgr:  connMgr,
		replicas: replicas,
		lease:    lease,
		interval: lease / 3,
		tasks:    xsync.NewMapOf[string, *Task](),
	}
}

// Start starts renewing the lock owned by owner.
func (w *Watchdog) Start(lockName, owner, resourceID string) (*Task, error) {
	if w.interval <= 0 {
		return nil, fmt.Errorf("invalid lease %s", w.lease)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		LockName:   lockName,
		Owner:      owner,
		ResourceID: resourceID,
		watchdog:   w,
		cancel:     cancel,
		done:       make(chan struct{}),
		failed:     make(chan error, 1),
	}
	if _, loaded := w.tasks.LoadOrStore(owner, t); loaded {
		cancel()
		return nil, fmt.Errorf("lock %s is already renewed for owner %s", lockName, owner)
	}

	go t.run(ctx)
	Logger.Debugf("Started renewal of lock %s every %s", lockName, w.interval)
	return t, nil
}

// Running returns the number of renewal tasks that have not been stopped.
func (w *Watchdog) Running() int {
	return w.tasks.Size()
}

// Close stops all renewal tasks.
func (w *Watchdog) Close() error {
	w.tasks.Range(func(_ string, t *Task) bool {
		t.Stop()
		return true
	})
	return nil
}

// --------------------------------------------------------------------------
// Task
// --------------------------------------------------------------------------

// Failed delivers the error of the first failed renewal. Nothing is sent if
// the task is stopped before a renewal failed.
func (t *Task) Failed() <-chan error {
	return t.failed
}

// Renewals returns the number of successful renewals.
func (t *Task) Renewals() int {
	return int(t.renewals.Load())
}

// Stop cancels all future renewals and waits for a running one to finish.
// It can be called any number of times.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
	t.watchdog.tasks.Compute(t.Owner, func(current *Task, loaded bool) (*Task, bool) {
		return current, !loaded || current == t
	})
}

func (t *Task) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.watchdog.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.renew(ctx); err != nil {
				if ctx.Err() != nil {
					return // stopped during the tick
				}
				renewalFailures.Inc()
				Logger.Errorf("Renewal of lock %s failed: %v", t.LockName, err)
				t.failed <- err
				return
			}
			t.renewals.Add(1)
			renewals.Inc()
		}
	}
}

// renew extends the lease and waits for the replicas to acknowledge it
func (t *Task) renew(ctx context.Context) error {
	w := t.watchdog
	err := w.connMgr.DoWithConnection(t.ResourceID, func(conn store.IConn) error {
		res, err := conn.Renew(ctx, t.LockName, t.Owner, w.lease)
		if err != nil {
			return err
		}
		if !res.Ok() {
			return fmt.Errorf("%w: %s", ErrLockLost, t.LockName)
		}
		return w.replicas.WaitForResponse(ctx, conn)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRenewalFailed, err)
	}
	Logger.Debugf("Renewed lock %s", t.LockName)
	return nil
}
