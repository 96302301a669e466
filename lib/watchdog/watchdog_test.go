package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dLock/lib/connmgr"
	"github.com/ValentinKolb/dLock/lib/replica"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/ValentinKolb/dLock/lib/store/lstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lease = 150 * time.Millisecond

type fixture struct {
	store      *lstore.Store
	connMgr    connmgr.IConnectionManager
	watchdog   *Watchdog
	resourceID string
}

func setup(t *testing.T, policy replica.ReplicaPolicy) *fixture {
	s := lstore.NewLocalStore()
	mgr := connmgr.NewConnectionManager(s, 4)
	w := NewWatchdog(mgr, replica.NewReplicaManager(policy), lease)
	t.Cleanup(func() {
		_ = w.Close()
		_ = mgr.Close()
	})

	id, err := mgr.ReserveN(context.Background(), 2)
	require.NoError(t, err)
	return &fixture{store: s, connMgr: mgr, watchdog: w, resourceID: id}
}

func (f *fixture) acquire(t *testing.T, name, owner string) {
	err := f.connMgr.DoWithConnection(f.resourceID, func(conn store.IConn) error {
		res, err := conn.Acquire(context.Background(), name, owner, lease)
		if err == nil {
			assert.True(t, res.Ok())
		}
		return err
	})
	require.NoError(t, err)
}

func TestRenewalKeepsLockAlive(t *testing.T) {
	f := setup(t, replica.ReplicaPolicy{})
	f.acquire(t, "lock", "owner")

	task, err := f.watchdog.Start("lock", "owner", f.resourceID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.watchdog.Running())

	// hold for more than two leases
	select {
	case err := <-task.Failed():
		t.Fatalf("renewal failed: %v", err)
	case <-time.After(2*lease + lease/2):
	}

	value, ok := f.store.Value("lock")
	assert.True(t, ok, "lock must still exist")
	assert.Equal(t, "owner", value)
	// 375ms hold at a 50ms interval
	assert.GreaterOrEqual(t, task.Renewals(), 4)

	task.Stop()
	task.Stop()
	assert.Equal(t, 0, f.watchdog.Running())

	// without renewals the lock expires
	time.Sleep(lease + lease/2)
	_, ok = f.store.Value("lock")
	assert.False(t, ok)
}

func TestRenewalFailsWhenStoreUnavailable(t *testing.T) {
	f := setup(t, replica.ReplicaPolicy{})
	f.acquire(t, "lock", "owner")

	task, err := f.watchdog.Start("lock", "owner", f.resourceID)
	require.NoError(t, err)
	defer task.Stop()

	f.store.SetAvailable(false)

	select {
	case err := <-task.Failed():
		assert.ErrorIs(t, err, ErrRenewalFailed)
	case <-time.After(2 * lease):
		t.Fatal("renewal failure was not reported within one interval")
	}
}

func TestRenewalFailsWhenLockLost(t *testing.T) {
	f := setup(t, replica.ReplicaPolicy{})
	f.acquire(t, "lock", "owner")

	task, err := f.watchdog.Start("lock", "owner", f.resourceID)
	require.NoError(t, err)
	defer task.Stop()

	// someone else removes the key
	err = f.connMgr.DoWithConnection(f.resourceID, func(conn store.IConn) error {
		_, err := conn.Release(context.Background(), "lock", "owner")
		return err
	})
	require.NoError(t, err)

	select {
	case err := <-task.Failed():
		assert.ErrorIs(t, err, ErrRenewalFailed)
		assert.ErrorIs(t, err, ErrLockLost)
	case <-time.After(2 * lease):
		t.Fatal("lost lock was not reported")
	}
}

func TestRenewalFailsOnReplicaLoss(t *testing.T) {
	f := setup(t, replica.ReplicaPolicy{RequiredCount: 1, Wait: 5 * time.Millisecond, Retries: 1})
	f.store.SetReplicas(1)
	f.acquire(t, "lock", "owner")

	task, err := f.watchdog.Start("lock", "owner", f.resourceID)
	require.NoError(t, err)
	defer task.Stop()

	time.Sleep(lease / 2)
	f.store.SetReplicas(0)

	select {
	case err := <-task.Failed():
		assert.ErrorIs(t, err, ErrRenewalFailed)
		assert.ErrorIs(t, err, replica.ErrReplicaDurability)
	case <-time.After(2 * lease):
		t.Fatal("replica loss was not reported")
	}
}

func TestStopBeforeFirstTick(t *testing.T) {
	f := setup(t, replica.ReplicaPolicy{})
	f.acquire(t, "lock", "owner")

	task, err := f.watchdog.Start("lock", "owner", f.resourceID)
	require.NoError(t, err)
	task.Stop()

	f.store.SetAvailable(false)
	time.Sleep(lease)

	select {
	case err := <-task.Failed():
		t.Fatalf("stopped task reported %v", err)
	default:
	}
	assert.Equal(t, 0, task.Renewals())
}

func TestDuplicateOwner(t *testing.T) {
	f := setup(t, replica.ReplicaPolicy{})

	task, err := f.watchdog.Start("lock", "owner", f.resourceID)
	require.NoError(t, err)
	defer task.Stop()

	_, err = f.watchdog.Start("lock", "owner", f.resourceID)
	assert.Error(t, err)
	assert.Equal(t, 1, f.watchdog.Running())
}
