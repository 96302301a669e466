package replica

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dLock/lib/common"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/ValentinKolb/dLock/lib/store/lstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConn answers WaitReplicas with a fixed sequence of results
type scriptedConn struct {
	store.IConn
	acks  []int
	err   error
	calls int
}

func (c *scriptedConn) WaitReplicas(_ context.Context, _ int, _ time.Duration) (int, error) {
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	if c.calls > len(c.acks) {
		return c.acks[len(c.acks)-1], nil
	}
	return c.acks[c.calls-1], nil
}

func TestDisabled(t *testing.T) {
	conn := &scriptedConn{acks: []int{0}}
	mgr := NewReplicaManager(ReplicaPolicy{RequiredCount: 0, Retries: 3})

	require.NoError(t, mgr.WaitForResponse(context.Background(), conn))
	assert.Equal(t, 0, conn.calls, "no WAIT must be issued")
}

func TestSuccessOnFirstAttempt(t *testing.T) {
	conn := &scriptedConn{acks: []int{2}}
	mgr := NewReplicaManager(ReplicaPolicy{RequiredCount: 2, Wait: time.Millisecond, Retries: 3})

	require.NoError(t, mgr.WaitForResponse(context.Background(), conn))
	assert.Equal(t, 1, conn.calls)
}

func TestSuccessOnLastRetry(t *testing.T) {
	conn := &scriptedConn{acks: []int{0, 1, 1, 2}}
	mgr := NewReplicaManager(ReplicaPolicy{RequiredCount: 2, Wait: time.Millisecond, Retries: 3})

	require.NoError(t, mgr.WaitForResponse(context.Background(), conn))
	assert.Equal(t, 4, conn.calls)
}

func TestMoreReplicasThanRequired(t *testing.T) {
	conn := &scriptedConn{acks: []int{3}}
	mgr := NewReplicaManager(ReplicaPolicy{RequiredCount: 2, Wait: time.Millisecond, Retries: 0})

	require.NoError(t, mgr.WaitForResponse(context.Background(), conn))
}

func TestRetriesExhausted(t *testing.T) {
	conn := &scriptedConn{acks: []int{1}}
	mgr := NewReplicaManager(ReplicaPolicy{RequiredCount: 2, Wait: time.Millisecond, Retries: 3})

	err := mgr.WaitForResponse(context.Background(), conn)
	assert.ErrorIs(t, err, ErrReplicaDurability)
	assert.Equal(t, 4, conn.calls, "one attempt plus three retries")
}

func TestStoreError(t *testing.T) {
	storeErr := store.NewError(store.RetCUnavailable, "down")
	conn := &scriptedConn{err: storeErr}
	mgr := NewReplicaManager(ReplicaPolicy{RequiredCount: 1, Wait: time.Millisecond, Retries: 3})

	err := mgr.WaitForResponse(context.Background(), conn)
	assert.False(t, errors.Is(err, ErrReplicaDurability))
	var target *store.Error
	require.True(t, errors.As(err, &target))
	assert.Equal(t, store.RetCUnavailable, target.Code)
	assert.Equal(t, 1, conn.calls, "store errors are not retried")
}

func TestWithLocalStore(t *testing.T) {
	s := lstore.NewLocalStore()
	ctx := context.Background()
	conn, err := s.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	cfg := common.DefaultConfig()
	cfg.ReplicaCount = 1
	cfg.ReplicaWait = 10 * time.Millisecond
	cfg.ReplicaRetries = 1
	mgr := NewReplicaManager(PolicyFromConfig(cfg))
	assert.Equal(t, 1, mgr.Policy().RequiredCount)

	err = mgr.WaitForResponse(ctx, conn)
	assert.ErrorIs(t, err, ErrReplicaDurability)

	s.SetReplicas(1)
	assert.NoError(t, mgr.WaitForResponse(ctx, conn))
}
