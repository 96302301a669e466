package replica

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLock/lib/common"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"time"
)

var Logger = logger.GetLogger("replica")

// ErrReplicaDurability is returned if fewer replicas than required acknowledged a write
var ErrReplicaDurability = errors.New("replica durability not reached")

var shortfalls = metrics.GetOrCreateCounter(`dlock_replica_shortfalls_total`)

// ReplicaPolicy is the replica acknowledgment configuration.
// A RequiredCount of 0 disables the check.
type ReplicaPolicy struct {
	RequiredCount int
	Wait          time.Duration
	Retries       int
}

// PolicyFromConfig returns the replica policy of a lock client configuration.
func PolicyFromConfig(cfg common.Config) ReplicaPolicy {
	return ReplicaPolicy{
		RequiredCount: cfg.ReplicaCount,
		Wait:          cfg.ReplicaWait,
		Retries:       cfg.ReplicaRetries,
	}
}

// Manager waits for replicas to acknowledge the writes of a connection.
type Manager struct {
	policy ReplicaPolicy
}

// NewReplicaManager creates a replica acknowledgment manager for the policy.
func NewReplicaManager(policy ReplicaPolicy) *Manager {
	return &Manager{policy: policy}
}

// Policy returns the policy of the manager.
func (m *Manager) Policy() ReplicaPolicy {
	return m.policy
}

// WaitForResponse blocks until the required number of replicas acknowledged all
// previous writes of conn. The wait is attempted once plus policy.Retries times,
// every shortfall is logged. ErrReplicaDurability is returned if no attempt reached
// the required count, store errors are returned as they are.
func (m *Manager) WaitForResponse(ctx context.Context, conn store.IConn) error {
	required := m.policy.RequiredCount
	if required <= 0 {
		return nil
	}

	acked := 0
	for attempt := 0; attempt <= m.policy.Retries; attempt++ {
		var err error
		acked, err = conn.WaitReplicas(ctx, required, m.policy.Wait)
		if err != nil {
			return fmt.Errorf("failed to wait for replicas: %w", err)
		}
		if acked >= required {
			return nil
		}
		shortfalls.Inc()
		if attempt < m.policy.Retries {
			Logger.Warningf("Expected %d replica(s) but %d acknowledged, trying again (%d/%d)", required, acked, attempt+1, m.policy.Retries)
		}
	}

	Logger.Errorf("Expected %d replica(s) but %d acknowledged after %d retries", required, acked, m.policy.Retries)
	return fmt.Errorf("%w: expected %d replica(s), %d acknowledged", ErrReplicaDurability, required, acked)
}
