package lockmgr

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"time"
)

// newOwnerValue creates the value written into a lock key.
// It identifies the client instance and is unique per acquisition attempt.
func newOwnerValue(clientID string) string {
	return fmt.Sprintf("%s:%s", clientID, uuid.NewString())
}

// cleanupContext returns a context for the cleanup of a lock. It is not cancelled
// together with parent, cleanup must run even if the caller gave up.
func cleanupContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(parent)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// runOperation calls op and converts a panic into an error.
func runOperation(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrOperationPanic, r)
		}
	}()
	return op(ctx)
}
