package flowengine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

// activationLocks is an in-process try-lock keyed by activation ID.
// It is the first gate; the store lease extends exclusion across processes.
type activationLocks struct {
	mu   deadlock.Mutex
	held map[string]struct{}
}

func newActivationLocks() *activationLocks {
	return &activationLocks{held: make(map[string]struct{})}
}

func (l *activationLocks) tryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *activationLocks) unlock(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}

// acquire takes both the in-process lock and the store lease for an
// activation. The returned release func must be called on every outcome.
func (e *Engine) acquire(ctx context.Context, activationID string) (func(), error) {
	if !e.locks.tryLock(activationID) {
		return nil, fmt.Errorf("%w: %s", ErrActivationLocked, activationID)
	}

	ok, err := e.store.AcquireLease(ctx, activationID, e.config.NodeID, e.config.LeaseDuration)
	if err != nil {
		e.locks.unlock(activationID)
		return nil, err
	}
	if !ok {
		e.locks.unlock(activationID)
		return nil, fmt.Errorf("%w: %s", ErrActivationLocked, activationID)
	}

	return func() {
		// Release with a fresh context so a cancelled caller doesn't strand the lease.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.ReleaseLease(releaseCtx, activationID, e.config.NodeID); err != nil {
			log.Error().Err(err).Str("activation_id", activationID).Msg("Failed to release activation lease")
		}
		e.locks.unlock(activationID)
	}, nil
}

// RunLeaseReaper periodically releases expired leases until ctx is done.
// If a process crashes while holding a lease, the reaper in any process
// releases it once it expires.
func (e *Engine) RunLeaseReaper(ctx context.Context, interval time.Duration) {
	log.Debug().Dur("interval", interval).Msg("Lease reaper started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Lease reaper stopped")
			return
		case <-time.After(interval):
		}

		released, err := e.store.ReleaseExpiredLeases(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Reaper: failed to release expired leases")
			continue
		}
		if released > 0 {
			log.Info().Int64("released", released).Msg("Reaper: released expired activation leases")
		}
	}
}

// resolveNodeID builds a lease owner identity unique to this process.
func resolveNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}
