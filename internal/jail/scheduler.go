package jail

import (
	"context"
	"time"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/logger"
	"github.com/edgeward/edgeward/internal/metrics"
	"github.com/edgeward/edgeward/internal/store"
)

// Scheduler periodically releases expired rules.
type Scheduler struct {
	enforcer *Enforcer
	interval time.Duration
}

// NewScheduler returns a scheduler ticking every interval (1s when zero).
func NewScheduler(e *Enforcer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{enforcer: e, interval: interval}
}

// Run sweeps until ctx is cancelled. Sweep errors are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.Log().WithError(err).Warn("jail sweep incomplete")
			}
		}
	}
}

// Sweep deletes every rule whose expiry has passed and returns how many it released.
// Rules removed concurrently by an operator are skipped silently.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	e := s.enforcer
	now := e.store.Now()
	expired, _, err := e.store.ListRules(ctx, store.RuleFilter{ExpiredAt: &now})
	if err != nil {
		return 0, err
	}

	var firstErr error
	released := 0
	for _, r := range expired {
		rule, err := e.store.DeleteRule(ctx, r.UUID, "scheduler", store.AuditRuleExpired)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		released++
		metrics.IncJailExpired()
		e.released(ctx, rule)
	}
	if released > 0 {
		e.reconcile(ctx)
	}
	return released, firstErr
}
