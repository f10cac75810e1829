package autonomy

import (
	"context"
	"log/slog"
	"time"

	"github.com/jlugo63/gavel/internal/canonical"
	"github.com/jlugo63/gavel/internal/ledger"
)

// SweeperActor is the system identity that signs auto-denial events.
const SweeperActor = "system:gateway"

// Sweeper periodically auto-denies escalations past their hard deadline.
type Sweeper struct {
	store    ledger.Store
	timeouts Timeouts
	interval time.Duration
	logger   *slog.Logger

	// Clock is overridable for tests.
	Clock func() time.Time
	// OnAutoDeny, when set, is called once per auto-denied escalation.
	OnAutoDeny func()
}

// NewSweeper builds a sweeper. A non-positive interval falls back to 30s.
func NewSweeper(store ledger.Store, timeouts Timeouts, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		store:    store,
		timeouts: timeouts,
		interval: interval,
		logger:   logger,
		Clock:    time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			denied, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("escalation sweep failed", "error", err)
				continue
			}
			if len(denied) > 0 {
				s.logger.Info("auto-denied expired escalations", "count", len(denied))
			}
		}
	}
}

// SweepOnce finds every unresolved escalation past the hard deadline and
// appends an AUTO_DENIED_TIMEOUT event for it. Returns the intent ids that
// were denied.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	pairs, err := s.store.EscalatedIntents(ctx)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pairs))
	for i, p := range pairs {
		ids[i] = p.IntentEventID
	}
	resolved, err := s.store.ResolvedIntentIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.Clock().UTC()
	var denied []string
	for _, p := range pairs {
		_, done := resolved[p.IntentEventID]
		if Classify(p.IntentCreatedAt, now, done, s.timeouts) != StateAutoDeniedTimeout {
			continue
		}

		_, err := s.store.Append(ctx, SweeperActor, ledger.ActionAutoDeniedTimeout, map[string]interface{}{
			"intent_event_id": p.IntentEventID,
			"policy_event_id": p.PolicyEventID,
			"actor_id":        p.ActorID,
			"reason":          "Escalation expired -- auto-denied after timeout",
			"auto_denied_at":  canonical.Timestamp(now),
		})
		if err != nil {
			return denied, err
		}
		denied = append(denied, p.IntentEventID)
		// Multiple evals can reference the same intent; deny each once.
		resolved[p.IntentEventID] = struct{}{}
		if s.OnAutoDeny != nil {
			s.OnAutoDeny()
		}
	}
	return denied, nil
}
