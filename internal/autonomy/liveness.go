package autonomy

import (
	"context"
	"time"

	"github.com/jlugo63/gavel/internal/ledger"
)

// Escalation states. States are derived from the spine and the clock on
// every read; nothing here is stored.
const (
	StatePendingReview     = "PENDING_REVIEW"
	StateHumanRequired     = "HUMAN_REQUIRED"
	StateAutoDeniedTimeout = "AUTO_DENIED_TIMEOUT"
	StateResolved          = "RESOLVED"
)

// Timeouts bound the review window of an escalation.
type Timeouts struct {
	// Initial is the soft window: past it the escalation needs a human.
	Initial time.Duration
	// Hard is the deadline: past it the escalation is denied automatically.
	Hard time.Duration
}

// DefaultTimeouts mirror the documented review windows: five minutes soft,
// one hour hard.
var DefaultTimeouts = Timeouts{Initial: 5 * time.Minute, Hard: time.Hour}

// Classify derives the state of one escalation. Boundaries are inclusive: an
// escalation exactly at the soft window already requires a human, and one
// exactly at the hard deadline is already auto-denied.
func Classify(escalatedAt, now time.Time, resolved bool, t Timeouts) string {
	if resolved {
		return StateResolved
	}
	age := now.Sub(escalatedAt)
	switch {
	case age >= t.Hard:
		return StateAutoDeniedTimeout
	case age >= t.Initial:
		return StateHumanRequired
	default:
		return StatePendingReview
	}
}

// Summary counts escalations by derived state.
type Summary struct {
	Pending       int `json:"pending"`
	HumanRequired int `json:"human_required"`
	AutoDenied    int `json:"auto_denied"`
	Resolved      int `json:"resolved"`
}

// Snapshot classifies every escalation on the spine at the given instant.
func Snapshot(ctx context.Context, store ledger.Store, now time.Time, t Timeouts) (Summary, error) {
	var s Summary

	pairs, err := store.EscalatedIntents(ctx)
	if err != nil {
		return s, err
	}
	if len(pairs) == 0 {
		return s, nil
	}

	ids := make([]string, len(pairs))
	for i, p := range pairs {
		ids[i] = p.IntentEventID
	}
	resolved, err := store.ResolvedIntentIDs(ctx, ids)
	if err != nil {
		return s, err
	}

	for _, p := range pairs {
		_, done := resolved[p.IntentEventID]
		switch Classify(p.IntentCreatedAt, now, done, t) {
		case StatePendingReview:
			s.Pending++
		case StateHumanRequired:
			s.HumanRequired++
		case StateAutoDeniedTimeout:
			s.AutoDenied++
		case StateResolved:
			s.Resolved++
		}
	}
	return s, nil
}

// StatusForIntent derives the state of a single escalation.
func StatusForIntent(ctx context.Context, store ledger.Store, intentEventID string, now time.Time, t Timeouts) (string, error) {
	resolved, err := store.ResolvedIntentIDs(ctx, []string{intentEventID})
	if err != nil {
		return "", err
	}
	if _, done := resolved[intentEventID]; done {
		return StateResolved, nil
	}

	intent, err := store.Get(ctx, intentEventID)
	if err == ledger.ErrNotFound {
		return StatePendingReview, nil
	}
	if err != nil {
		return "", err
	}
	return Classify(intent.CreatedAt, now, false, t), nil
}
