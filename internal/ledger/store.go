package ledger

import (
	"context"
	"errors"
	"time"
)

// Errors the gateway branches on.
var (
	// ErrNotFound means the requested event (or correlation target) does not exist.
	ErrNotFound = errors.New("ledger: event not found")
	// ErrConflict means two writers raced for the same chain tail and the
	// bounded retry budget is exhausted.
	ErrConflict = errors.New("ledger: tail conflict")
	// ErrAlreadyConsumed means an APPROVAL_CONSUMED event already names the
	// approval; each approval is one-shot.
	ErrAlreadyConsumed = errors.New("ledger: approval already consumed")
)

// Append retry policy: bounded, with linear-in-attempt backoff. Shared by
// every store that can observe tail contention.
const (
	appendMaxRetries    = 3
	appendBackoffMillis = 50
)

// EscalatedIntent pairs an ESCALATED POLICY_EVAL with its INBOUND_INTENT.
type EscalatedIntent struct {
	PolicyEventID   string
	IntentEventID   string
	ActorID         string
	IntentCreatedAt time.Time
}

// VerifyReport is the outcome of re-hashing the whole spine.
type VerifyReport struct {
	Total  int
	Broken int
	// FirstBreak is the id of the first event whose hash or linkage failed.
	FirstBreak string
	// Root is the Merkle checkpoint over every event hash, for comparing
	// replicas at a glance. Empty on an empty spine.
	Root string
}

// Store is the Audit Spine contract. Events are append-only: nothing is ever
// updated or deleted, and every derived state is recomputed from queries.
type Store interface {
	// Append computes the chain hash against the current tail and inserts a
	// new event, retrying a bounded number of times on tail contention.
	Append(ctx context.Context, actorID, actionType string, payload map[string]interface{}) (*Event, error)

	// Get fetches a single event by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, eventID string) (*Event, error)

	// Events returns every event in (created_at, id) order.
	Events(ctx context.Context) ([]*Event, error)

	// ChainRole returns the role bound by the first INBOUND_INTENT for the
	// (chain, actor) pair, or "" when the pair has no prior intents.
	ChainRole(ctx context.Context, chainID, actorID string) (string, error)

	// FindPolicyEvalForIntent locates the POLICY_EVAL:* produced for an
	// INBOUND_INTENT. Events that carry an explicit intent_event_id are
	// matched directly; older events fall back to time-and-actor correlation
	// (earliest eval by the same actor at or after the intent).
	FindPolicyEvalForIntent(ctx context.Context, intentEventID string) (*Event, error)

	// FindValidApproval returns the newest unconsumed HUMAN_APPROVAL_GRANTED
	// within ttl whose referenced intent matches (actor, action type,
	// content) exactly, or ErrNotFound.
	FindValidApproval(ctx context.Context, actorID, actionType, content string, ttl time.Duration) (*Event, error)

	// ResolutionForIntent returns the newest event that resolves the intent:
	// approval, denial, consumption, or auto-deny, matched by intent_event_id
	// or current_intent_event_id. ErrNotFound when unresolved.
	ResolutionForIntent(ctx context.Context, intentEventID string) (*Event, error)

	// ConsumeApproval appends APPROVAL_CONSUMED for the given approval as a
	// conditional write: it commits only if no prior consumption names the
	// same approval, otherwise ErrAlreadyConsumed.
	ConsumeApproval(ctx context.Context, approvalEventID, actorID string, payload map[string]interface{}) (*Event, error)

	// EscalatedIntents returns every ESCALATED policy eval paired with its
	// intent, newest eval first.
	EscalatedIntents(ctx context.Context) ([]EscalatedIntent, error)

	// ResolvedIntentIDs reports which of the given intent ids are referenced
	// by any resolution event.
	ResolvedIntentIDs(ctx context.Context, intentIDs []string) (map[string]struct{}, error)

	// VerifyChain re-hashes every event in order and checks linkage.
	VerifyChain(ctx context.Context) (VerifyReport, error)
}

// resolutionActions are the action types that settle an escalation.
var resolutionActions = map[string]bool{
	ActionHumanApprovalGranted: true,
	ActionHumanDenial:          true,
	ActionApprovalConsumed:     true,
	ActionAutoDeniedTimeout:    true,
}
