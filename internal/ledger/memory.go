package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jlugo63/gavel/internal/canonical"
)

// Memory is an in-process Store. A single writer lock serialises appends, so
// the chain can never fork; reads take the same lock because the slice is the
// only copy. Used by tests and by single-process deployments without Postgres.
type Memory struct {
	mu            sync.Mutex
	events        []*Event
	policyVersion string

	// Clock is overridable so tests can age escalations deterministically.
	Clock func() time.Time
}

// NewMemory creates an empty in-memory spine.
func NewMemory(policyVersion string) *Memory {
	return &Memory{
		policyVersion: policyVersion,
		Clock:         time.Now,
	}
}

func (m *Memory) Append(ctx context.Context, actorID, actionType string, payload map[string]interface{}) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(actorID, actionType, payload)
}

func (m *Memory) appendLocked(actorID, actionType string, payload map[string]interface{}) (*Event, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return nil, err
	}

	prev := GenesisHash
	createdAt := m.Clock().UTC().Truncate(time.Microsecond)
	if n := len(m.events); n > 0 {
		tail := m.events[n-1]
		prev = tail.EventHash
		// created_at order must match chain order even when two appends land
		// inside the same microsecond.
		if !createdAt.After(tail.CreatedAt) {
			createdAt = tail.CreatedAt.Add(time.Microsecond)
		}
	}

	e := &Event{
		ID:                uuid.NewString(),
		CreatedAt:         createdAt,
		ActorID:           actorID,
		ActionType:        actionType,
		Payload:           canon,
		PolicyVersion:     m.policyVersion,
		PreviousEventHash: prev,
	}
	e.EventHash = ComputeHash(prev, actorID, actionType, canon, m.policyVersion, canonical.Timestamp(createdAt))

	m.events = append(m.events, e)
	return e, nil
}

func (m *Memory) Get(ctx context.Context, eventID string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == eventID {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Events(ctx context.Context) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *Memory) ChainRole(ctx context.Context, chainID, actorID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ActionType != ActionInboundIntent || e.ActorID != actorID {
			continue
		}
		if e.PayloadString("chain_id") == chainID {
			return e.PayloadString("role"), nil
		}
	}
	return "", nil
}

func (m *Memory) FindPolicyEvalForIntent(ctx context.Context, intentEventID string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var intent *Event
	for _, e := range m.events {
		if e.ID == intentEventID {
			intent = e
			break
		}
	}
	if intent == nil || intent.ActionType != ActionInboundIntent {
		return nil, ErrNotFound
	}

	// Explicit reference first; correlation is the legacy fallback.
	for _, e := range m.events {
		if e.IsPolicyEval() && e.PayloadString("intent_event_id") == intentEventID {
			return e, nil
		}
	}
	for _, e := range m.events {
		if e.IsPolicyEval() && e.ActorID == intent.ActorID && !e.CreatedAt.Before(intent.CreatedAt) {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindValidApproval(ctx context.Context, actorID, actionType, content string, ttl time.Duration) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Clock().UTC()
	for i := len(m.events) - 1; i >= 0; i-- {
		a := m.events[i]
		if a.ActionType != ActionHumanApprovalGranted {
			continue
		}
		if now.Sub(a.CreatedAt) > ttl {
			continue
		}
		intent := m.getLocked(a.PayloadString("intent_event_id"))
		if intent == nil || intent.ActorID != actorID {
			continue
		}
		if intent.PayloadString("action_type") != actionType || intent.PayloadString("content") != content {
			continue
		}
		if m.consumedLocked(a.ID) {
			continue
		}
		return a, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) ResolutionForIntent(ctx context.Context, intentEventID string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !resolutionActions[e.ActionType] {
			continue
		}
		if e.PayloadString("intent_event_id") == intentEventID ||
			e.PayloadString("current_intent_event_id") == intentEventID {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ConsumeApproval(ctx context.Context, approvalEventID, actorID string, payload map[string]interface{}) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumedLocked(approvalEventID) {
		return nil, ErrAlreadyConsumed
	}
	return m.appendLocked(actorID, ActionApprovalConsumed, payload)
}

func (m *Memory) EscalatedIntents(ctx context.Context) ([]EscalatedIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EscalatedIntent
	for i := len(m.events) - 1; i >= 0; i-- {
		pe := m.events[i]
		if !pe.IsPolicyEval() || pe.PayloadString("decision") != "ESCALATED" {
			continue
		}

		var intent *Event
		if id := pe.PayloadString("intent_event_id"); id != "" {
			intent = m.getLocked(id)
		} else {
			for j := i; j >= 0; j-- {
				c := m.events[j]
				if c.ActionType == ActionInboundIntent && c.ActorID == pe.ActorID && !c.CreatedAt.After(pe.CreatedAt) {
					intent = c
					break
				}
			}
		}
		if intent == nil {
			continue
		}
		out = append(out, EscalatedIntent{
			PolicyEventID:   pe.ID,
			IntentEventID:   intent.ID,
			ActorID:         pe.ActorID,
			IntentCreatedAt: intent.CreatedAt,
		})
	}
	return out, nil
}

func (m *Memory) ResolvedIntentIDs(ctx context.Context, intentIDs []string) (map[string]struct{}, error) {
	want := make(map[string]struct{}, len(intentIDs))
	for _, id := range intentIDs {
		want[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	resolved := make(map[string]struct{})
	for _, e := range m.events {
		if !resolutionActions[e.ActionType] {
			continue
		}
		for _, key := range []string{"intent_event_id", "current_intent_event_id"} {
			if id := e.PayloadString(key); id != "" {
				if _, ok := want[id]; ok {
					resolved[id] = struct{}{}
				}
			}
		}
	}
	return resolved, nil
}

func (m *Memory) VerifyChain(ctx context.Context) (VerifyReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := VerifyReport{Total: len(m.events)}
	prev := GenesisHash
	for _, e := range m.events {
		recomputed := ComputeHash(e.PreviousEventHash, e.ActorID, e.ActionType, e.Payload, e.PolicyVersion, canonical.Timestamp(e.CreatedAt))
		if e.PreviousEventHash != prev || e.EventHash != recomputed {
			report.Broken++
			if report.FirstBreak == "" {
				report.FirstBreak = e.ID
			}
		}
		prev = e.EventHash
	}
	report.Root = MerkleRoot(m.events)
	return report, nil
}

func (m *Memory) getLocked(eventID string) *Event {
	for _, e := range m.events {
		if e.ID == eventID {
			return e
		}
	}
	return nil
}

func (m *Memory) consumedLocked(approvalEventID string) bool {
	for _, e := range m.events {
		if e.ActionType == ActionApprovalConsumed && e.PayloadString("approval_event_id") == approvalEventID {
			return true
		}
	}
	return false
}
