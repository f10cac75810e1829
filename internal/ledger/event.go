// Package ledger implements the Audit Spine: an append-only, hash-chained
// event store that is the single source of truth for every proposal,
// decision, approval, and execution record in the control plane.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Action types recorded on the spine. The set is closed; POLICY_EVAL carries
// the upper-cased proposal action as a suffix.
const (
	ActionInboundIntent        = "INBOUND_INTENT"
	ActionPolicyEvalPrefix     = "POLICY_EVAL:"
	ActionHumanApprovalGranted = "HUMAN_APPROVAL_GRANTED"
	ActionHumanDenial          = "HUMAN_DENIAL"
	ActionApprovalConsumed     = "APPROVAL_CONSUMED"
	ActionAutoDeniedTimeout    = "AUTO_DENIED_TIMEOUT"
	ActionEvidencePacket       = "EVIDENCE_PACKET"
	ActionEvidenceReview       = "EVIDENCE_REVIEW_DETERMINISTIC"
	ActionEvidenceAutoApprove  = "EVIDENCE_AUTO_APPROVE"
)

// GenesisHash is the previous_event_hash of the first event on the spine.
const GenesisHash = "GENESIS"

// PolicyEvalAction builds the POLICY_EVAL action type for a proposal action.
func PolicyEvalAction(proposalAction string) string {
	return ActionPolicyEvalPrefix + strings.ToUpper(proposalAction)
}

// Event is one immutable row of the Audit Spine. Payload always holds the
// canonical (RFC 8785) byte form — the exact bytes that were hashed.
type Event struct {
	ID                string          `json:"id"`
	CreatedAt         time.Time       `json:"created_at"`
	ActorID           string          `json:"actor_id"`
	ActionType        string          `json:"action_type"`
	Payload           json.RawMessage `json:"intent_payload"`
	PolicyVersion     string          `json:"policy_version"`
	EventHash         string          `json:"event_hash"`
	PreviousEventHash string          `json:"previous_event_hash"`
}

// IsPolicyEval reports whether the event is any POLICY_EVAL:* record.
func (e *Event) IsPolicyEval() bool {
	return strings.HasPrefix(e.ActionType, ActionPolicyEvalPrefix)
}

// PayloadMap decodes the payload document.
func (e *Event) PayloadMap() (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// PayloadString returns the string value at a top-level payload key, or ""
// when the key is absent or not a string.
func (e *Event) PayloadString(key string) string {
	m, err := e.PayloadMap()
	if err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// ComputeHash implements the normative chain formula:
//
//	SHA256(prev || "|" || actor || "|" || action || "|" || canonical(payload)
//	       || "|" || policy_version || "|" || canonical(created_at))
//
// The payload must already be in canonical form.
func ComputeHash(prevHash, actorID, actionType string, canonicalPayload []byte, policyVersion, canonicalCreatedAt string) string {
	var b strings.Builder
	b.WriteString(prevHash)
	b.WriteByte('|')
	b.WriteString(actorID)
	b.WriteByte('|')
	b.WriteString(actionType)
	b.WriteByte('|')
	b.Write(canonicalPayload)
	b.WriteByte('|')
	b.WriteString(policyVersion)
	b.WriteByte('|')
	b.WriteString(canonicalCreatedAt)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
