package sdk

// Decisions returned by the gateway.
const (
	DecisionApproved  = "APPROVED"
	DecisionDenied    = "DENIED"
	DecisionEscalated = "ESCALATED"
)

// Violation is one breached constitutional rule.
type Violation struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

// ProposalResult is the gateway's answer to a proposal.
type ProposalResult struct {
	ChainID                 string      `json:"chain_id"`
	Decision                string      `json:"decision"`
	RiskScore               float64     `json:"risk_score"`
	IntentEventID           string      `json:"intent_event_id"`
	PolicyEventID           string      `json:"policy_event_id"`
	Violations              []Violation `json:"violations"`
	Rationale               []string    `json:"rationale"`
	MatchedRules            []string    `json:"matched_rules"`
	Signals                 []string    `json:"signals"`
	ApprovalConsumedEventID string      `json:"approval_consumed_event_id,omitempty"`
	ActorTier               int         `json:"actor_tier"`
	ExpiresAt               string      `json:"expires_at,omitempty"`
	HardDeadline            string      `json:"hard_deadline,omitempty"`
	Message                 string      `json:"message,omitempty"`
	Error                   string      `json:"error,omitempty"`
}

// Cleared reports whether the proposal may execute now.
func (r ProposalResult) Cleared() bool {
	return r.Decision == DecisionApproved
}

// ReviewResult is the verdict on an approve or deny call.
type ReviewResult struct {
	Success bool
	// EventID is the HUMAN_APPROVAL_GRANTED or HUMAN_DENIAL event.
	EventID string
	Error   string
}

// ExecutionResult is the gateway's answer to an execute call.
type ExecutionResult struct {
	Status             string                 `json:"status"`
	EvidenceEventID    string                 `json:"evidence_event_id"`
	ReviewEventID      string                 `json:"review_event_id"`
	AutoApproveEventID string                 `json:"auto_approve_event_id,omitempty"`
	Evidence           map[string]interface{} `json:"evidence"`
	Review             map[string]interface{} `json:"review"`
	Error              string                 `json:"error,omitempty"`
}

// EscalationSummary is the liveness snapshot from GET /escalations.
type EscalationSummary struct {
	Summary struct {
		Pending       int `json:"pending"`
		HumanRequired int `json:"human_required"`
		AutoDenied    int `json:"auto_denied"`
		Resolved      int `json:"resolved"`
	} `json:"summary"`
	InitialTimeoutSeconds int `json:"initial_timeout_seconds"`
	MaxTimeoutSeconds     int `json:"max_timeout_seconds"`
}
