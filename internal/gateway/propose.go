package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/jlugo63/gavel/internal/canonical"
	"github.com/jlugo63/gavel/internal/ledger"
	"github.com/jlugo63/gavel/internal/policy"
)

// proposeRequest accepts both the envelope form and the legacy flat form.
// In the envelope form the action lives under "action"; legacy requests put
// action_type and content at the top level.
type proposeRequest struct {
	ActorID          string          `json:"actor_id"`
	Role             string          `json:"role,omitempty"`
	TierRequest      int             `json:"tier_request,omitempty"`
	Goal             string          `json:"goal,omitempty"`
	Scope            *proposalScope  `json:"scope,omitempty"`
	ExpectedOutcomes []string        `json:"expected_outcomes,omitempty"`
	Action           *proposalAction `json:"action,omitempty"`
	ChainID          string          `json:"chain_id,omitempty"`

	// Legacy flat form.
	ActionType string          `json:"action_type,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	TargetPath string          `json:"target_path,omitempty"`
}

type proposalScope struct {
	AllowPaths    []string `json:"allow_paths,omitempty"`
	AllowCommands []string `json:"allow_commands,omitempty"`
	AllowNetwork  bool     `json:"allow_network,omitempty"`
}

type proposalAction struct {
	ActionType string          `json:"action_type"`
	Content    json.RawMessage `json:"content"`
	TargetPath string          `json:"target_path,omitempty"`
}

type proposeResponse struct {
	ChainID                  string             `json:"chain_id"`
	Decision                 string             `json:"decision"`
	RiskScore                float64            `json:"risk_score"`
	IntentEventID            string             `json:"intent_event_id"`
	PolicyEventID            string             `json:"policy_event_id"`
	Violations               []policy.Violation `json:"violations"`
	Rationale                []string           `json:"rationale"`
	MatchedRules             []string           `json:"matched_rules"`
	Signals                  []string           `json:"signals"`
	ApprovalConsumedEventID  string             `json:"approval_consumed_event_id,omitempty"`
	ActorTier                int                `json:"actor_tier"`
	TierDescription          string             `json:"tier_description"`
	ExpiresAt                string             `json:"expires_at,omitempty"`
	HardDeadline             string             `json:"hard_deadline,omitempty"`
	Message                  string             `json:"message,omitempty"`
	Error                    string             `json:"error,omitempty"`
}

// contentString renders the proposal content for policy matching: JSON
// strings unwrap to their value, anything else keeps its canonical form.
func contentString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	canon, err := canonical.Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(canon)
}

// contentValue decodes the raw content for embedding in a ledger payload.
func contentValue(raw json.RawMessage) interface{} {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func (g *Gateway) handlePropose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}

	// Normalise envelope vs legacy.
	actionType := req.ActionType
	content := req.Content
	targetPath := req.TargetPath
	if req.Action != nil {
		actionType = req.Action.ActionType
		content = req.Action.Content
		targetPath = req.Action.TargetPath
	}
	if req.ActorID == "" || actionType == "" || len(content) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "actor_id, action_type, and content are required")
		return
	}

	// Unknown or revoked actors never touch the ledger.
	if err := g.registry.ValidateActor(req.ActorID); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	actor, _ := g.registry.Lookup(req.ActorID)

	role := req.Role
	if role == "" {
		role = actor.Role
	}
	chainID := req.ChainID
	if chainID == "" {
		chainID = uuid.NewString()
	}

	// Role lock: one actor, one role per chain.
	boundRole, err := g.store.ChainRole(ctx, chainID, req.ActorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable: "+err.Error())
		return
	}
	if boundRole != "" && boundRole != role {
		writeError(w, http.StatusConflict,
			"role-lock violation: actor already acts as '"+boundRole+"' in this chain")
		return
	}

	contentStr := contentString(content)

	// Record the raw intent before any evaluation.
	intentPayload := map[string]interface{}{
		"action_type": actionType,
		"content":     contentStr,
		"chain_id":    chainID,
		"role":        role,
	}
	if targetPath != "" {
		intentPayload["target_path"] = targetPath
	}
	if req.Goal != "" {
		intentPayload["goal"] = req.Goal
	}
	if req.TierRequest != 0 {
		intentPayload["tier_request"] = req.TierRequest
	}
	if len(req.ExpectedOutcomes) > 0 {
		intentPayload["expected_outcomes"] = req.ExpectedOutcomes
	}
	if req.Scope != nil {
		intentPayload["scope"] = map[string]interface{}{
			"allow_paths":    req.Scope.AllowPaths,
			"allow_commands": req.Scope.AllowCommands,
			"allow_network":  req.Scope.AllowNetwork,
		}
	}
	if _, ok := contentValue(content).(string); !ok {
		intentPayload["content_document"] = contentValue(content)
	}

	intent, err := g.store.Append(ctx, req.ActorID, ledger.ActionInboundIntent, intentPayload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger append failed: "+err.Error())
		return
	}
	g.metrics.LedgerAppendsTotal.WithLabelValues(ledger.ActionInboundIntent).Inc()

	result := g.engine.Evaluate(policy.Proposal{
		ActorID:    req.ActorID,
		ActionType: actionType,
		Content:    contentStr,
		TargetPath: targetPath,
	})

	violations := make([]map[string]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		violations = append(violations, map[string]string{"rule": v.Rule, "description": v.Description})
	}
	evalPayload := map[string]interface{}{
		"decision":        result.Decision,
		"risk_score":      result.RiskScore,
		"violations":      violations,
		"rationale":       result.Rationale,
		"matched_rules":   result.MatchedRules,
		"signals":         result.Signals,
		"intent_event_id": intent.ID,
		"chain_id":        chainID,
		"proposal": map[string]interface{}{
			"actor_id":    req.ActorID,
			"action_type": actionType,
			"content":     contentStr,
			"target_path": targetPath,
		},
	}
	eval, err := g.store.Append(ctx, req.ActorID, ledger.PolicyEvalAction(actionType), evalPayload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger append failed: "+err.Error())
		return
	}
	g.metrics.LedgerAppendsTotal.WithLabelValues(ledger.ActionPolicyEvalPrefix + "*").Inc()
	g.metrics.ProposalsTotal.WithLabelValues(result.Decision).Inc()

	resp := proposeResponse{
		ChainID:         chainID,
		Decision:        result.Decision,
		RiskScore:       result.RiskScore,
		IntentEventID:   intent.ID,
		PolicyEventID:   eval.ID,
		Violations:      result.Violations,
		Rationale:       result.Rationale,
		MatchedRules:    result.MatchedRules,
		Signals:         result.Signals,
		ActorTier:       actor.Tier,
		TierDescription: tierDescription(actor.Tier),
	}

	switch result.Decision {
	case policy.DecisionDenied:
		resp.Error = "CONSTITUTIONAL VIOLATION — proposal denied."
		writeJSON(w, http.StatusForbidden, resp)
		return

	case policy.DecisionEscalated:
		// A standing human approval for the identical proposal converts the
		// escalation into a one-shot approved run.
		if consumed := g.tryConsumeApproval(r, &resp, intent, eval, req.ActorID, actionType, contentStr); consumed {
			resp.Message = "Prior human approval consumed. Cleared for execution."
			writeJSON(w, http.StatusOK, resp)
			return
		}
		resp.ExpiresAt = canonical.Timestamp(intent.CreatedAt.Add(g.cfg.EscalationInitial()))
		resp.HardDeadline = canonical.Timestamp(intent.CreatedAt.Add(g.cfg.EscalationMax()))
		resp.Message = "Proposal requires human approval before execution."
		writeJSON(w, http.StatusAccepted, resp)
		return

	default:
		resp.Message = "Proposal approved. Cleared for execution."
		writeJSON(w, http.StatusOK, resp)
	}
}

// tryConsumeApproval looks for a valid standing approval matching the triple
// and consumes it. Consumption is conditional on no prior consumption; a
// race loser simply stays ESCALATED.
func (g *Gateway) tryConsumeApproval(r *http.Request, resp *proposeResponse, intent, eval *ledger.Event, actorID, actionType, content string) bool {
	ctx := r.Context()

	approval, err := g.store.FindValidApproval(ctx, actorID, actionType, content, g.cfg.ApprovalTTL())
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			g.logger.Error("approval lookup failed", "error", err)
		}
		return false
	}

	consumption, err := g.store.ConsumeApproval(ctx, approval.ID, actorID, map[string]interface{}{
		"approval_event_id":       approval.ID,
		"original_intent_id":      approval.PayloadString("intent_event_id"),
		"current_intent_event_id": intent.ID,
		"current_policy_event_id": eval.ID,
		"consumed_at":             canonical.Timestamp(g.clock()),
	})
	if err != nil {
		if !errors.Is(err, ledger.ErrAlreadyConsumed) {
			g.logger.Error("approval consumption failed", "error", err)
		}
		return false
	}
	g.metrics.LedgerAppendsTotal.WithLabelValues(ledger.ActionApprovalConsumed).Inc()
	g.metrics.ApprovalsConsumed.Inc()

	// Decision is rewritten; risk score and violations stay for audit.
	resp.Decision = policy.DecisionApproved
	resp.ApprovalConsumedEventID = consumption.ID
	return true
}
