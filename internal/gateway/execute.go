package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jlugo63/gavel/internal/autonomy"
	"github.com/jlugo63/gavel/internal/evidence"
	"github.com/jlugo63/gavel/internal/ledger"
	"github.com/jlugo63/gavel/internal/monitoring"
	"github.com/jlugo63/gavel/internal/policy"
	"github.com/jlugo63/gavel/internal/sandbox"
)

type executeRequest struct {
	ProposalID string `json:"proposal_id"`
}

type executeResponse struct {
	Status             string                `json:"status"`
	EvidenceEventID    string                `json:"evidence_event_id"`
	ReviewEventID      string                `json:"review_event_id"`
	AutoApproveEventID string                `json:"auto_approve_event_id,omitempty"`
	Evidence           *evidence.Packet      `json:"evidence"`
	Review             evidence.ReviewResult `json:"review"`
}

func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProposalID == "" {
		writeError(w, http.StatusUnprocessableEntity, "proposal_id is required")
		return
	}

	intent, err := g.store.Get(ctx, req.ProposalID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown proposal")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable: "+err.Error())
		return
	}
	if intent.ActionType != ledger.ActionInboundIntent {
		writeError(w, http.StatusNotFound, "proposal_id does not reference an INBOUND_INTENT")
		return
	}

	eval, err := g.store.FindPolicyEvalForIntent(ctx, intent.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no policy evaluation found for proposal")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable: "+err.Error())
		return
	}
	decision := eval.PayloadString("decision")

	if decision == policy.DecisionDenied {
		writeError(w, http.StatusForbidden, "proposal was denied by policy")
		return
	}

	// An escalation's fate is settled by its resolution event when one
	// exists, and by the clock when none does.
	hasApproval := false
	resolution, err := g.store.ResolutionForIntent(ctx, intent.ID)
	switch {
	case err == nil:
		switch resolution.ActionType {
		case ledger.ActionHumanDenial:
			writeError(w, http.StatusForbidden, "proposal was denied by a human reviewer")
			return
		case ledger.ActionAutoDeniedTimeout:
			writeError(w, http.StatusGone, "escalation expired and was auto-denied")
			return
		default:
			hasApproval = true
		}
	case errors.Is(err, ledger.ErrNotFound):
	default:
		writeError(w, http.StatusInternalServerError, "ledger unavailable: "+err.Error())
		return
	}

	if decision == policy.DecisionEscalated && !hasApproval {
		age := g.clock().UTC().Sub(intent.CreatedAt)
		if age >= g.cfg.EscalationMax() {
			writeError(w, http.StatusGone, "escalation expired and was auto-denied")
			return
		}
		writeError(w, http.StatusAccepted, "proposal is awaiting human approval")
		return
	}

	tier := g.registry.Tier(intent.ActorID)
	allowed, reason := autonomy.CheckExecution(tier, hasApproval)
	if !allowed {
		writeError(w, http.StatusForbidden, reason)
		return
	}

	if !g.runner.Available(ctx) {
		writeError(w, http.StatusServiceUnavailable, "sandbox runtime is unreachable")
		return
	}

	cfg := sandbox.Config{
		Image:          g.cfg.BlastBox.Image,
		MemoryLimit:    g.cfg.BlastBox.MemoryLimit,
		CPULimit:       g.cfg.BlastBox.CPULimit,
		TimeoutSeconds: g.cfg.BlastBox.TimeoutSeconds,
		NetworkMode:    g.cfg.BlastBox.NetworkMode,
	}
	command := intent.PayloadString("content")

	start := time.Now()
	result, err := g.runner.Run(ctx, command, "", cfg)
	g.metrics.SandboxRunDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		g.metrics.SandboxRunsTotal.WithLabelValues(monitoring.SandboxOutcome(false, false, err)).Inc()
		writeError(w, http.StatusInternalServerError, "sandbox execution failed: "+err.Error())
		return
	}
	g.metrics.SandboxRunsTotal.WithLabelValues(monitoring.SandboxOutcome(result.TimedOut, result.OOMKilled, nil)).Inc()

	packet, err := evidence.NewPacket(
		intent.ID,
		intent.PayloadString("chain_id"),
		intent.ActorID,
		intent.PayloadString("action_type"),
		command,
		*result,
		cfg,
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "evidence packet build failed: "+err.Error())
		return
	}

	packetPayload, err := toPayload(packet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "evidence packet encode failed: "+err.Error())
		return
	}
	packetEvent, err := g.store.Append(ctx, intent.ActorID, ledger.ActionEvidencePacket, packetPayload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger append failed: "+err.Error())
		return
	}
	g.metrics.LedgerAppendsTotal.WithLabelValues(ledger.ActionEvidencePacket).Inc()

	review := evidence.Review(packet, allowPathsFromIntent(intent))
	findings, err := toPayloadList(review.Findings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "review encode failed: "+err.Error())
		return
	}
	reviewEvent, err := g.store.Append(ctx, "system:evidence_review", ledger.ActionEvidenceReview, map[string]interface{}{
		"proposal_id":           intent.ID,
		"chain_id":              packet.ChainID,
		"evidence_hash":         packet.EvidenceHash,
		"passed":                review.Passed,
		"findings_count":        len(review.Findings),
		"risk_delta":            review.RiskDelta,
		"scope_compliant":       review.ScopeCompliant,
		"findings_summary":      findings,
		"risk_map_version_hash": evidence.RiskMapVersionHash(),
		"reviewed_at":           review.ReviewedAt,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger append failed: "+err.Error())
		return
	}
	g.metrics.LedgerAppendsTotal.WithLabelValues(ledger.ActionEvidenceReview).Inc()

	resp := executeResponse{
		Status:          "executed",
		EvidenceEventID: packetEvent.ID,
		ReviewEventID:   reviewEvent.ID,
		Evidence:        packet,
		Review:          review,
	}

	if evidence.ShouldAutoApprove(tier, review) {
		autoEvent, err := g.store.Append(ctx, "system:evidence_review", ledger.ActionEvidenceAutoApprove, map[string]interface{}{
			"proposal_id":   intent.ID,
			"auto_approved": true,
			"reason":        "Evidence review passed with low risk delta",
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "ledger append failed: "+err.Error())
			return
		}
		g.metrics.LedgerAppendsTotal.WithLabelValues(ledger.ActionEvidenceAutoApprove).Inc()
		g.metrics.EvidenceAutoApprove.Inc()
		resp.AutoApproveEventID = autoEvent.ID
	}

	writeJSON(w, http.StatusOK, resp)
}

// allowPathsFromIntent extracts the declared scope, when the envelope form
// carried one. Nil means no scope was declared.
func allowPathsFromIntent(intent *ledger.Event) []string {
	m, err := intent.PayloadMap()
	if err != nil {
		return nil
	}
	scope, ok := m["scope"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := scope["allow_paths"].([]interface{})
	if !ok {
		return nil
	}
	paths := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok {
			paths = append(paths, s)
		}
	}
	return paths
}

// tierDescription is the human-readable policy line for a tier.
func tierDescription(tier int) string {
	p, err := autonomy.PolicyForTier(tier)
	if err != nil {
		return ""
	}
	return p.Description
}

// toPayload converts a struct to the map form ledger appends take.
func toPayload(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toPayloadList(v interface{}) ([]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}
