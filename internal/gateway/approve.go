package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jlugo63/gavel/internal/canonical"
	"github.com/jlugo63/gavel/internal/identity"
	"github.com/jlugo63/gavel/internal/ledger"
	"github.com/jlugo63/gavel/internal/policy"
)

type reviewRequest struct {
	IntentEventID string `json:"intent_event_id"`
	PolicyEventID string `json:"policy_event_id"`
	Reason        string `json:"reason,omitempty"`
}

func (g *Gateway) handleApprove(w http.ResponseWriter, r *http.Request) {
	g.handleHumanDecision(w, r, ledger.ActionHumanApprovalGranted)
}

func (g *Gateway) handleDeny(w http.ResponseWriter, r *http.Request) {
	g.handleHumanDecision(w, r, ledger.ActionHumanDenial)
}

// handleHumanDecision records a human verdict on an escalated proposal.
// Both endpoints validate the same way; only the appended action differs.
func (g *Gateway) handleHumanDecision(w http.ResponseWriter, r *http.Request, action string) {
	ctx := r.Context()

	admin, ok := g.registry.AuthenticateBearer(identity.BearerFromHeader(r.Header.Get("Authorization")))
	if !ok {
		writeError(w, http.StatusUnauthorized, "valid admin bearer token required")
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}
	if req.IntentEventID == "" || req.PolicyEventID == "" {
		writeError(w, http.StatusUnprocessableEntity, "intent_event_id and policy_event_id are required")
		return
	}

	intent, err := g.store.Get(ctx, req.IntentEventID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown intent event")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable: "+err.Error())
		return
	}

	eval, err := g.store.Get(ctx, req.PolicyEventID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown policy event")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable: "+err.Error())
		return
	}

	if intent.ActionType != ledger.ActionInboundIntent {
		writeError(w, http.StatusUnprocessableEntity, "intent_event_id does not reference an INBOUND_INTENT")
		return
	}
	if !eval.IsPolicyEval() || eval.PayloadString("decision") != policy.DecisionEscalated {
		writeError(w, http.StatusUnprocessableEntity, "policy_event_id does not reference an ESCALATED evaluation")
		return
	}
	if intent.ActorID != eval.ActorID {
		writeError(w, http.StatusUnprocessableEntity, "intent and policy events belong to different actors")
		return
	}

	payload := map[string]interface{}{
		"intent_event_id": req.IntentEventID,
		"policy_event_id": req.PolicyEventID,
		"reviewed_by":     admin.ID,
		"reviewed_at":     canonical.Timestamp(g.clock()),
	}
	if req.Reason != "" {
		payload["reason"] = req.Reason
	}

	event, err := g.store.Append(ctx, admin.ID, action, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger append failed: "+err.Error())
		return
	}
	g.metrics.LedgerAppendsTotal.WithLabelValues(action).Inc()

	if action == ledger.ActionHumanApprovalGranted {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":            "approved",
			"approval_event_id": event.ID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "denied",
		"denial_event_id": event.ID,
	})
}
