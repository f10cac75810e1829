package gateway

import (
	"net/http"

	"github.com/jlugo63/gavel/internal/autonomy"
)

type escalationsResponse struct {
	Summary               autonomy.Summary `json:"summary"`
	InitialTimeoutSeconds int              `json:"initial_timeout_seconds"`
	MaxTimeoutSeconds     int              `json:"max_timeout_seconds"`
}

func (g *Gateway) handleEscalations(w http.ResponseWriter, r *http.Request) {
	summary, err := autonomy.Snapshot(r.Context(), g.store, g.clock().UTC(), autonomy.Timeouts{
		Initial: g.cfg.EscalationInitial(),
		Hard:    g.cfg.EscalationMax(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, escalationsResponse{
		Summary:               summary,
		InitialTimeoutSeconds: g.cfg.EscalationInitialSeconds,
		MaxTimeoutSeconds:     g.cfg.EscalationMaxSeconds,
	})
}
