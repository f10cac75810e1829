package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jlugo63/gavel/internal/ledger"
)

// eventQueryResult is the paginated response for spine queries.
type eventQueryResult struct {
	Events []*ledger.Event `json:"events"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// handleEvents serves read-only audit queries over the spine.
// GET /events?actor_id=X&action_type=Y&chain_id=Z&since=RFC3339&limit=50&offset=0
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	var since time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "since must be RFC3339")
			return
		}
		since = t
	}

	all, err := g.store.Events(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable: "+err.Error())
		return
	}

	actorID := q.Get("actor_id")
	actionType := q.Get("action_type")
	chainID := q.Get("chain_id")

	filtered := make([]*ledger.Event, 0, len(all))
	for _, e := range all {
		if actorID != "" && e.ActorID != actorID {
			continue
		}
		if actionType != "" && e.ActionType != actionType {
			continue
		}
		if chainID != "" && e.PayloadString("chain_id") != chainID {
			continue
		}
		if !since.IsZero() && e.CreatedAt.Before(since) {
			continue
		}
		filtered = append(filtered, e)
	}

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, eventQueryResult{
		Events: filtered[offset:end],
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleEvent fetches a single spine event by id.
func (g *Gateway) handleEvent(w http.ResponseWriter, r *http.Request) {
	event, err := g.store.Get(r.Context(), mux.Vars(r)["eventID"])
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown event")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// handleVerify re-hashes the whole spine and reports chain integrity.
func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := g.store.VerifyChain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":       report.Total,
		"broken":      report.Broken,
		"first_break": report.FirstBreak,
		"merkle_root": report.Root,
		"intact":      report.Broken == 0,
	})
}
