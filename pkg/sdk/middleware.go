package sdk

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// GovMiddleware is HTTP middleware that intercepts tool-call style requests
// and proposes them to the governance gateway before the handler runs. A
// denied proposal short-circuits with 403; an escalated one returns 202 with
// the event ids a human reviewer needs.
//
// Usage with standard net/http:
//
//	mux := http.NewServeMux()
//	mux.Handle("/tools/", sdk.GovMiddleware(client, toolHandler))
//
// Usage with Gorilla Mux:
//
//	router.Use(sdk.GovMiddlewareFunc(client))
func GovMiddleware(client *Client, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		actionType, content := extractToolCall(body)
		if actionType == "" {
			next.ServeHTTP(w, r)
			return
		}

		result, govErr := client.Propose(r.Context(), actionType, content)
		if govErr != nil {
			// Fail closed: an unreachable gateway means no execution.
			slog.Error("governance gateway unreachable, refusing tool call", "error", govErr)
			http.Error(w, "governance gateway unreachable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("X-Gavel-Decision", result.Decision)
		w.Header().Set("X-Gavel-Intent-Event", result.IntentEventID)

		switch result.Decision {
		case DecisionDenied:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":           "tool call denied by governance policy",
				"decision":        result.Decision,
				"rationale":       result.Rationale,
				"intent_event_id": result.IntentEventID,
			})
			return
		case DecisionEscalated:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":          "held_for_human_review",
				"decision":        result.Decision,
				"intent_event_id": result.IntentEventID,
				"policy_event_id": result.PolicyEventID,
				"expires_at":      result.ExpiresAt,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// GovMiddlewareFunc returns Gorilla Mux compatible middleware.
func GovMiddlewareFunc(client *Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return GovMiddleware(client, next)
	}
}

// extractToolCall pulls (action type, content) out of the common tool-call
// request shapes: explicit tool_name, MCP name, or OpenAI function.
func extractToolCall(body []byte) (string, interface{}) {
	var toolReq struct {
		ToolName  string                 `json:"tool_name"`
		Name      string                 `json:"name"`
		Function  string                 `json:"function"`
		Arguments map[string]interface{} `json:"arguments"`
		Params    map[string]interface{} `json:"params"`
		Command   string                 `json:"command"`
	}
	if json.Unmarshal(body, &toolReq) != nil {
		return "", nil
	}

	name := toolReq.ToolName
	if name == "" {
		name = toolReq.Name
	}
	if name == "" {
		name = toolReq.Function
	}
	if name == "" {
		return "", nil
	}

	if toolReq.Command != "" {
		return name, toolReq.Command
	}
	if toolReq.Arguments != nil {
		return name, toolReq.Arguments
	}
	if toolReq.Params != nil {
		return name, toolReq.Params
	}
	return name, map[string]interface{}{}
}
