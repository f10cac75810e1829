// Package sdk is the client library agents embed to route every action
// through the governance gateway instead of executing it directly.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    GatewayURL: "http://localhost:8080",
//	    ActorID:    "agent:builder-01",
//	})
//
//	result, err := client.Propose(ctx, "bash", "echo hello")
//	if result.Cleared() {
//	    exec, err := client.Execute(ctx, result.IntentEventID)
//	    ...
//	}
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Config holds the SDK configuration.
type Config struct {
	// GatewayURL is the governance gateway endpoint (required).
	GatewayURL string

	// ActorID identifies this agent on the audit spine (required).
	ActorID string

	// APIKey is the admin bearer token, needed only for Approve and Deny.
	APIKey string

	// Timeout for gateway requests. Defaults to 30s; executions can take the
	// full sandbox window, so size it to the Blast Box timeout plus margin.
	Timeout time.Duration

	// OnDenied is called when a proposal is denied outright.
	OnDenied func(result *ProposalResult)

	// OnEscalated is called when a proposal is held for human review.
	OnEscalated func(result *ProposalResult)
}

// Client talks to the governance gateway.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient builds a gateway client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Propose submits an action for policy evaluation. Content may be a string
// command or a structured document.
func (c *Client) Propose(ctx context.Context, actionType string, content interface{}) (*ProposalResult, error) {
	var result ProposalResult
	err := c.post(ctx, "/propose", map[string]interface{}{
		"actor_id":    c.config.ActorID,
		"action_type": actionType,
		"content":     content,
	}, "", &result)
	if err != nil {
		return nil, err
	}

	switch result.Decision {
	case DecisionDenied:
		if c.config.OnDenied != nil {
			c.config.OnDenied(&result)
		}
	case DecisionEscalated:
		if c.config.OnEscalated != nil {
			c.config.OnEscalated(&result)
		}
	}
	return &result, nil
}

// ProposeInChain is Propose with an explicit chain id and role, for agents
// participating in a multi-step chain.
func (c *Client) ProposeInChain(ctx context.Context, chainID, role, actionType string, content interface{}) (*ProposalResult, error) {
	var result ProposalResult
	err := c.post(ctx, "/propose", map[string]interface{}{
		"actor_id":    c.config.ActorID,
		"action_type": actionType,
		"content":     content,
		"chain_id":    chainID,
		"role":        role,
	}, "", &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Approve records a human approval for an escalated proposal. Requires
// APIKey to be an active admin token.
func (c *Client) Approve(ctx context.Context, intentEventID, policyEventID, reason string) (*ReviewResult, error) {
	return c.review(ctx, "/approve", "approval_event_id", intentEventID, policyEventID, reason)
}

// Deny records a human denial for an escalated proposal.
func (c *Client) Deny(ctx context.Context, intentEventID, policyEventID, reason string) (*ReviewResult, error) {
	return c.review(ctx, "/deny", "denial_event_id", intentEventID, policyEventID, reason)
}

func (c *Client) review(ctx context.Context, path, idKey, intentEventID, policyEventID, reason string) (*ReviewResult, error) {
	if c.config.APIKey == "" {
		return &ReviewResult{Error: "no APIKey configured on client"}, nil
	}

	body := map[string]interface{}{
		"intent_event_id": intentEventID,
		"policy_event_id": policyEventID,
	}
	if reason != "" {
		body["reason"] = reason
	}

	var raw map[string]interface{}
	status, err := c.postStatus(ctx, path, body, c.config.APIKey, &raw)
	if err != nil {
		return nil, err
	}

	result := &ReviewResult{Success: status == http.StatusOK}
	if id, ok := raw[idKey].(string); ok {
		result.EventID = id
	}
	if msg, ok := raw["error"].(string); ok {
		result.Error = msg
	}
	return result, nil
}

// Execute runs a cleared proposal in the Blast Box and returns the evidence.
func (c *Client) Execute(ctx context.Context, proposalID string) (*ExecutionResult, error) {
	var result ExecutionResult
	if err := c.post(ctx, "/execute", map[string]interface{}{
		"proposal_id": proposalID,
	}, "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Escalations returns the liveness snapshot of pending human reviews.
func (c *Client) Escalations(ctx context.Context) (*EscalationSummary, error) {
	var result EscalationSummary
	if err := c.get(ctx, "/escalations", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health checks gateway availability.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var result map[string]string
	if err := c.get(ctx, "/health", &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, bearer string, out interface{}) error {
	_, err := c.postStatus(ctx, path, body, bearer, out)
	return err
}

func (c *Client) postStatus(ctx context.Context, path string, body interface{}, bearer string, out interface{}) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("sdk: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.GatewayURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("sdk: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sdk: gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("sdk: parse response: %w", err)
	}
	return resp.StatusCode, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.config.GatewayURL+path, nil)
	if err != nil {
		return fmt.Errorf("sdk: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sdk: gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sdk: parse response: %w", err)
	}
	return nil
}
