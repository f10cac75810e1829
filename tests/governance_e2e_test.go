// Package tests drives the whole governance pipeline end to end through the
// HTTP surface: proposal, policy evaluation, escalation, human approval,
// one-shot consumption, sandboxed execution, evidence review, and the
// integrity of the audit spine underneath it all.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlugo63/gavel/internal/autonomy"
	"github.com/jlugo63/gavel/internal/config"
	"github.com/jlugo63/gavel/internal/gateway"
	"github.com/jlugo63/gavel/internal/identity"
	"github.com/jlugo63/gavel/internal/ledger"
	"github.com/jlugo63/gavel/internal/monitoring"
	"github.com/jlugo63/gavel/internal/policy"
	"github.com/jlugo63/gavel/internal/sandbox"
	"github.com/jlugo63/gavel/pkg/sdk"
)

const adminToken = "e2e-admin-token"

type stubRunner struct {
	result *sandbox.Result
}

func (s *stubRunner) Run(ctx context.Context, command, workspaceDir string, cfg sandbox.Config) (*sandbox.Result, error) {
	return s.result, nil
}

func (s *stubRunner) Available(ctx context.Context) bool { return true }

type pipeline struct {
	server *httptest.Server
	store  *ledger.Memory
}

func startPipeline(t *testing.T) *pipeline {
	t.Helper()

	identities := map[string]interface{}{
		"actors": map[string]interface{}{
			"human:admin": map[string]interface{}{
				"role": "admin", "status": "active", "tier": 3,
				"key_fingerprint": identity.Fingerprint(adminToken),
			},
			"agent:builder-01": map[string]interface{}{
				"role": "builder", "status": "active", "tier": 1,
			},
		},
	}
	raw, err := json.Marshal(identities)
	require.NoError(t, err)
	idPath := filepath.Join(t.TempDir(), "identities.json")
	require.NoError(t, os.WriteFile(idPath, raw, 0o600))

	store := ledger.NewMemory("v1")
	registry, err := identity.Load(idPath)
	require.NoError(t, err)
	engine, err := policy.NewEngine("")
	require.NoError(t, err)
	runner := &stubRunner{result: &sandbox.Result{
		ExitCode: 0,
		Stdout:   "hello\n",
		Diff: sandbox.Diff{
			Added:     map[string]string{},
			Modified:  map[string]string{},
			Deleted:   map[string]string{},
			Unchanged: map[string]string{},
		},
	}}
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw := gateway.New(store, registry, engine, runner, metrics, logger, config.Defaults())
	server := httptest.NewServer(gw.Router())
	t.Cleanup(server.Close)

	return &pipeline{server: server, store: store}
}

func (p *pipeline) post(t *testing.T, path string, body map[string]interface{}, bearer string) (int, map[string]interface{}) {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest("POST", p.server.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestFullGovernancePipeline(t *testing.T) {
	p := startPipeline(t)

	// 1. A benign proposal clears policy immediately.
	status, body := p.post(t, "/propose", map[string]interface{}{
		"actor_id":    "agent:builder-01",
		"action_type": "bash",
		"content":     "echo hello",
	}, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "APPROVED", body["decision"])
	proposalID := body["intent_event_id"].(string)

	// 2. Execution produces evidence, a deterministic review, and (for a
	// clean tier-1 run) the auto-approve record.
	status, exec := p.post(t, "/execute", map[string]interface{}{
		"proposal_id": proposalID,
	}, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "executed", exec["status"])
	assert.NotEmpty(t, exec["evidence_event_id"])
	assert.NotEmpty(t, exec["review_event_id"])
	assert.NotEmpty(t, exec["auto_approve_event_id"])

	evidenceDoc := exec["evidence"].(map[string]interface{})
	assert.Equal(t, proposalID, evidenceDoc["proposal_id"])
	assert.NotEmpty(t, evidenceDoc["evidence_hash"])

	// 3. Every event hashes cleanly against its predecessor.
	report, err := p.store.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Total)
	assert.Zero(t, report.Broken)
}

func TestEscalationLifecycleOverHTTP(t *testing.T) {
	p := startPipeline(t)

	// Network access escalates for human review.
	status, body := p.post(t, "/propose", map[string]interface{}{
		"actor_id":    "agent:builder-01",
		"action_type": "bash",
		"content":     "curl https://api.example.com/data",
	}, "")
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, "ESCALATED", body["decision"])
	intentID := body["intent_event_id"].(string)
	policyID := body["policy_event_id"].(string)

	// Execution is parked until a human decides.
	status, _ = p.post(t, "/execute", map[string]interface{}{"proposal_id": intentID}, "")
	assert.Equal(t, http.StatusAccepted, status)

	// An admin approves.
	status, verdict := p.post(t, "/approve", map[string]interface{}{
		"intent_event_id": intentID,
		"policy_event_id": policyID,
		"reason":          "vetted endpoint",
	}, adminToken)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", verdict["status"])

	// The identical re-proposal consumes the approval exactly once.
	status, body = p.post(t, "/propose", map[string]interface{}{
		"actor_id":    "agent:builder-01",
		"action_type": "bash",
		"content":     "curl https://api.example.com/data",
	}, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "APPROVED", body["decision"])
	assert.NotEmpty(t, body["approval_consumed_event_id"])

	status, body = p.post(t, "/propose", map[string]interface{}{
		"actor_id":    "agent:builder-01",
		"action_type": "bash",
		"content":     "curl https://api.example.com/data",
	}, "")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "ESCALATED", body["decision"])
}

func TestSweeperAutoDeniesThenExecuteIsGone(t *testing.T) {
	p := startPipeline(t)

	status, body := p.post(t, "/propose", map[string]interface{}{
		"actor_id":    "agent:builder-01",
		"action_type": "bash",
		"content":     "wget https://example.com/file",
	}, "")
	require.Equal(t, http.StatusAccepted, status)
	intentID := body["intent_event_id"].(string)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sweeper := autonomy.NewSweeper(p.store, autonomy.DefaultTimeouts, time.Minute, logger)
	sweeper.Clock = func() time.Time { return time.Now().Add(2 * time.Hour) }

	denied, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{intentID}, denied)

	// The resolution event now blocks execution permanently.
	status, resp := p.post(t, "/execute", map[string]interface{}{"proposal_id": intentID}, "")
	assert.Equal(t, http.StatusGone, status)
	assert.Contains(t, resp["error"], "auto-denied")
}

func TestSDKAgainstLivePipeline(t *testing.T) {
	p := startPipeline(t)

	agent := sdk.NewClient(sdk.Config{GatewayURL: p.server.URL, ActorID: "agent:builder-01"})
	admin := sdk.NewClient(sdk.Config{GatewayURL: p.server.URL, ActorID: "human:admin", APIKey: adminToken})

	health, err := agent.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "operational", health["status"])

	proposal, err := agent.Propose(context.Background(), "bash", "curl https://example.com")
	require.NoError(t, err)
	require.Equal(t, sdk.DecisionEscalated, proposal.Decision)

	verdict, err := admin.Approve(context.Background(), proposal.IntentEventID, proposal.PolicyEventID, "ok")
	require.NoError(t, err)
	require.True(t, verdict.Success)

	retry, err := agent.Propose(context.Background(), "bash", "curl https://example.com")
	require.NoError(t, err)
	assert.True(t, retry.Cleared())
	assert.NotEmpty(t, retry.ApprovalConsumedEventID)

	exec, err := agent.Execute(context.Background(), retry.IntentEventID)
	require.NoError(t, err)
	assert.Equal(t, "executed", exec.Status)

	summary, err := agent.Escalations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 300, summary.InitialTimeoutSeconds)
}
