package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlugo63/gavel/internal/canonical"
)

func TestComputeHashMatchesFormula(t *testing.T) {
	payload := []byte(`{"action_type":"bash","content":"ls"}`)
	got := ComputeHash("GENESIS", "agent:alpha", "INBOUND_INTENT", payload, "v1", "2026-01-02T03:04:05.000006Z")

	manual := sha256.Sum256([]byte(
		"GENESIS|agent:alpha|INBOUND_INTENT|" + string(payload) + "|v1|2026-01-02T03:04:05.000006Z"))
	assert.Equal(t, hex.EncodeToString(manual[:]), got)
}

func TestPolicyEvalAction(t *testing.T) {
	assert.Equal(t, "POLICY_EVAL:FILE_WRITE", PolicyEvalAction("file_write"))
	assert.Equal(t, "POLICY_EVAL:BASH", PolicyEvalAction("bash"))
}

func TestAppendChainsFromGenesis(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("v1")

	first, err := store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{"content": "a"})
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, first.PreviousEventHash)
	assert.NotEmpty(t, first.EventHash)

	second, err := store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{"content": "b"})
	require.NoError(t, err)
	assert.Equal(t, first.EventHash, second.PreviousEventHash)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))
}

func TestVerifyChainCleanAndTampered(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("v1")
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{"seq": i})
		require.NoError(t, err)
	}

	report, err := store.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 0, report.Broken)
	assert.Empty(t, report.FirstBreak)

	// Tamper with one payload: its own hash breaks, and linkage stays intact
	// for the rest, so exactly one event is flagged.
	store.events[2].Payload = []byte(`{"seq":99}`)
	report, err = store.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Broken)
	assert.Equal(t, store.events[2].ID, report.FirstBreak)
}

func TestConcurrentAppendsNeverFork(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("v1")

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{
					"writer": w, "seq": i,
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	report, err := store.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, report.Total)
	assert.Equal(t, 0, report.Broken)

	events, err := store.Events(ctx)
	require.NoError(t, err)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].CreatedAt.After(events[i-1].CreatedAt))
		assert.Equal(t, events[i-1].EventHash, events[i].PreviousEventHash)
	}
}

func TestPayloadBytesAreCanonical(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("v1")

	e, err := store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{
		"zeta": 1, "alpha": "x",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","zeta":1}`, string(e.Payload))

	recomputed := ComputeHash(e.PreviousEventHash, e.ActorID, e.ActionType, e.Payload, e.PolicyVersion, canonical.Timestamp(e.CreatedAt))
	assert.Equal(t, e.EventHash, recomputed)
}

func TestChainRoleReturnsFirstBinding(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("v1")

	_, err := store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{
		"chain_id": "chain-1", "role": "builder",
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{
		"chain_id": "chain-1", "role": "builder",
	})
	require.NoError(t, err)

	role, err := store.ChainRole(ctx, "chain-1", "agent:alpha")
	require.NoError(t, err)
	assert.Equal(t, "builder", role)

	role, err = store.ChainRole(ctx, "chain-2", "agent:alpha")
	require.NoError(t, err)
	assert.Empty(t, role)
}

func TestFindPolicyEvalExplicitAndFallback(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("v1")

	intent, err := store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{"content": "x"})
	require.NoError(t, err)
	eval, err := store.Append(ctx, "agent:alpha", PolicyEvalAction("bash"), map[string]interface{}{
		"decision": "APPROVED", "intent_event_id": intent.ID,
	})
	require.NoError(t, err)

	found, err := store.FindPolicyEvalForIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, eval.ID, found.ID)

	// Legacy events without the explicit reference fall back to actor/time
	// correlation.
	legacyIntent, err := store.Append(ctx, "agent:beta", ActionInboundIntent, map[string]interface{}{"content": "y"})
	require.NoError(t, err)
	legacyEval, err := store.Append(ctx, "agent:beta", PolicyEvalAction("bash"), map[string]interface{}{
		"decision": "ESCALATED",
	})
	require.NoError(t, err)

	found, err = store.FindPolicyEvalForIntent(ctx, legacyIntent.ID)
	require.NoError(t, err)
	assert.Equal(t, legacyEval.ID, found.ID)

	_, err = store.FindPolicyEvalForIntent(ctx, eval.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApprovalMatchingAndOneShotConsumption(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("v1")

	intent, err := store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{
		"action_type": "file_write", "content": "patch main.go",
	})
	require.NoError(t, err)
	approval, err := store.Append(ctx, "human:admin", ActionHumanApprovalGranted, map[string]interface{}{
		"intent_event_id": intent.ID,
	})
	require.NoError(t, err)

	found, err := store.FindValidApproval(ctx, "agent:alpha", "file_write", "patch main.go", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, approval.ID, found.ID)

	// Any field mismatch means no approval.
	_, err = store.FindValidApproval(ctx, "agent:alpha", "file_write", "patch other.go", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindValidApproval(ctx, "agent:beta", "file_write", "patch main.go", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindValidApproval(ctx, "agent:alpha", "bash", "patch main.go", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.ConsumeApproval(ctx, approval.ID, "agent:alpha", map[string]interface{}{
		"approval_event_id": approval.ID,
	})
	require.NoError(t, err)

	_, err = store.FindValidApproval(ctx, "agent:alpha", "file_write", "patch main.go", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.ConsumeApproval(ctx, approval.ID, "agent:alpha", map[string]interface{}{
		"approval_event_id": approval.ID,
	})
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestApprovalExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("v1")

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.Clock = func() time.Time { return base }

	intent, err := store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{
		"action_type": "bash", "content": "make test",
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, "human:admin", ActionHumanApprovalGranted, map[string]interface{}{
		"intent_event_id": intent.ID,
	})
	require.NoError(t, err)

	store.Clock = func() time.Time { return base.Add(30 * time.Minute) }
	_, err = store.FindValidApproval(ctx, "agent:alpha", "bash", "make test", time.Hour)
	require.NoError(t, err)

	store.Clock = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = store.FindValidApproval(ctx, "agent:alpha", "bash", "make test", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEscalatedIntentsAndResolution(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("v1")

	intent, err := store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{
		"action_type": "file_write", "content": "x",
	})
	require.NoError(t, err)
	eval, err := store.Append(ctx, "agent:alpha", PolicyEvalAction("file_write"), map[string]interface{}{
		"decision": "ESCALATED", "intent_event_id": intent.ID,
	})
	require.NoError(t, err)

	pending, err := store.EscalatedIntents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, eval.ID, pending[0].PolicyEventID)
	assert.Equal(t, intent.ID, pending[0].IntentEventID)

	resolved, err := store.ResolvedIntentIDs(ctx, []string{intent.ID})
	require.NoError(t, err)
	assert.Empty(t, resolved)

	denial, err := store.Append(ctx, "human:admin", ActionHumanDenial, map[string]interface{}{
		"intent_event_id": intent.ID,
	})
	require.NoError(t, err)

	resolved, err = store.ResolvedIntentIDs(ctx, []string{intent.ID})
	require.NoError(t, err)
	assert.Contains(t, resolved, intent.ID)

	res, err := store.ResolutionForIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, denial.ID, res.ID)
}

func TestMerkleRootCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("v1")

	assert.Empty(t, MerkleRoot(nil))

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{
			"action_type": "bash", "content": "echo", "seq": i,
		})
		require.NoError(t, err)
	}
	events, err := store.Events(ctx)
	require.NoError(t, err)

	// Odd leaf count pairs the last hash with itself.
	root := MerkleRoot(events)
	assert.Len(t, root, 64)
	assert.Equal(t, root, MerkleRoot(events))

	// One leaf: the root is the event hash itself.
	assert.Equal(t, events[0].EventHash, MerkleRoot(events[:1]))

	// The checkpoint moves with every append.
	_, err = store.Append(ctx, "agent:alpha", ActionInboundIntent, map[string]interface{}{
		"action_type": "bash", "content": "echo", "seq": 3,
	})
	require.NoError(t, err)
	report, err := store.VerifyChain(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, root, report.Root)
	assert.Len(t, report.Root, 64)
}
