package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jlugo63/gavel/internal/canonical"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id                  UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    created_at          TIMESTAMPTZ NOT NULL,
    actor_id            TEXT NOT NULL,
    action_type         TEXT NOT NULL,
    intent_payload      JSONB NOT NULL,
    policy_version      TEXT NOT NULL,
    event_hash          TEXT NOT NULL UNIQUE,
    previous_event_hash TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_audit_events_order  ON audit_events (created_at, id);
CREATE INDEX IF NOT EXISTS idx_audit_events_actor  ON audit_events (actor_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events (action_type);
`

// Postgres persists the spine in a single audit_events table. The UNIQUE
// constraint on previous_event_hash is the fork guard: two writers that read
// the same tail cannot both commit, the loser retries against the new tail.
type Postgres struct {
	db            *sql.DB
	policyVersion string

	// OnRetry, when set, is called once per append retry. Used for metrics.
	OnRetry func(attempt int)
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(dbURL, policyVersion string) (*Postgres, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ledger: ping database: %w", err)
	}
	return &Postgres{db: db, policyVersion: policyVersion}, nil
}

// EnsureSchema creates the audit_events table and its indexes if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ledger: ensure schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Append(ctx context.Context, actorID, actionType string, payload map[string]interface{}) (*Event, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < appendMaxRetries; attempt++ {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(attempt)
			}
			select {
			case <-time.After(time.Duration(appendBackoffMillis*attempt) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		e, err := p.appendOnce(ctx, actorID, actionType, canon)
		if err == nil {
			return e, nil
		}
		if !retryablePQError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (p *Postgres) appendOnce(ctx context.Context, actorID, actionType string, canonicalPayload []byte) (*Event, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin append: %w", err)
	}
	defer tx.Rollback()

	// Lock the current tail so concurrent appenders queue rather than fork.
	prev := GenesisHash
	var tailAt time.Time
	row := tx.QueryRowContext(ctx, `
		SELECT event_hash, created_at
		FROM audit_events
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`)
	switch err := row.Scan(&prev, &tailAt); err {
	case nil, sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("ledger: read tail: %w", err)
	}

	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	if !tailAt.IsZero() && !createdAt.After(tailAt) {
		createdAt = tailAt.Add(time.Microsecond)
	}

	e := &Event{
		CreatedAt:         createdAt,
		ActorID:           actorID,
		ActionType:        actionType,
		Payload:           canonicalPayload,
		PolicyVersion:     p.policyVersion,
		PreviousEventHash: prev,
	}
	e.EventHash = ComputeHash(prev, actorID, actionType, canonicalPayload, p.policyVersion, canonical.Timestamp(createdAt))

	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_events
			(created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		RETURNING id`,
		e.CreatedAt, e.ActorID, e.ActionType, string(e.Payload), e.PolicyVersion, e.EventHash, e.PreviousEventHash,
	).Scan(&e.ID)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit append: %w", err)
	}
	return e, nil
}

// retryablePQError reports whether an append failure means tail contention:
// serialization failure, deadlock, or the previous_event_hash unique guard.
func retryablePQError(err error) bool {
	pqErr, ok := unwrapPQ(err)
	if !ok {
		return false
	}
	switch string(pqErr.Code) {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

func unwrapPQ(err error) (*pq.Error, bool) {
	for err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return pqErr, true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

const eventColumns = `id, created_at, actor_id, action_type, intent_payload::text, policy_version, event_hash, previous_event_hash`

func scanEvent(row interface{ Scan(...interface{}) error }) (*Event, error) {
	var e Event
	var payload string
	if err := row.Scan(&e.ID, &e.CreatedAt, &e.ActorID, &e.ActionType, &payload, &e.PolicyVersion, &e.EventHash, &e.PreviousEventHash); err != nil {
		return nil, err
	}
	// JSONB does not preserve key order or spacing; restore the exact hashed
	// bytes by re-canonicalising.
	canon, err := canonical.Bytes([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("ledger: payload for event %s: %w", e.ID, err)
	}
	e.Payload = canon
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	return &e, nil
}

func (p *Postgres) Get(ctx context.Context, eventID string) (*Event, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE id::text = $1`, eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get event: %w", err)
	}
	return e, nil
}

func (p *Postgres) Events(ctx context.Context) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) ChainRole(ctx context.Context, chainID, actorID string) (string, error) {
	var role sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT intent_payload->>'role'
		FROM audit_events
		WHERE action_type = $1
		  AND actor_id = $2
		  AND intent_payload->>'chain_id' = $3
		ORDER BY created_at ASC, id ASC
		LIMIT 1`,
		ActionInboundIntent, actorID, chainID,
	).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger: chain role: %w", err)
	}
	return role.String, nil
}

func (p *Postgres) FindPolicyEvalForIntent(ctx context.Context, intentEventID string) (*Event, error) {
	intent, err := p.Get(ctx, intentEventID)
	if err != nil {
		return nil, err
	}
	if intent.ActionType != ActionInboundIntent {
		return nil, ErrNotFound
	}

	// Direct reference first.
	row := p.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		WHERE action_type LIKE 'POLICY_EVAL:%'
		  AND intent_payload->>'intent_event_id' = $1
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, intentEventID)
	e, err := scanEvent(row)
	if err == nil {
		return e, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("ledger: find policy eval: %w", err)
	}

	// Legacy events carry no reference; correlate by actor and time.
	row = p.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		WHERE action_type LIKE 'POLICY_EVAL:%'
		  AND actor_id = $1
		  AND created_at >= $2
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, intent.ActorID, intent.CreatedAt)
	e, err = scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: correlate policy eval: %w", err)
	}
	return e, nil
}

func (p *Postgres) FindValidApproval(ctx context.Context, actorID, actionType, content string, ttl time.Duration) (*Event, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT a.id, a.created_at, a.actor_id, a.action_type, a.intent_payload::text,
		       a.policy_version, a.event_hash, a.previous_event_hash
		FROM audit_events a
		JOIN audit_events i ON i.id::text = a.intent_payload->>'intent_event_id'
		WHERE a.action_type = $1
		  AND a.created_at >= $2
		  AND i.actor_id = $3
		  AND i.intent_payload->>'action_type' = $4
		  AND i.intent_payload->>'content' = $5
		  AND NOT EXISTS (
		      SELECT 1 FROM audit_events c
		      WHERE c.action_type = $6
		        AND c.intent_payload->>'approval_event_id' = a.id::text
		  )
		ORDER BY a.created_at DESC, a.id DESC
		LIMIT 1`,
		ActionHumanApprovalGranted, time.Now().UTC().Add(-ttl), actorID, actionType, content, ActionApprovalConsumed)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: find approval: %w", err)
	}
	return e, nil
}

func (p *Postgres) ResolutionForIntent(ctx context.Context, intentEventID string) (*Event, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		WHERE action_type = ANY($1)
		  AND (intent_payload->>'intent_event_id' = $2
		       OR intent_payload->>'current_intent_event_id' = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		pq.Array(resolutionActionList()), intentEventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: resolution for intent: %w", err)
	}
	return e, nil
}

func (p *Postgres) ConsumeApproval(ctx context.Context, approvalEventID, actorID string, payload map[string]interface{}) (*Event, error) {
	// Conditional append: check-then-insert inside one serializable tx so two
	// executors cannot both consume the same approval.
	if payload == nil {
		payload = map[string]interface{}{}
	}
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < appendMaxRetries; attempt++ {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(attempt)
			}
			select {
			case <-time.After(time.Duration(appendBackoffMillis*attempt) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		e, err := p.consumeOnce(ctx, approvalEventID, actorID, canon)
		if err == nil || err == ErrAlreadyConsumed {
			return e, err
		}
		if !retryablePQError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (p *Postgres) consumeOnce(ctx context.Context, approvalEventID, actorID string, canonicalPayload []byte) (*Event, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("ledger: begin consume: %w", err)
	}
	defer tx.Rollback()

	var already bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM audit_events
		    WHERE action_type = $1
		      AND intent_payload->>'approval_event_id' = $2
		)`, ActionApprovalConsumed, approvalEventID).Scan(&already)
	if err != nil {
		return nil, fmt.Errorf("ledger: check consumption: %w", err)
	}
	if already {
		return nil, ErrAlreadyConsumed
	}

	prev := GenesisHash
	var tailAt time.Time
	row := tx.QueryRowContext(ctx, `
		SELECT event_hash, created_at
		FROM audit_events
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`)
	switch err := row.Scan(&prev, &tailAt); err {
	case nil, sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("ledger: read tail: %w", err)
	}

	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	if !tailAt.IsZero() && !createdAt.After(tailAt) {
		createdAt = tailAt.Add(time.Microsecond)
	}

	e := &Event{
		CreatedAt:         createdAt,
		ActorID:           actorID,
		ActionType:        ActionApprovalConsumed,
		Payload:           canonicalPayload,
		PolicyVersion:     p.policyVersion,
		PreviousEventHash: prev,
	}
	e.EventHash = ComputeHash(prev, actorID, ActionApprovalConsumed, canonicalPayload, p.policyVersion, canonical.Timestamp(createdAt))

	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_events
			(created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		RETURNING id`,
		e.CreatedAt, e.ActorID, e.ActionType, string(e.Payload), e.PolicyVersion, e.EventHash, e.PreviousEventHash,
	).Scan(&e.ID)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert consumption: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit consume: %w", err)
	}
	return e, nil
}

func (p *Postgres) EscalatedIntents(ctx context.Context) ([]EscalatedIntent, error) {
	// Each ESCALATED eval is paired with its intent: by explicit reference
	// when present, otherwise the newest intent by the same actor at or
	// before the eval.
	rows, err := p.db.QueryContext(ctx, `
		SELECT pe.id, i.id, pe.actor_id, i.created_at
		FROM audit_events pe
		LEFT JOIN LATERAL (
		    SELECT id, created_at
		    FROM audit_events c
		    WHERE (pe.intent_payload->>'intent_event_id' IS NOT NULL
		           AND c.id::text = pe.intent_payload->>'intent_event_id')
		       OR (pe.intent_payload->>'intent_event_id' IS NULL
		           AND c.action_type = $1
		           AND c.actor_id = pe.actor_id
		           AND c.created_at <= pe.created_at)
		    ORDER BY c.created_at DESC, c.id DESC
		    LIMIT 1
		) i ON TRUE
		WHERE pe.action_type LIKE 'POLICY_EVAL:%'
		  AND pe.intent_payload->>'decision' = 'ESCALATED'
		  AND i.id IS NOT NULL
		ORDER BY pe.created_at DESC, pe.id DESC`,
		ActionInboundIntent)
	if err != nil {
		return nil, fmt.Errorf("ledger: escalated intents: %w", err)
	}
	defer rows.Close()

	var out []EscalatedIntent
	for rows.Next() {
		var ei EscalatedIntent
		if err := rows.Scan(&ei.PolicyEventID, &ei.IntentEventID, &ei.ActorID, &ei.IntentCreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan escalated intent: %w", err)
		}
		ei.IntentCreatedAt = ei.IntentCreatedAt.UTC().Truncate(time.Microsecond)
		out = append(out, ei)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolvedIntentIDs(ctx context.Context, intentIDs []string) (map[string]struct{}, error) {
	resolved := make(map[string]struct{})
	if len(intentIDs) == 0 {
		return resolved, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ref
		FROM audit_events,
		     LATERAL (VALUES (intent_payload->>'intent_event_id'),
		                     (intent_payload->>'current_intent_event_id')) AS refs(ref)
		WHERE action_type = ANY($1)
		  AND ref = ANY($2)`,
		pq.Array(resolutionActionList()), pq.Array(intentIDs))
	if err != nil {
		return nil, fmt.Errorf("ledger: resolved intents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: scan resolved intent: %w", err)
		}
		resolved[id] = struct{}{}
	}
	return resolved, rows.Err()
}

func (p *Postgres) VerifyChain(ctx context.Context) (VerifyReport, error) {
	events, err := p.Events(ctx)
	if err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{Total: len(events)}
	prev := GenesisHash
	for _, e := range events {
		recomputed := ComputeHash(e.PreviousEventHash, e.ActorID, e.ActionType, e.Payload, e.PolicyVersion, canonical.Timestamp(e.CreatedAt))
		if e.PreviousEventHash != prev || e.EventHash != recomputed {
			report.Broken++
			if report.FirstBreak == "" {
				report.FirstBreak = e.ID
			}
		}
		prev = e.EventHash
	}
	report.Root = MerkleRoot(events)
	return report, nil
}

func resolutionActionList() []string {
	out := make([]string, 0, len(resolutionActions))
	for a := range resolutionActions {
		out = append(out, a)
	}
	return out
}
