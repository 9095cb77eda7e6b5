// Package store persists workflow checkpoints, audit records, and
// conversation history in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/hourglass-hq/hourglass/internal/engine"
)

// Store wraps the Postgres connection.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// SaveCheckpoint upserts the latest workflow snapshot for a request.
func (s *Store) SaveCheckpoint(ctx context.Context, cp engine.Checkpoint) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO workflow_checkpoints (request_id, stage, state, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (request_id) DO UPDATE SET
  stage = EXCLUDED.stage,
  state = EXCLUDED.state,
  updated_at = NOW()
`, cp.RequestID, string(cp.Stage), cp.State)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent snapshot for a request. The bool
// reports whether one exists.
func (s *Store) LatestCheckpoint(ctx context.Context, requestID string) (engine.Checkpoint, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT request_id, stage, state, updated_at
FROM workflow_checkpoints WHERE request_id = $1
`, requestID)
	var (
		cp    engine.Checkpoint
		stage string
	)
	if err := row.Scan(&cp.RequestID, &stage, &cp.State, &cp.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return engine.Checkpoint{}, false, nil
		}
		return engine.Checkpoint{}, false, fmt.Errorf("loading checkpoint: %w", err)
	}
	cp.Stage = engine.Status(stage)
	return cp, true, nil
}

// SaveInteraction appends one interaction record.
func (s *Store) SaveInteraction(ctx context.Context, rec engine.InteractionRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO interaction_records (id, request_id, stage, action, input_summary, output_summary, duration_ms, success, error, channel, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, rec.ID, rec.RequestID, rec.Stage, rec.Action, rec.InputSummary, rec.OutputSummary,
		rec.Duration.Milliseconds(), rec.Success, rec.Error, rec.Channel, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving interaction record: %w", err)
	}
	return nil
}

// ListInteractions returns a request's records in emission order.
func (s *Store) ListInteractions(ctx context.Context, requestID string) ([]engine.InteractionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, request_id, stage, action, input_summary, output_summary, duration_ms, success, error, channel, created_at
FROM interaction_records WHERE request_id = $1 ORDER BY created_at ASC
`, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing interaction records: %w", err)
	}
	defer rows.Close()

	var out []engine.InteractionRecord
	for rows.Next() {
		var (
			rec        engine.InteractionRecord
			durationMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Stage, &rec.Action, &rec.InputSummary,
			&rec.OutputSummary, &durationMs, &rec.Success, &rec.Error, &rec.Channel, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning interaction record: %w", err)
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveFailure appends one failure record.
func (s *Store) SaveFailure(ctx context.Context, rec engine.FailureRecord) error {
	var scorecard []byte
	if rec.Scorecard != nil {
		b, err := json.Marshal(rec.Scorecard)
		if err != nil {
			return fmt.Errorf("encoding scorecard: %w", err)
		}
		scorecard = b
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO failure_records (id, request_id, question, scorecard, refinement_attempted, refinement_succeeded, message_sent, root_cause, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, rec.ID, rec.RequestID, rec.Question, scorecard, rec.RefinementAttempted, rec.RefinementSucceeded,
		rec.MessageSent, rec.RootCause, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving failure record: %w", err)
	}
	return nil
}

// ListFailures returns the most recent failure records.
func (s *Store) ListFailures(ctx context.Context, limit int) ([]engine.FailureRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, request_id, question, scorecard, refinement_attempted, refinement_succeeded, message_sent, root_cause, created_at
FROM failure_records ORDER BY created_at DESC LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing failure records: %w", err)
	}
	defer rows.Close()

	var out []engine.FailureRecord
	for rows.Next() {
		var (
			rec       engine.FailureRecord
			scorecard []byte
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Question, &scorecard, &rec.RefinementAttempted,
			&rec.RefinementSucceeded, &rec.MessageSent, &rec.RootCause, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning failure record: %w", err)
		}
		if len(scorecard) > 0 {
			var card engine.Scorecard
			if err := json.Unmarshal(scorecard, &card); err == nil {
				rec.Scorecard = &card
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendExchange records a completed question/answer pair for a
// conversation.
func (s *Store) AppendExchange(ctx context.Context, conversationID, requestID, question, answer string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning history tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO conversation_messages (conversation_id, request_id, role, content, created_at)
VALUES ($1,$2,$3,$4,NOW())`
	if _, err := tx.ExecContext(ctx, q, conversationID, requestID, "user", question); err != nil {
		return fmt.Errorf("saving user turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx, q, conversationID, requestID, "assistant", answer); err != nil {
		return fmt.Errorf("saving assistant turn: %w", err)
	}
	return tx.Commit()
}

// RecentTurns returns the last limit turns of a conversation, oldest first.
func (s *Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]engine.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT role, content, created_at FROM conversation_messages
WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2
`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}
	defer rows.Close()

	var turns []engine.Turn
	for rows.Next() {
		var t engine.Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.At); err != nil {
			return nil, fmt.Errorf("scanning conversation turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows come back newest first; flip into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ClientSecretHash returns the bcrypt hash for an API client id.
func (s *Store) ClientSecretHash(ctx context.Context, clientID string) (string, error) {
	var hash string
	err := s.DB.QueryRowContext(ctx, `SELECT secret_hash FROM api_clients WHERE client_id = $1`, clientID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("unknown client %q", clientID)
	}
	if err != nil {
		return "", fmt.Errorf("loading client secret: %w", err)
	}
	return hash, nil
}

// PruneAuditRecords deletes interaction and failure records older than
// cutoff and returns how many rows went away.
func (s *Store) PruneAuditRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"interaction_records", "failure_records"} {
		res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, table), cutoff)
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// AuditRecorder adapts the store to the engine's Recorder interface.
// Persistence failures are logged, never surfaced: auditing must not block
// the pipeline.
type AuditRecorder struct {
	Store  *Store
	Logger *log.Logger
}

func (a *AuditRecorder) RecordInteraction(ctx context.Context, rec engine.InteractionRecord) {
	if err := a.Store.SaveInteraction(ctx, rec); err != nil && a.Logger != nil {
		a.Logger.Printf("persisting interaction record %s: %v", rec.ID, err)
	}
}

func (a *AuditRecorder) RecordFailure(ctx context.Context, rec engine.FailureRecord) {
	if err := a.Store.SaveFailure(ctx, rec); err != nil && a.Logger != nil {
		a.Logger.Printf("persisting failure record %s: %v", rec.ID, err)
	}
}
