package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/hourglass-hq/hourglass/internal/engine"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return &Store{DB: db}, mock, func() { _ = db.Close() }
}

func TestSaveCheckpointUpserts(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	state := []byte(`{"request_id":"req-1"}`)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_checkpoints")).
		WithArgs("req-1", "composing", state).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.SaveCheckpoint(context.Background(), engine.Checkpoint{
		RequestID: "req-1",
		Stage:     engine.StatusComposing,
		State:     state,
	})
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLatestCheckpointRoundTrip(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	now := time.Now()
	state := []byte(`{"request_id":"req-2","status":"validating"}`)
	rows := sqlmock.NewRows([]string{"request_id", "stage", "state", "updated_at"}).
		AddRow("req-2", "validating", state, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_checkpoints WHERE request_id = $1")).
		WithArgs("req-2").
		WillReturnRows(rows)

	cp, ok, err := st.LatestCheckpoint(context.Background(), "req-2")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if !ok {
		t.Fatal("expected a checkpoint")
	}
	if cp.Stage != engine.StatusValidating {
		t.Fatalf("stage = %q, want validating", cp.Stage)
	}
	if string(cp.State) != string(state) {
		t.Fatalf("state mismatch: %s", cp.State)
	}
}

func TestLatestCheckpointMissing(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_checkpoints WHERE request_id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "stage", "state", "updated_at"}))

	_, ok, err := st.LatestCheckpoint(context.Background(), "nope")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if ok {
		t.Fatal("expected no checkpoint")
	}
}

func TestListInteractionsScansDuration(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "request_id", "stage", "action", "input_summary", "output_summary", "duration_ms", "success", "error", "channel", "created_at"}).
		AddRow("rec-1", "req-3", "planning", "plan", "in", "out", int64(1500), true, "", "sms", now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM interaction_records WHERE request_id = $1")).
		WithArgs("req-3").
		WillReturnRows(rows)

	recs, err := st.ListInteractions(context.Background(), "req-3")
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Duration != 1500*time.Millisecond {
		t.Fatalf("duration = %v", recs[0].Duration)
	}
}

func TestSaveFailureEncodesScorecard(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	passed := false
	card := &engine.Scorecard{
		RequestID: "req-4",
		Criteria: []engine.Criterion{
			{ID: "c1", Description: "answers the question asked", Passed: &passed},
		},
	}
	encoded, err := json.Marshal(card)
	if err != nil {
		t.Fatalf("marshal scorecard: %v", err)
	}
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO failure_records")).
		WithArgs("fail-1", "req-4", "how many hours?", encoded, true, false, "Sorry, I could not answer that.", "validation failed after refinement", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.SaveFailure(context.Background(), engine.FailureRecord{
		ID:                  "fail-1",
		RequestID:           "req-4",
		Question:            "how many hours?",
		Scorecard:           card,
		RefinementAttempted: true,
		MessageSent:         "Sorry, I could not answer that.",
		RootCause:           "validation failed after refinement",
		CreatedAt:           now,
	})
	if err != nil {
		t.Fatalf("SaveFailure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendExchangeWritesBothTurns(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_messages")).
		WithArgs("conv-1", "req-5", "user", "question").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_messages")).
		WithArgs("conv-1", "req-5", "assistant", "answer").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := st.AppendExchange(context.Background(), "conv-1", "req-5", "question", "answer"); err != nil {
		t.Fatalf("AppendExchange: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecentTurnsChronologicalOrder(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"role", "content", "created_at"}).
		AddRow("assistant", "second answer", now).
		AddRow("user", "second question", now.Add(-time.Minute)).
		AddRow("assistant", "first answer", now.Add(-2*time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_messages")).
		WithArgs("conv-2", 3).
		WillReturnRows(rows)

	turns, err := st.RecentTurns(context.Background(), "conv-2", 3)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	if turns[0].Content != "first answer" || turns[2].Content != "second answer" {
		t.Fatalf("turns out of order: %+v", turns)
	}
}

func TestPruneAuditRecordsCountsRows(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM interaction_records WHERE created_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM failure_records WHERE created_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := st.PruneAuditRecords(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneAuditRecords: %v", err)
	}
	if n != 9 {
		t.Fatalf("pruned = %d, want 9", n)
	}
}
