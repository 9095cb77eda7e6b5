package audit

import (
	"context"
	"testing"
	"time"

	"github.com/hourglass-hq/hourglass/internal/engine"
)

func TestIndexSearchFindsFailures(t *testing.T) {
	ix, err := NewIndex(nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	ix.RecordFailure(context.Background(), engine.FailureRecord{
		ID:        "fail-1",
		RequestID: "req-1",
		Question:  "how many hours did I log last week?",
		RootCause: "validation failed after refinement",
		CreatedAt: time.Now(),
	})
	ix.RecordInteraction(context.Background(), engine.InteractionRecord{
		ID:        "rec-1",
		RequestID: "req-2",
		Stage:     "planning",
		Action:    "plan",
		CreatedAt: time.Now(),
	})

	hits, err := ix.Search("refinement", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].RequestID != "req-1" || hits[0].Kind != "failure" {
		t.Fatalf("unexpected hit: %+v", hits[0])
	}
	if hits[0].Rank != 1 {
		t.Fatalf("rank = %d, want 1", hits[0].Rank)
	}
}

func TestIndexSearchNoMatches(t *testing.T) {
	ix, err := NewIndex(nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	hits, err := ix.Search("nothing indexed", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("got %d hits, want 0", len(hits))
	}
}
