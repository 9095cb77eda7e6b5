package engine

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// InteractionRecord is one append-only audit entry per stage invocation.
type InteractionRecord struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	Stage         string          `json:"stage"`
	Action        string          `json:"action"`
	InputSummary  string          `json:"input_summary,omitempty"`
	OutputSummary string          `json:"output_summary,omitempty"`
	Duration      time.Duration `json:"duration"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Channel       string        `json:"channel,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// FailureRecord captures the full trail of a terminally-failing request.
// At most one is emitted per request.
type FailureRecord struct {
	ID                  string     `json:"id"`
	RequestID           string     `json:"request_id"`
	Question            string     `json:"question"`
	Scorecard           *Scorecard `json:"scorecard,omitempty"`
	RefinementAttempted bool       `json:"refinement_attempted"`
	RefinementSucceeded bool       `json:"refinement_succeeded"`
	MessageSent         string     `json:"message_sent"`
	RootCause           string     `json:"root_cause"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Recorder receives the engine's append-only audit stream. Implementations
// must tolerate failure silently; auditing never blocks the pipeline.
type Recorder interface {
	RecordInteraction(ctx context.Context, rec InteractionRecord)
	RecordFailure(ctx context.Context, rec FailureRecord)
}

// NopRecorder discards all records.
type NopRecorder struct{}

func (NopRecorder) RecordInteraction(context.Context, InteractionRecord) {}
func (NopRecorder) RecordFailure(context.Context, FailureRecord)         {}

// MultiRecorder fans records out to several sinks.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordInteraction(ctx context.Context, rec InteractionRecord) {
	for _, r := range m {
		r.RecordInteraction(ctx, rec)
	}
}

func (m MultiRecorder) RecordFailure(ctx context.Context, rec FailureRecord) {
	for _, r := range m {
		r.RecordFailure(ctx, rec)
	}
}

const summaryMaxRunes = 240

// summarize produces a sanitized, bounded single-line summary suitable for
// audit records: control characters collapse to spaces and long text is cut
// at a rune boundary.
func summarize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= summaryMaxRunes {
		return s
	}
	return strings.TrimSpace(string(runes[:summaryMaxRunes])) + "…"
}
