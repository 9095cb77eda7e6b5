package engine

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// staticFailureMessage is the last-resort reply when even failure
// composition errors. It must never expose internals.
const staticFailureMessage = "Sorry — I wasn't able to put together a reliable answer to that right now. Please try again in a little while."

// FailureComposer produces the user-safe message sent when validation cannot
// be satisfied. It cannot itself fail the request: composition errors fall
// back to a static apology. Every invocation emits one FailureRecord.
type FailureComposer struct {
	inference Inference
	recorder  Recorder
	timeout   time.Duration
	logger    *log.Logger
}

// NewFailureComposer builds the failure composer.
func NewFailureComposer(inference Inference, recorder Recorder, timeout time.Duration, logger *log.Logger) *FailureComposer {
	if logger == nil {
		logger = log.New(log.Writer(), "[FAIL] ", log.LstdFlags)
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &FailureComposer{inference: inference, recorder: recorder, timeout: timeout, logger: logger}
}

// Compose returns the always-approved failure message for the request and
// records the failure trail. reason classifies the root cause and is never
// shown to the user verbatim.
func (f *FailureComposer) Compose(ctx context.Context, state *WorkflowState, reason string) string {
	message := staticFailureMessage

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	msg, err := f.inference.ComposeFailure(callCtx, FailureInput{
		Question: state.Question,
		Reason:   reason,
		Channel:  state.Channel,
	})
	cancel()
	if err != nil {
		f.logger.Printf("failure composition errored for request %s, using static fallback: %v", state.RequestID, err)
	} else if strings.TrimSpace(msg) != "" {
		message = strings.TrimSpace(msg)
	}

	record := FailureRecord{
		ID:                  uuid.NewString(),
		RequestID:           state.RequestID,
		Question:            state.Question,
		Scorecard:           state.Scorecard,
		RefinementAttempted: state.RefinementCount > 0,
		RefinementSucceeded: false,
		MessageSent:         message,
		RootCause:           reason,
		CreatedAt:           time.Now(),
	}
	f.recorder.RecordFailure(ctx, record)
	f.logger.Printf("graceful failure for request %s: %s", state.RequestID, reason)
	return message
}
