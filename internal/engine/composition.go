package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// CompositionStage turns a plan and retrieved data into a channel-agnostic
// draft, and reworks a prior draft on the refinement path. It never fails
// for "no data": when the backend cannot compose, it degrades to a built-in
// apologetic draft so the pipeline always has something to format.
type CompositionStage struct {
	inference Inference
	timeout   time.Duration
	logger    *log.Logger
}

// NewCompositionStage builds the composition stage.
func NewCompositionStage(inference Inference, timeout time.Duration, logger *log.Logger) *CompositionStage {
	if logger == nil {
		logger = log.New(log.Writer(), "[COMPOSE] ", log.LstdFlags)
	}
	return &CompositionStage{inference: inference, timeout: timeout, logger: logger}
}

// Compose produces the initial draft. The returned error is informational
// for auditing; a usable draft is returned even when it is non-nil.
func (c *CompositionStage) Compose(ctx context.Context, state *WorkflowState, history []Turn) (*Draft, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	draft, err := c.inference.Compose(ctx, ComposeInput{
		Plan:     state.Plan,
		Data:     state.Data,
		DataNote: state.DataNote,
		History:  history,
		Context:  state.Plan.Context,
	})
	if err != nil {
		infErr := &InferenceError{Operation: "compose", Timeout: errors.Is(err, context.DeadlineExceeded), Cause: err}
		c.logger.Printf("compose failed for request %s, degrading: %v", state.RequestID, err)
		return degradedDraft(state), infErr
	}
	if draft == nil || strings.TrimSpace(draft.Text) == "" {
		c.logger.Printf("compose returned empty draft for request %s, degrading", state.RequestID)
		return degradedDraft(state), &InferenceError{Operation: "compose", Cause: errors.New("empty draft")}
	}
	c.normalize(draft, state)
	return draft, nil
}

// Refine reworks the prior draft using the failed-criteria feedback. The
// caller enforces the one-refinement bound; this stage only composes.
func (c *CompositionStage) Refine(ctx context.Context, state *WorkflowState) (*Draft, error) {
	failed := state.Scorecard.FailedCriteria()
	if state.Draft == nil || len(failed) == 0 {
		return nil, fmt.Errorf("refinement needs a prior draft and failed criteria")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	draft, err := c.inference.Refine(ctx, RefineInput{Draft: *state.Draft, FailedCriteria: failed})
	if err != nil {
		return nil, &InferenceError{Operation: "refine", Timeout: errors.Is(err, context.DeadlineExceeded), Cause: err}
	}
	if draft == nil || strings.TrimSpace(draft.Text) == "" {
		return nil, &InferenceError{Operation: "refine", Cause: errors.New("empty refined draft")}
	}
	c.normalize(draft, state)
	return draft, nil
}

func (c *CompositionStage) normalize(draft *Draft, state *WorkflowState) {
	if draft.Kind == "" {
		if state.Data != nil {
			draft.Kind = "answer"
		} else {
			draft.Kind = "conversational"
		}
	}
	if draft.Confidence < 0 {
		draft.Confidence = 0
	}
	if draft.Confidence > 1 {
		draft.Confidence = 1
	}
	draft.UsedData = draft.UsedData || state.Data != nil
}

// degradedDraft is the conversational fallback used when the backend cannot
// produce a draft at all.
func degradedDraft(state *WorkflowState) *Draft {
	text := "I couldn't put together a full answer for that just now. Could you try asking again in a moment?"
	if state.DataNote != "" {
		text = "I couldn't fetch your timesheet data right now, so I can't answer that yet. Please try again shortly."
	}
	return &Draft{Text: text, UsedData: false, Kind: "apology", Confidence: 0.1}
}
