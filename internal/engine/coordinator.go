package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hourglass-hq/hourglass/internal/telemetry"
)

var coordinatorTracer trace.Tracer = otel.Tracer("hourglass/internal/engine")

// Dependencies wires the coordinator's collaborators. Inference, Table and
// the stage set are required; History, Checkpoints, Cache and Recorder are
// optional and degrade to no-ops.
type Dependencies struct {
	Planning    *PlanningStage
	Retrieval   *RetrievalStage
	Composition *CompositionStage
	Formatting  *FormattingStage
	Validation  *ValidationStage
	Failure     *FailureComposer
	History     HistoryStore
	Checkpoints CheckpointStore
	Recorder    Recorder
	Telemetry   *telemetry.Telemetry
	Logger      *log.Logger

	MaxConcurrent int
	HistoryWindow int
}

// Coordinator is the top-level state machine that turns one inbound message
// into exactly one final response. Within a request stages run strictly in
// order; across requests many workflows proceed concurrently, each with its
// own isolated state.
type Coordinator struct {
	planning    *PlanningStage
	retrieval   *RetrievalStage
	composition *CompositionStage
	formatting  *FormattingStage
	validation  *ValidationStage
	failure     *FailureComposer
	history     HistoryStore
	checkpoints CheckpointStore
	recorder    Recorder
	telemetry   *telemetry.Telemetry
	logger      *log.Logger

	historyWindow int

	inflight map[string]*WorkflowState
	mu       sync.RWMutex

	semaphore chan struct{}
}

// NewCoordinator builds the coordinator.
func NewCoordinator(deps Dependencies) (*Coordinator, error) {
	for name, missing := range map[string]bool{
		"planning":    deps.Planning == nil,
		"retrieval":   deps.Retrieval == nil,
		"composition": deps.Composition == nil,
		"formatting":  deps.Formatting == nil,
		"validation":  deps.Validation == nil,
		"failure":     deps.Failure == nil,
	} {
		if missing {
			return nil, fmt.Errorf("coordinator requires the %s stage", name)
		}
	}
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "[COORD] ", log.LstdFlags)
	}
	if deps.MaxConcurrent <= 0 {
		deps.MaxConcurrent = 32
	}
	if deps.HistoryWindow <= 0 {
		deps.HistoryWindow = 6
	}
	return &Coordinator{
		planning:      deps.Planning,
		retrieval:     deps.Retrieval,
		composition:   deps.Composition,
		formatting:    deps.Formatting,
		validation:    deps.Validation,
		failure:       deps.Failure,
		history:       deps.History,
		checkpoints:   deps.Checkpoints,
		recorder:      deps.Recorder,
		telemetry:     deps.Telemetry,
		logger:        deps.Logger,
		historyWindow: deps.HistoryWindow,
		inflight:      make(map[string]*WorkflowState),
		semaphore:     make(chan struct{}, deps.MaxConcurrent),
	}, nil
}

// Process runs one inbound message through the full pipeline. The only error
// it can return is InvalidInputError, raised before any workflow state
// exists; every accepted request terminates with a final response.
func (c *Coordinator) Process(ctx context.Context, msg InboundMessage) (*Result, error) {
	if err := c.planning.ValidateInput(msg); err != nil {
		c.telemetry.RecordInvalidInput()
		return nil, err
	}

	state := &WorkflowState{
		RequestID:      uuid.NewString(),
		ConversationID: msg.ConversationID,
		Status:         StatusCreated,
		Channel:        msg.Channel,
		Question:       msg.Message,
		DisplayName:    msg.DisplayName,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	return c.execute(ctx, state, msg)
}

// Resume continues a previously checkpointed request from its last completed
// stage. Stage executions already recorded are not repeated.
func (c *Coordinator) Resume(ctx context.Context, requestID string, msg InboundMessage) (*Result, error) {
	if c.checkpoints == nil {
		return nil, fmt.Errorf("resume requires a checkpoint store")
	}
	cp, ok, err := c.checkpoints.LatestCheckpoint(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", requestID, err)
	}
	if !ok {
		return nil, fmt.Errorf("no checkpoint found for request %s", requestID)
	}
	var state WorkflowState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, fmt.Errorf("decoding checkpoint for %s: %w", requestID, err)
	}
	if state.Status == StatusCompleted {
		return resultFromState(&state, 0), nil
	}
	c.logger.Printf("resuming request %s from stage %s", requestID, cp.Stage)
	return c.execute(ctx, &state, msg)
}

// Status returns the live snapshot of an in-flight request.
func (c *Coordinator) Status(requestID string) (WorkflowState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.inflight[requestID]
	if !ok {
		return WorkflowState{}, false
	}
	return *st, true
}

func (c *Coordinator) execute(ctx context.Context, state *WorkflowState, msg InboundMessage) (*Result, error) {
	start := time.Now()

	ctx, span := coordinatorTracer.Start(ctx, "engine.process_request",
		trace.WithAttributes(
			attribute.String("request.id", state.RequestID),
			attribute.String("request.channel", string(state.Channel)),
		))
	defer span.End()

	c.mu.Lock()
	c.inflight[state.RequestID] = state
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, state.RequestID)
		c.mu.Unlock()
	}()

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		// Even an early cancellation terminates in a final response.
		c.resolveFailure(context.WithoutCancel(ctx), state, "request cancelled before processing")
		return resultFromState(state, time.Since(start)), nil
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Printf("panic while processing request %s: %v", state.RequestID, r)
				c.resolveFailure(context.WithoutCancel(ctx), state, fmt.Sprintf("internal fault: %v", r))
			}
		}()
		c.run(ctx, state, msg)
	}()

	if state.Status != StatusCompleted || state.FinalResponse == "" {
		// Terminal guarantee: no reachable path may leave a request hanging.
		c.resolveFailure(context.WithoutCancel(ctx), state, "pipeline ended without a final response")
	}

	duration := time.Since(start)
	result := resultFromState(state, duration)

	span.SetAttributes(
		attribute.Bool("request.validation_passed", result.ValidationPassed),
		attribute.Bool("request.refinement_attempted", result.RefinementAttempted),
		attribute.Bool("request.graceful_failure", result.GracefulFailure),
	)
	if result.GracefulFailure {
		span.SetStatus(codes.Error, "graceful failure")
	} else {
		span.SetStatus(codes.Ok, "completed")
	}

	c.telemetry.RecordRequestEvent(ctx, telemetry.RequestEvent{
		RequestID:           state.RequestID,
		Channel:             string(state.Channel),
		StartTime:           start,
		EndTime:             time.Now(),
		Duration:            duration,
		ValidationPassed:    result.ValidationPassed,
		RefinementAttempted: result.RefinementAttempted,
		RefinementSucceeded: result.RefinementAttempted && result.ValidationPassed,
		GracefulFailure:     result.GracefulFailure,
	})

	if c.history != nil && msg.ConversationID != "" {
		if err := c.history.AppendExchange(context.WithoutCancel(ctx), msg.ConversationID, state.RequestID, state.Question, state.FinalResponse); err != nil {
			c.logger.Printf("recording conversation history for %s failed: %v", state.RequestID, err)
		}
	}

	c.logger.Printf("completed request %s in %v (passed=%v refined=%v graceful=%v)",
		state.RequestID, duration, result.ValidationPassed, result.RefinementAttempted, result.GracefulFailure)
	return result, nil
}

// run drives the state machine: Planning → (Retrieving) → Composing →
// Formatting → Validating, then at most one Refining pass, then Failing if
// validation still does not hold. The refinement retry is the only cycle and
// it is bounded by this function's straight-line shape, not by a counter.
func (c *Coordinator) run(ctx context.Context, state *WorkflowState, msg InboundMessage) {
	history := c.recentHistory(ctx, msg.ConversationID)

	// Planning
	if state.Plan == nil || state.Scorecard == nil {
		c.transition(ctx, state, StatusPlanning)
		started := time.Now()
		plan, card, err := c.planning.Run(ctx, state.RequestID, msg, history)
		c.emitStage(ctx, state, "planning", "create_plan", msg.Message, planSummary(plan, card), started, err)
		if err != nil {
			c.resolveFailure(ctx, state, fmt.Sprintf("planning unavailable: %v", err))
			return
		}
		state.Plan, state.Scorecard = plan, card
		c.checkpoint(ctx, state)
	}

	// Retrieval, only when the plan needs data and none is recorded yet.
	if state.Plan.NeedsData && state.Data == nil && state.DataNote == "" {
		c.transition(ctx, state, StatusRetrieving)
		started := time.Now()
		data, note := c.retrieval.Run(ctx, state.RequestID, state.Plan, msg)
		state.Data, state.DataNote = data, note
		c.emitStage(ctx, state, "retrieval", "fetch_timesheet", querySummary(state.Plan), note, started, nil)
		c.checkpoint(ctx, state)
	}

	// Composition
	if state.Draft == nil {
		c.transition(ctx, state, StatusComposing)
		started := time.Now()
		draft, err := c.composition.Compose(ctx, state, history)
		state.Draft = draft
		c.emitStage(ctx, state, "composition", "compose_draft", state.Question, draft.Text, started, err)
		c.checkpoint(ctx, state)
	}

	// Formatting
	if state.Payload == nil {
		c.transition(ctx, state, StatusFormatting)
		started := time.Now()
		payload, err := c.formatting.Run(state.RequestID, state.Draft, state.Channel, state.DisplayName)
		state.Payload = payload
		c.emitStage(ctx, state, "formatting", "render_payload", state.Draft.Text, payloadSummary(payload), started, err)
		c.checkpoint(ctx, state)
	}

	// Validation
	if state.Validation == nil {
		c.transition(ctx, state, StatusValidating)
		started := time.Now()
		state.Validation = c.validation.Run(ctx, state)
		c.emitStage(ctx, state, "validation", "score_payload", payloadSummary(state.Payload), validationSummary(state.Validation), started, nil)
		c.checkpoint(ctx, state)
	}

	// Refinement: the single permitted retry. This block is the only edge
	// back into Formatting/Validating, so a second refinement is
	// structurally unreachable.
	if !state.Validation.Passed && state.RefinementCount == 0 {
		c.transition(ctx, state, StatusRefining)
		state.RefinementCount = 1

		started := time.Now()
		draft, err := c.composition.Refine(ctx, state)
		if err != nil {
			c.emitStage(ctx, state, "refinement", "refine_draft", state.Validation.Feedback, "", started, err)
			c.logger.Printf("refinement for request %s failed: %v", state.RequestID, err)
		} else {
			c.emitStage(ctx, state, "refinement", "refine_draft", state.Validation.Feedback, draft.Text, started, nil)
			state.Draft = draft

			c.transition(ctx, state, StatusFormatting)
			started = time.Now()
			payload, ferr := c.formatting.Run(state.RequestID, state.Draft, state.Channel, state.DisplayName)
			state.Payload = payload
			c.emitStage(ctx, state, "formatting", "render_payload", state.Draft.Text, payloadSummary(payload), started, ferr)

			c.transition(ctx, state, StatusValidating)
			state.Scorecard.ResetVerdicts()
			started = time.Now()
			state.Validation = c.validation.Run(ctx, state)
			c.emitStage(ctx, state, "validation", "score_payload", payloadSummary(state.Payload), validationSummary(state.Validation), started, nil)
		}
		c.checkpoint(ctx, state)
	}

	if state.Validation.Passed {
		state.FinalResponse = state.Payload.Content
		state.GracefulFailure = false
		c.transition(ctx, state, StatusCompleted)
		c.checkpoint(ctx, state)
		return
	}

	c.resolveFailure(ctx, state, rootCause(state))
}

// resolveFailure routes the request through the failure composer and closes
// the workflow. It is the terminal fallback for every non-passing path.
func (c *Coordinator) resolveFailure(ctx context.Context, state *WorkflowState, reason string) {
	c.transition(ctx, state, StatusFailing)
	started := time.Now()
	message := c.failure.Compose(ctx, state, reason)
	c.emitStage(ctx, state, "failure", "compose_failure", reason, message, started, nil)

	state.FinalResponse = message
	state.GracefulFailure = true
	state.Payload = &FormattedPayload{Channel: state.Channel, Content: message, IsSplit: false}
	c.transition(ctx, state, StatusCompleted)
	c.checkpoint(ctx, state)
}

func (c *Coordinator) recentHistory(ctx context.Context, conversationID string) []Turn {
	if c.history == nil || conversationID == "" {
		return nil
	}
	turns, err := c.history.RecentTurns(ctx, conversationID, c.historyWindow)
	if err != nil {
		c.logger.Printf("loading conversation history for %s failed: %v", conversationID, err)
		return nil
	}
	return turns
}

func (c *Coordinator) transition(ctx context.Context, state *WorkflowState, status Status) {
	state.Status = status
	state.UpdatedAt = time.Now()
	trace.SpanFromContext(ctx).AddEvent("state." + string(status))
}

// checkpoint snapshots the workflow after a completed stage. Failures are
// logged and ignored: durability is best-effort, correctness does not depend
// on it.
func (c *Coordinator) checkpoint(ctx context.Context, state *WorkflowState) {
	if c.checkpoints == nil {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		c.logger.Printf("encoding checkpoint for %s failed: %v", state.RequestID, err)
		return
	}
	cp := Checkpoint{RequestID: state.RequestID, Stage: state.Status, State: raw, UpdatedAt: time.Now()}
	if err := c.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		c.logger.Printf("saving checkpoint for %s failed: %v", state.RequestID, err)
	}
}

// emitStage appends one InteractionRecord and one telemetry stage event for
// a completed stage invocation. All audit emission funnels through here so
// stages stay free of logging concerns.
func (c *Coordinator) emitStage(ctx context.Context, state *WorkflowState, stage, action, input, output string, started time.Time, stageErr error) {
	duration := time.Since(started)
	rec := InteractionRecord{
		ID:            uuid.NewString(),
		RequestID:     state.RequestID,
		Stage:         stage,
		Action:        action,
		InputSummary:  summarize(input),
		OutputSummary: summarize(output),
		Duration:      duration,
		Success:       stageErr == nil,
		Channel:       string(state.Channel),
		CreatedAt:     time.Now(),
	}
	if stageErr != nil {
		rec.Error = stageErr.Error()
	}
	c.recorder.RecordInteraction(ctx, rec)
	c.telemetry.RecordStageEvent(ctx, telemetry.StageEvent{
		RequestID: state.RequestID,
		Stage:     stage,
		Duration:  duration,
		Success:   stageErr == nil,
		Error:     rec.Error,
	})
}

func resultFromState(state *WorkflowState, duration time.Duration) *Result {
	result := &Result{
		RequestID:           state.RequestID,
		FinalResponse:       state.FinalResponse,
		ValidationPassed:    state.Validation != nil && state.Validation.Passed,
		RefinementAttempted: state.RefinementCount > 0,
		GracefulFailure:     state.GracefulFailure,
		TotalDuration:       duration,
	}
	if state.Payload != nil && state.Payload.IsSplit {
		result.Parts = state.Payload.Parts
	}
	return result
}

func rootCause(state *WorkflowState) string {
	if state.Validation == nil {
		return "validation never ran"
	}
	if state.RefinementCount > 0 {
		return fmt.Sprintf("validation failed after refinement: %s", state.Validation.Feedback)
	}
	return fmt.Sprintf("validation failed: %s", state.Validation.Feedback)
}

func planSummary(plan *ExecutionPlan, card *Scorecard) string {
	if plan == nil {
		return ""
	}
	criteria := 0
	if card != nil {
		criteria = len(card.Criteria)
	}
	return fmt.Sprintf("%d steps, %d criteria, needs_data=%v", len(plan.Steps), criteria, plan.NeedsData)
}

func querySummary(plan *ExecutionPlan) string {
	if plan == nil || plan.DataQuery == nil {
		return ""
	}
	return fmt.Sprintf("kind=%s user=%s", plan.DataQuery.Kind, plan.DataQuery.UserID)
}

func payloadSummary(p *FormattedPayload) string {
	if p == nil {
		return ""
	}
	if p.IsSplit {
		return fmt.Sprintf("split into %d parts (%d chars)", len(p.Parts), len([]rune(p.Content)))
	}
	return p.Content
}

func validationSummary(v *ValidationResult) string {
	if v == nil {
		return ""
	}
	if v.Passed {
		return "passed"
	}
	return fmt.Sprintf("failed %d criteria: %s", len(v.FailedCriterionIDs), v.Feedback)
}
