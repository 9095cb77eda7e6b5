package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hourglass-hq/hourglass/internal/channel"
)

// minCriterionLength is the shortest description accepted as a measurable
// criterion; anything shorter is considered vacuous and repaired away.
const minCriterionLength = 12

// PlanningStage turns an inbound message into an ExecutionPlan and a
// Scorecard. It delegates reasoning to the inference port but owns the shape
// invariants: non-empty steps and at least one measurable criterion.
type PlanningStage struct {
	inference Inference
	table     *channel.Table
	timeout   time.Duration
	logger    *log.Logger
}

// NewPlanningStage builds the planning stage.
func NewPlanningStage(inference Inference, table *channel.Table, timeout time.Duration, logger *log.Logger) *PlanningStage {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLAN] ", log.LstdFlags)
	}
	return &PlanningStage{inference: inference, table: table, timeout: timeout, logger: logger}
}

// ValidateInput rejects malformed inbound requests with InvalidInputError.
// It runs before any workflow state or scorecard exists.
func (p *PlanningStage) ValidateInput(msg InboundMessage) error {
	if strings.TrimSpace(msg.Message) == "" {
		return &InvalidInputError{Field: "message", Reason: "must not be empty"}
	}
	if !p.table.Supported(msg.Channel) {
		return &InvalidInputError{
			Field:  "channel",
			Reason: fmt.Sprintf("%q is not one of %s", msg.Channel, strings.Join(p.table.Channels(), ", ")),
		}
	}
	return nil
}

// Run produces the plan and scorecard for one request. The returned plan is
// immutable afterwards and owned by the coordinator.
func (p *PlanningStage) Run(ctx context.Context, requestID string, msg InboundMessage, history []Turn) (*ExecutionPlan, *Scorecard, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.inference.Plan(ctx, PlanInput{
		RequestID: requestID,
		Message:   msg.Message,
		Channel:   msg.Channel,
		History:   history,
		Context:   msg.Context,
	})
	if err != nil {
		return nil, nil, &InferenceError{Operation: "plan", Timeout: errors.Is(err, context.DeadlineExceeded), Cause: err}
	}

	plan := out.Plan
	plan.RequestID = requestID
	p.repairPlan(&plan, msg)

	card := out.Scorecard
	card.RequestID = requestID
	p.repairScorecard(&card)

	p.logger.Printf("planned request %s: %d steps, %d criteria, needs_data=%v",
		requestID, len(plan.Steps), len(card.Criteria), plan.NeedsData)
	return &plan, &card, nil
}

// repairPlan enforces the non-empty steps invariant. A plan the backend left
// without steps gets the canonical compose/format/validate sequence.
func (p *PlanningStage) repairPlan(plan *ExecutionPlan, msg InboundMessage) {
	var kept []PlanStep
	for _, s := range plan.Steps {
		if strings.TrimSpace(s.Stage) == "" || strings.TrimSpace(s.Action) == "" {
			continue
		}
		kept = append(kept, s)
	}
	plan.Steps = kept
	if len(plan.Steps) == 0 {
		p.logger.Printf("repairing empty plan for request %s", plan.RequestID)
		plan.Steps = []PlanStep{
			{Stage: "composition", Action: "compose_answer"},
			{Stage: "formatting", Action: "render_for_channel", Parameters: map[string]interface{}{"channel": string(msg.Channel)}},
			{Stage: "validation", Action: "score_response"},
		}
	}
	if plan.NeedsData && plan.DataQuery == nil {
		plan.DataQuery = defaultQuery(msg)
	}
	if plan.DataQuery != nil && plan.DataQuery.UserID == "" {
		plan.DataQuery.UserID = msg.UserID
	}
}

// repairScorecard drops vacuous criteria, assigns missing ids, and ensures at
// least one measurable criterion survives.
func (p *PlanningStage) repairScorecard(card *Scorecard) {
	var kept []Criterion
	seen := make(map[string]bool)
	for i, c := range card.Criteria {
		c.Description = strings.TrimSpace(c.Description)
		if len(c.Description) < minCriterionLength {
			continue
		}
		if strings.TrimSpace(c.ID) == "" {
			c.ID = fmt.Sprintf("c%d", i+1)
		}
		if seen[c.ID] {
			c.ID = fmt.Sprintf("%s-%d", c.ID, i+1)
		}
		seen[c.ID] = true
		c.Passed = nil
		c.Feedback = ""
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		p.logger.Printf("repairing empty scorecard for request %s", card.RequestID)
		kept = []Criterion{{
			ID:          "c1",
			Description: "response directly addresses the user's question",
			Expected:    "the answer is on-topic and self-contained",
		}}
	}
	card.Criteria = kept
}
