package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hourglass-hq/hourglass/internal/channel"
)

// ValidationStage scores a formatted payload against the request's
// scorecard, judging each unknown criterion through the inference port.
// Judging is fail-closed: a criterion whose judge call errors is marked
// failed with a note, never silently passed.
type ValidationStage struct {
	inference Inference
	timeout   time.Duration
	logger    *log.Logger
}

// NewValidationStage builds the validation stage. timeout bounds each
// individual judge call.
func NewValidationStage(inference Inference, timeout time.Duration, logger *log.Logger) *ValidationStage {
	if logger == nil {
		logger = log.New(log.Writer(), "[VALIDATE] ", log.LstdFlags)
	}
	return &ValidationStage{inference: inference, timeout: timeout, logger: logger}
}

// Run judges every pending criterion against the payload content and derives
// the validation result. On return no criterion remains unjudged.
func (v *ValidationStage) Run(ctx context.Context, state *WorkflowState) *ValidationResult {
	card := state.Scorecard
	content := state.Payload.Content
	ch := state.Channel

	for i := range card.Criteria {
		c := &card.Criteria[i]
		if c.Judged() {
			continue
		}
		passed, feedback := v.judge(ctx, *c, content, ch, state.Question)
		c.Passed = &passed
		if passed {
			c.Feedback = ""
		} else {
			c.Feedback = feedback
		}
	}

	result := &ValidationResult{RequestID: card.RequestID, Passed: card.OverallPassed()}
	if !result.Passed {
		var notes []string
		for _, c := range card.FailedCriteria() {
			result.FailedCriterionIDs = append(result.FailedCriterionIDs, c.ID)
			notes = append(notes, fmt.Sprintf("%s: %s", c.ID, c.Feedback))
		}
		result.Feedback = strings.Join(notes, "; ")
	}
	v.logger.Printf("validated request %s: passed=%v failed=%d", card.RequestID, result.Passed, len(result.FailedCriterionIDs))
	return result
}

func (v *ValidationStage) judge(ctx context.Context, c Criterion, content string, ch channel.Channel, question string) (bool, string) {
	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	out, err := v.inference.Judge(callCtx, JudgeInput{Criterion: c, Content: content, Channel: ch, Question: question})
	if err != nil {
		// Fail closed: an unjudgeable criterion is a failed criterion.
		v.logger.Printf("judge call for criterion %s failed: %v", c.ID, err)
		return false, fmt.Sprintf("criterion could not be judged: %v", err)
	}
	feedback := strings.TrimSpace(out.Feedback)
	if !out.Passed && feedback == "" {
		feedback = fmt.Sprintf("criterion not met: %s", c.Description)
	}
	return out.Passed, feedback
}
