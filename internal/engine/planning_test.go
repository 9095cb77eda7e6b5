package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hourglass-hq/hourglass/internal/channel"
)

func newPlanning(inf Inference) *PlanningStage {
	return NewPlanningStage(inf, channel.DefaultTable(), time.Second, nil)
}

func TestValidateInputRejectsEmptyMessage(t *testing.T) {
	p := newPlanning(&fakeInference{})
	err := p.ValidateInput(InboundMessage{UserID: "u1", Message: "   ", Channel: channel.SMS})
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
	if invalid.Field != "message" {
		t.Fatalf("field = %q", invalid.Field)
	}
}

func TestValidateInputRejectsUnknownChannel(t *testing.T) {
	p := newPlanning(&fakeInference{})
	err := p.ValidateInput(InboundMessage{UserID: "u1", Message: "hi", Channel: channel.Channel("pager")})
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
	if invalid.Field != "channel" {
		t.Fatalf("field = %q", invalid.Field)
	}
}

func TestValidateInputAcceptsSupportedChannels(t *testing.T) {
	p := newPlanning(&fakeInference{})
	for _, ch := range []channel.Channel{channel.SMS, channel.Slack, channel.Teams, channel.WhatsApp, channel.Email} {
		if err := p.ValidateInput(InboundMessage{UserID: "u1", Message: "hi", Channel: ch}); err != nil {
			t.Fatalf("channel %s rejected: %v", ch, err)
		}
	}
}

func TestPlanningRepairsEmptyPlan(t *testing.T) {
	inf := &fakeInference{planFn: func(PlanInput) (*PlanOutput, error) {
		return &PlanOutput{
			Plan:      ExecutionPlan{Steps: []PlanStep{{Stage: " ", Action: ""}}},
			Scorecard: Scorecard{Criteria: []Criterion{{Description: "too short"}}},
		}, nil
	}}
	p := newPlanning(inf)

	plan, card, err := p.Run(context.Background(), "req-1", InboundMessage{UserID: "u1", Message: "hi", Channel: channel.SMS}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(plan.Steps) == 0 {
		t.Fatal("empty plan not repaired")
	}
	if len(card.Criteria) == 0 {
		t.Fatal("empty scorecard not repaired")
	}
	if card.Criteria[0].Judged() {
		t.Fatal("repaired criterion must start unjudged")
	}
}

func TestPlanningFillsDataQueryUser(t *testing.T) {
	inf := &fakeInference{planFn: func(PlanInput) (*PlanOutput, error) {
		return &PlanOutput{
			Plan: ExecutionPlan{
				Steps:     []PlanStep{{Stage: "retrieval", Action: "fetch"}},
				NeedsData: true,
			},
			Scorecard: Scorecard{Criteria: []Criterion{{ID: "c1", Description: "answer states the logged hours"}}},
		}, nil
	}}
	p := newPlanning(inf)

	plan, _, err := p.Run(context.Background(), "req-2", InboundMessage{UserID: "u42", Message: "hours?", Channel: channel.SMS}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if plan.DataQuery == nil {
		t.Fatal("NeedsData plan must carry a query")
	}
	if plan.DataQuery.UserID != "u42" {
		t.Fatalf("query user = %q", plan.DataQuery.UserID)
	}
}

func TestPlanningDedupsCriterionIDs(t *testing.T) {
	inf := &fakeInference{planFn: func(PlanInput) (*PlanOutput, error) {
		return &PlanOutput{
			Plan: ExecutionPlan{Steps: []PlanStep{{Stage: "composition", Action: "compose"}}},
			Scorecard: Scorecard{Criteria: []Criterion{
				{ID: "c1", Description: "answer names the logged hours"},
				{ID: "c1", Description: "answer covers the right period"},
			}},
		}, nil
	}}
	p := newPlanning(inf)

	_, card, err := p.Run(context.Background(), "req-3", InboundMessage{UserID: "u1", Message: "hours?", Channel: channel.SMS}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(card.Criteria) != 2 {
		t.Fatalf("got %d criteria", len(card.Criteria))
	}
	if card.Criteria[0].ID == card.Criteria[1].ID {
		t.Fatalf("duplicate criterion ids survived: %q", card.Criteria[0].ID)
	}
}

func TestPlanningWrapsBackendError(t *testing.T) {
	inf := &fakeInference{planFn: func(PlanInput) (*PlanOutput, error) {
		return nil, errors.New("backend down")
	}}
	p := newPlanning(inf)

	_, _, err := p.Run(context.Background(), "req-4", InboundMessage{UserID: "u1", Message: "hi", Channel: channel.SMS}, nil)
	var infErr *InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
	if infErr.Operation != "plan" {
		t.Fatalf("operation = %q", infErr.Operation)
	}
}
