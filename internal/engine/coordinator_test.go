package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hourglass-hq/hourglass/internal/channel"
	"github.com/hourglass-hq/hourglass/internal/timesheet"
)

func newTestCoordinator(t *testing.T, inf *fakeInference, retriever timesheet.Retriever, rec Recorder, cps CheckpointStore) *Coordinator {
	t.Helper()
	table := channel.DefaultTable()
	coord, err := NewCoordinator(Dependencies{
		Planning:    NewPlanningStage(inf, table, time.Second, nil),
		Retrieval:   NewRetrievalStage(retriever, nil, time.Second, nil),
		Composition: NewCompositionStage(inf, time.Second, nil),
		Formatting:  NewFormattingStage(table, channel.Style{}, nil),
		Validation:  NewValidationStage(inf, time.Second, nil),
		Failure:     NewFailureComposer(inf, rec, time.Second, nil),
		Checkpoints: cps,
		Recorder:    rec,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return coord
}

func smsMessage() InboundMessage {
	return InboundMessage{
		UserID:         "u1",
		Message:        "how many hours did I log this week?",
		Channel:        channel.SMS,
		ConversationID: "conv-1",
	}
}

func TestProcessHappyPath(t *testing.T) {
	inf := &fakeInference{}
	rec := &captureRecorder{}
	coord := newTestCoordinator(t, inf, &fakeRetriever{}, rec, nil)

	result, err := coord.Process(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !result.ValidationPassed || result.GracefulFailure || result.RefinementAttempted {
		t.Fatalf("result = %+v", result)
	}
	if result.FinalResponse == "" {
		t.Fatal("no final response")
	}
	if rec.failureCount() != 0 {
		t.Fatalf("unexpected failure records: %d", rec.failureCount())
	}
}

func TestProcessRejectsInvalidInput(t *testing.T) {
	coord := newTestCoordinator(t, &fakeInference{}, &fakeRetriever{}, &captureRecorder{}, nil)

	msg := smsMessage()
	msg.Message = "  "
	_, err := coord.Process(context.Background(), msg)
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
}

func TestProcessRefinementRecovers(t *testing.T) {
	firstPass := true
	inf := &fakeInference{judgeFn: func(in JudgeInput) (JudgeOutput, error) {
		if firstPass {
			firstPass = false
			return JudgeOutput{Passed: false, Feedback: "missing the hours total"}, nil
		}
		return JudgeOutput{Passed: true}, nil
	}}
	rec := &captureRecorder{}
	coord := newTestCoordinator(t, inf, &fakeRetriever{}, rec, nil)

	result, err := coord.Process(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !result.RefinementAttempted {
		t.Fatal("refinement should have run")
	}
	if !result.ValidationPassed || result.GracefulFailure {
		t.Fatalf("result = %+v", result)
	}
	if inf.refineCalls != 1 {
		t.Fatalf("refine called %d times, want 1", inf.refineCalls)
	}
	if rec.failureCount() != 0 {
		t.Fatalf("unexpected failure records: %d", rec.failureCount())
	}
}

func TestProcessRefinementExhaustedFailsGracefully(t *testing.T) {
	inf := &fakeInference{judgeFn: func(JudgeInput) (JudgeOutput, error) {
		return JudgeOutput{Passed: false, Feedback: "still wrong"}, nil
	}}
	rec := &captureRecorder{}
	coord := newTestCoordinator(t, inf, &fakeRetriever{}, rec, nil)

	result, err := coord.Process(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !result.GracefulFailure {
		t.Fatal("expected a graceful failure")
	}
	if result.FinalResponse == "" {
		t.Fatal("graceful failure must still carry a response")
	}
	// The single refinement bound: exactly one retry regardless of outcome.
	if inf.refineCalls != 1 {
		t.Fatalf("refine called %d times, want 1", inf.refineCalls)
	}
	if rec.failureCount() != 1 {
		t.Fatalf("failure records = %d, want 1", rec.failureCount())
	}
	fr := rec.failures[0]
	if !fr.RefinementAttempted || fr.RootCause == "" || fr.MessageSent != result.FinalResponse {
		t.Fatalf("failure record = %+v", fr)
	}
}

func TestProcessPlanningOutageFailsGracefully(t *testing.T) {
	inf := &fakeInference{planFn: func(PlanInput) (*PlanOutput, error) {
		return nil, errors.New("planner down")
	}}
	rec := &captureRecorder{}
	coord := newTestCoordinator(t, inf, &fakeRetriever{}, rec, nil)

	result, err := coord.Process(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !result.GracefulFailure || result.FinalResponse == "" {
		t.Fatalf("result = %+v", result)
	}
	if rec.failureCount() != 1 {
		t.Fatalf("failure records = %d, want 1", rec.failureCount())
	}
	if !strings.Contains(rec.failures[0].RootCause, "planning") {
		t.Fatalf("root cause = %q", rec.failures[0].RootCause)
	}
}

func TestProcessContinuesWithoutTimesheetData(t *testing.T) {
	inf := &fakeInference{planFn: func(PlanInput) (*PlanOutput, error) {
		return &PlanOutput{
			Plan: ExecutionPlan{
				Steps:     []PlanStep{{Stage: "retrieval", Action: "fetch"}},
				NeedsData: true,
			},
			Scorecard: Scorecard{Criteria: []Criterion{{ID: "c1", Description: "answer acknowledges the data gap"}}},
		}, nil
	}}
	retriever := &fakeRetriever{err: &timesheet.DataUnavailableError{Reason: "timesheet API returned 503"}}
	coord := newTestCoordinator(t, inf, retriever, &captureRecorder{}, nil)

	result, err := coord.Process(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.GracefulFailure {
		t.Fatalf("data unavailability must not abort the pipeline: %+v", result)
	}
	if retriever.calls != 1 {
		t.Fatalf("retriever called %d times", retriever.calls)
	}
}

func TestProcessPanicTerminatesGracefully(t *testing.T) {
	inf := &fakeInference{composeFn: func(ComposeInput) (*Draft, error) {
		panic("compose blew up")
	}}
	rec := &captureRecorder{}
	coord := newTestCoordinator(t, inf, &fakeRetriever{}, rec, nil)

	result, err := coord.Process(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !result.GracefulFailure || result.FinalResponse == "" {
		t.Fatalf("result = %+v", result)
	}
}

func TestResumeCompletedRequestReturnsStoredResponse(t *testing.T) {
	cps := newMemoryCheckpoints()
	coord := newTestCoordinator(t, &fakeInference{}, &fakeRetriever{}, &captureRecorder{}, cps)

	first, err := coord.Process(context.Background(), smsMessage())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	second, err := coord.Resume(context.Background(), first.RequestID, smsMessage())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if second.FinalResponse != first.FinalResponse {
		t.Fatalf("resumed response %q != original %q", second.FinalResponse, first.FinalResponse)
	}
}

func TestResumeUnknownRequestErrors(t *testing.T) {
	coord := newTestCoordinator(t, &fakeInference{}, &fakeRetriever{}, &captureRecorder{}, newMemoryCheckpoints())
	if _, err := coord.Resume(context.Background(), "missing", smsMessage()); err == nil {
		t.Fatal("expected an error for an unknown request")
	}
}

func TestProcessEmitsStageRecords(t *testing.T) {
	rec := &captureRecorder{}
	coord := newTestCoordinator(t, &fakeInference{}, &fakeRetriever{}, rec, nil)

	if _, err := coord.Process(context.Background(), smsMessage()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	stages := make(map[string]bool)
	for _, r := range rec.interactions {
		stages[r.Stage] = true
	}
	for _, want := range []string{"planning", "composition", "formatting", "validation"} {
		if !stages[want] {
			t.Fatalf("no interaction record for stage %q (got %v)", want, stages)
		}
	}
}
