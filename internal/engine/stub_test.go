package engine

import (
	"context"
	"sync"

	"github.com/hourglass-hq/hourglass/internal/timesheet"
)

// fakeInference scripts the five inference operations for tests.
type fakeInference struct {
	planFn    func(PlanInput) (*PlanOutput, error)
	composeFn func(ComposeInput) (*Draft, error)
	refineFn  func(RefineInput) (*Draft, error)
	judgeFn   func(JudgeInput) (JudgeOutput, error)
	failureFn func(FailureInput) (string, error)

	mu          sync.Mutex
	judgeCalls  int
	refineCalls int
}

func (f *fakeInference) Plan(_ context.Context, in PlanInput) (*PlanOutput, error) {
	if f.planFn == nil {
		return &PlanOutput{
			Plan: ExecutionPlan{Steps: []PlanStep{{Stage: "composition", Action: "compose_answer"}}},
			Scorecard: Scorecard{Criteria: []Criterion{
				{ID: "c1", Description: "response directly addresses the question"},
			}},
		}, nil
	}
	return f.planFn(in)
}

func (f *fakeInference) Compose(_ context.Context, in ComposeInput) (*Draft, error) {
	if f.composeFn == nil {
		return &Draft{Text: "You logged 32 hours this week.", Confidence: 0.9}, nil
	}
	return f.composeFn(in)
}

func (f *fakeInference) Refine(_ context.Context, in RefineInput) (*Draft, error) {
	f.mu.Lock()
	f.refineCalls++
	f.mu.Unlock()
	if f.refineFn == nil {
		return &Draft{Text: in.Draft.Text + " (refined)", Confidence: 0.9}, nil
	}
	return f.refineFn(in)
}

func (f *fakeInference) Judge(_ context.Context, in JudgeInput) (JudgeOutput, error) {
	f.mu.Lock()
	f.judgeCalls++
	f.mu.Unlock()
	if f.judgeFn == nil {
		return JudgeOutput{Passed: true}, nil
	}
	return f.judgeFn(in)
}

func (f *fakeInference) ComposeFailure(_ context.Context, in FailureInput) (string, error) {
	if f.failureFn == nil {
		return "Sorry, I could not answer that reliably right now.", nil
	}
	return f.failureFn(in)
}

// fakeRetriever scripts the timesheet port.
type fakeRetriever struct {
	data  *timesheet.Data
	err   error
	calls int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ timesheet.Query, _ timesheet.Credentials, _ string) (*timesheet.Data, error) {
	f.calls++
	return f.data, f.err
}

// memoryCheckpoints is an in-memory CheckpointStore.
type memoryCheckpoints struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{cps: make(map[string]Checkpoint)}
}

func (m *memoryCheckpoints) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.RequestID] = cp
	return nil
}

func (m *memoryCheckpoints) LatestCheckpoint(_ context.Context, requestID string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[requestID]
	return cp, ok, nil
}

// captureRecorder keeps every emitted record for assertions.
type captureRecorder struct {
	mu           sync.Mutex
	interactions []InteractionRecord
	failures     []FailureRecord
}

func (c *captureRecorder) RecordInteraction(_ context.Context, rec InteractionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interactions = append(c.interactions, rec)
}

func (c *captureRecorder) RecordFailure(_ context.Context, rec FailureRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, rec)
}

func (c *captureRecorder) failureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failures)
}
