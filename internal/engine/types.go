package engine

import (
	"context"
	"time"

	"github.com/hourglass-hq/hourglass/internal/channel"
	"github.com/hourglass-hq/hourglass/internal/timesheet"
)

// Status is the workflow state machine position for one request.
type Status string

const (
	StatusCreated    Status = "created"
	StatusPlanning   Status = "planning"
	StatusRetrieving Status = "retrieving"
	StatusComposing  Status = "composing"
	StatusFormatting Status = "formatting"
	StatusValidating Status = "validating"
	StatusRefining   Status = "refining"
	StatusFailing    Status = "failing"
	StatusCompleted  Status = "completed"
)

// InboundMessage is one user request entering the engine.
type InboundMessage struct {
	UserID         string                 `json:"user_id"`
	Message        string                 `json:"message"`
	Channel        channel.Channel        `json:"channel"`
	ConversationID string                 `json:"conversation_id"`
	DisplayName    string                 `json:"display_name,omitempty"`
	Credentials    timesheet.Credentials  `json:"-"`
	Timezone       string                 `json:"timezone,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
}

// PlanStep is one ordered step of an execution plan.
type PlanStep struct {
	Stage      string                 `json:"stage"`
	Action     string                 `json:"action"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ExecutionPlan is produced once by Planning and immutable afterwards.
type ExecutionPlan struct {
	RequestID string                 `json:"request_id"`
	Steps     []PlanStep             `json:"steps"`
	NeedsData bool                   `json:"needs_data"`
	DataQuery *timesheet.Query       `json:"data_query,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Criterion is one measurable pass/fail check on the outbound response.
// Passed is tri-state: nil means not yet judged.
type Criterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Expected    string `json:"expected"`
	Passed      *bool  `json:"passed,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
}

// Judged reports whether the criterion has a concrete verdict.
func (c Criterion) Judged() bool { return c.Passed != nil }

// Scorecard is the ordered set of acceptance criteria for one request.
type Scorecard struct {
	RequestID string      `json:"request_id"`
	Criteria  []Criterion `json:"criteria"`
}

// OverallPassed is true iff every criterion has been judged and passed.
func (s *Scorecard) OverallPassed() bool {
	if s == nil || len(s.Criteria) == 0 {
		return false
	}
	for _, c := range s.Criteria {
		if c.Passed == nil || !*c.Passed {
			return false
		}
	}
	return true
}

// FailedCriteria returns the criteria judged false, in scorecard order.
func (s *Scorecard) FailedCriteria() []Criterion {
	if s == nil {
		return nil
	}
	var out []Criterion
	for _, c := range s.Criteria {
		if c.Passed != nil && !*c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// ResetVerdicts clears all verdicts so the scorecard can be re-judged
// against a refined payload.
func (s *Scorecard) ResetVerdicts() {
	if s == nil {
		return
	}
	for i := range s.Criteria {
		s.Criteria[i].Passed = nil
		s.Criteria[i].Feedback = ""
	}
}

// ValidationResult mirrors the scorecard outcome for one validation pass.
// FailedCriterionIDs is empty iff Passed.
type ValidationResult struct {
	RequestID          string   `json:"request_id"`
	Passed             bool     `json:"passed"`
	FailedCriterionIDs []string `json:"failed_criterion_ids,omitempty"`
	Feedback           string   `json:"feedback,omitempty"`
}

// PayloadPart is one ordered fragment of a split payload. Sequence starts
// at 1. Marker, when present, is the "(i/n)" continuation suffix already
// appended to Content.
type PayloadPart struct {
	Sequence int    `json:"sequence"`
	Content  string `json:"content"`
	Marker   string `json:"marker,omitempty"`
}

// FormattedPayload is the channel-specific rendering of a draft. If IsSplit,
// Parts carries the ordered fragments and Content holds the pre-split text;
// otherwise Parts is empty.
type FormattedPayload struct {
	Channel channel.Channel `json:"channel"`
	Content string          `json:"content"`
	IsSplit bool            `json:"is_split"`
	Parts   []PayloadPart   `json:"parts,omitempty"`
}

// Draft is the channel-agnostic response produced by Composition.
type Draft struct {
	Text       string  `json:"text"`
	UsedData   bool    `json:"used_data"`
	Kind       string  `json:"kind"` // answer, conversational, apology
	Confidence float64 `json:"confidence"`
}

// WorkflowState is the full mutable snapshot of one request's progress. It
// is owned and mutated only by the Coordinator and is JSON-serializable so
// it can be checkpointed and resumed.
type WorkflowState struct {
	RequestID       string            `json:"request_id"`
	ConversationID  string            `json:"conversation_id"`
	Status          Status            `json:"status"`
	Channel         channel.Channel   `json:"channel"`
	Question        string            `json:"question"`
	DisplayName     string            `json:"display_name,omitempty"`
	Plan            *ExecutionPlan    `json:"plan,omitempty"`
	Scorecard       *Scorecard        `json:"scorecard,omitempty"`
	Data            *timesheet.Data   `json:"data,omitempty"`
	DataNote        string            `json:"data_note,omitempty"`
	Draft           *Draft            `json:"draft,omitempty"`
	Payload         *FormattedPayload `json:"payload,omitempty"`
	Validation      *ValidationResult `json:"validation,omitempty"`
	RefinementCount int               `json:"refinement_count"`
	FinalResponse   string            `json:"final_response,omitempty"`
	GracefulFailure bool              `json:"graceful_failure"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Result is what the engine hands back to the inbound transport.
type Result struct {
	RequestID           string        `json:"request_id"`
	FinalResponse       string        `json:"final_response"`
	Parts               []PayloadPart `json:"parts,omitempty"`
	ValidationPassed    bool          `json:"validation_passed"`
	RefinementAttempted bool          `json:"refinement_attempted"`
	GracefulFailure     bool          `json:"graceful_failure"`
	TotalDuration       time.Duration `json:"total_duration"`
}

// Turn is one prior exchange fragment from the conversation history.
type Turn struct {
	Role    string    `json:"role"` // user or assistant
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// PlanInput is the inference request for the planning operation.
type PlanInput struct {
	RequestID string
	Message   string
	Channel   channel.Channel
	History   []Turn
	Context   map[string]interface{}
}

// PlanOutput bundles the plan and scorecard an inference backend proposes.
// Planning owns the shape invariants and may repair or reject it.
type PlanOutput struct {
	Plan      ExecutionPlan
	Scorecard Scorecard
}

// ComposeInput is the inference request for drafting a response.
type ComposeInput struct {
	Plan     *ExecutionPlan
	Data     *timesheet.Data
	DataNote string
	History  []Turn
	Context  map[string]interface{}
}

// RefineInput asks the backend to rework a draft using validation feedback.
type RefineInput struct {
	Draft          Draft
	FailedCriteria []Criterion
}

// JudgeInput asks the backend to judge one criterion against the content.
type JudgeInput struct {
	Criterion Criterion
	Content   string
	Channel   channel.Channel
	Question  string
}

// JudgeOutput is the verdict for a single criterion.
type JudgeOutput struct {
	Passed   bool
	Feedback string
}

// FailureInput asks the backend for a user-safe failure message.
type FailureInput struct {
	Question string
	Reason   string
	Channel  channel.Channel
}

// Inference is the language inference port: the five opaque operations the
// engine delegates reasoning to. Every call honors ctx cancellation.
type Inference interface {
	Plan(ctx context.Context, in PlanInput) (*PlanOutput, error)
	Compose(ctx context.Context, in ComposeInput) (*Draft, error)
	Refine(ctx context.Context, in RefineInput) (*Draft, error)
	Judge(ctx context.Context, in JudgeInput) (JudgeOutput, error)
	ComposeFailure(ctx context.Context, in FailureInput) (string, error)
}

// HistoryStore serves the bounded recent conversation window and records the
// completed exchange.
type HistoryStore interface {
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	AppendExchange(ctx context.Context, conversationID, requestID, question, answer string) error
}

// Checkpoint is one durable snapshot of a request after a completed stage.
type Checkpoint struct {
	RequestID string    `json:"request_id"`
	Stage     Status    `json:"stage"`
	State     []byte    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointStore persists per-stage workflow snapshots so a request can be
// resumed after a restart.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LatestCheckpoint(ctx context.Context, requestID string) (Checkpoint, bool, error)
}

// RetrievalCache de-duplicates side-effecting retrieval calls by request id.
// A nil data with ok=true means the first execution ended in a typed failure
// and note carries its reason.
type RetrievalCache interface {
	Get(ctx context.Context, requestID string) (data *timesheet.Data, note string, ok bool, err error)
	Put(ctx context.Context, requestID string, data *timesheet.Data, note string) error
}
