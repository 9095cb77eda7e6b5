package inference

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hourglass-hq/hourglass/internal/engine"
)

func planPrompt(in engine.PlanInput) (string, string) {
	system := `You are the planning component of a timesheet assistant. Given a user
message, produce an execution plan and a scorecard of acceptance criteria for
the eventual answer.

Respond with a single JSON object:
{
  "steps": [{"stage": "composition|retrieval|formatting|validation", "action": "snake_case_action", "parameters": {}}],
  "needs_data": true|false,
  "data_query": {"kind": "hours_summary|entries|target|approvals", "from": "RFC3339 optional", "to": "RFC3339 optional"},
  "criteria": [{"id": "c1", "description": "measurable check on the answer", "expected": "what passing looks like"}]
}

Rules:
- steps must never be empty.
- needs_data is true only when answering requires timesheet data.
- every criterion must be concrete and independently judgeable against the
  final answer text; include a criterion about answering the question asked.
- for channels without markup support, include a criterion that the answer
  contains no markup.`

	user := fmt.Sprintf("CHANNEL: %s\n%sUSER MESSAGE: %s", in.Channel, renderHistory(in.History), in.Message)
	return system, user
}

func composePrompt(in engine.ComposeInput) (string, string) {
	system := `You are the drafting component of a timesheet assistant. Write the reply
to the user's request using the provided timesheet data. Keep the reply
channel-agnostic plain prose; downstream formatting handles channel rules.

If the data is missing or marked unavailable, still reply: acknowledge that
the data could not be fetched and say what the user can do. Never invent
numbers.

Respond with a single JSON object:
{"text": "the reply", "kind": "answer|conversational|apology", "used_data": true|false, "confidence": 0.0-1.0}`

	var b strings.Builder
	b.WriteString(renderHistory(in.History))
	if in.Data != nil {
		raw, _ := json.Marshal(in.Data)
		fmt.Fprintf(&b, "TIMESHEET DATA: %s\n", raw)
	} else if in.DataNote != "" {
		fmt.Fprintf(&b, "TIMESHEET DATA UNAVAILABLE: %s\n", in.DataNote)
	}
	if in.Plan != nil {
		fmt.Fprintf(&b, "PLANNED STEPS: %d\n", len(in.Plan.Steps))
	}
	return system, b.String()
}

func refinePrompt(in engine.RefineInput) (string, string) {
	system := `You are revising a draft reply that failed quality checks. Rework the
draft so that every piece of feedback below is addressed. Keep everything
that already satisfied the checks.

Respond with a single JSON object:
{"text": "the revised reply", "kind": "answer|conversational|apology", "used_data": true|false, "confidence": 0.0-1.0}`

	var b strings.Builder
	fmt.Fprintf(&b, "CURRENT DRAFT:\n%s\n\nFAILED CHECKS:\n", in.Draft.Text)
	for _, c := range in.FailedCriteria {
		fmt.Fprintf(&b, "- [%s] %s — feedback: %s\n", c.ID, c.Description, c.Feedback)
	}
	return system, b.String()
}

func judgePrompt(in engine.JudgeInput) (string, string) {
	system := `You are a strict evaluator. Judge exactly one criterion against the
candidate response. Be literal: pass only when the criterion clearly holds.

Respond with a single JSON object:
{"passed": true|false, "feedback": "required when passed is false: what is wrong and how to fix it"}`

	user := fmt.Sprintf(
		"ORIGINAL QUESTION: %s\nCHANNEL: %s\nCRITERION: %s\nEXPECTED: %s\n\nCANDIDATE RESPONSE:\n%s",
		in.Question, in.Channel, in.Criterion.Description, in.Criterion.Expected, in.Content)
	return system, user
}

func failurePrompt(in engine.FailureInput) (string, string) {
	system := `Write a short, warm apology telling the user their request could not be
answered reliably right now and inviting them to try again. Do not mention
internal checks, systems, or error details. Plain text only.

Respond with a single JSON object: {"message": "the apology"}`

	user := fmt.Sprintf("CHANNEL: %s\nUSER ASKED: %s", in.Channel, in.Question)
	return system, user
}

func renderHistory(turns []engine.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("RECENT CONVERSATION:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	b.WriteString("\n")
	return b.String()
}
