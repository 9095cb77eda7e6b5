// Package inference implements the engine's language inference port on top
// of an OpenAI-compatible chat completions API.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hourglass-hq/hourglass/internal/config"
	"github.com/hourglass-hq/hourglass/internal/engine"
	"github.com/hourglass-hq/hourglass/internal/timesheet"
)

// Client calls an OpenAI-compatible chat completions endpoint. It implements
// engine.Inference.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	judgeModel  string
	temperature float64
	maxTokens   int
	http        *http.Client
	logger      *log.Logger
}

var _ engine.Inference = (*Client)(nil)

// NewClient builds an inference client from configuration.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm.api_key is not configured")
	}
	judgeModel := cfg.JudgeModel
	if judgeModel == "" {
		judgeModel = cfg.Model
	}
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		model:       cfg.Model,
		judgeModel:  judgeModel,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		http:        &http.Client{Timeout: cfg.Timeout},
		logger:      log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) chat(ctx context.Context, model, system, user string) (string, error) {
	body := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat API returned status %d", resp.StatusCode)
	}
	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("chat response has no choices")
	}
	c.logger.Printf("chat %s: %d+%d tokens in %v", model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, time.Since(start))
	return parsed.Choices[0].Message.Content, nil
}

// planDoc is the JSON shape the planning prompt asks for.
type planDoc struct {
	Steps []struct {
		Stage      string                 `json:"stage"`
		Action     string                 `json:"action"`
		Parameters map[string]interface{} `json:"parameters"`
	} `json:"steps"`
	NeedsData bool `json:"needs_data"`
	DataQuery *struct {
		Kind string `json:"kind"`
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"data_query"`
	Criteria []struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Expected    string `json:"expected"`
	} `json:"criteria"`
}

// Plan asks the model for an execution plan and scorecard. Shape invariants
// are enforced by the caller, not here.
func (c *Client) Plan(ctx context.Context, in engine.PlanInput) (*engine.PlanOutput, error) {
	system, user := planPrompt(in)
	raw, err := c.chat(ctx, c.model, system, user)
	if err != nil {
		return nil, err
	}
	blob, err := extractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("plan response: %w", err)
	}
	var doc planDoc
	if err := json.Unmarshal([]byte(blob), &doc); err != nil {
		return nil, fmt.Errorf("parsing plan response: %w", err)
	}

	out := &engine.PlanOutput{
		Plan: engine.ExecutionPlan{
			RequestID: in.RequestID,
			NeedsData: doc.NeedsData,
			Context:   in.Context,
		},
		Scorecard: engine.Scorecard{RequestID: in.RequestID},
	}
	for _, s := range doc.Steps {
		out.Plan.Steps = append(out.Plan.Steps, engine.PlanStep{Stage: s.Stage, Action: s.Action, Parameters: s.Parameters})
	}
	if doc.DataQuery != nil {
		q := &timesheet.Query{Kind: doc.DataQuery.Kind}
		if t, err := time.Parse(time.RFC3339, doc.DataQuery.From); err == nil {
			q.From = t
		}
		if t, err := time.Parse(time.RFC3339, doc.DataQuery.To); err == nil {
			q.To = t
		}
		out.Plan.DataQuery = q
	}
	for _, cr := range doc.Criteria {
		out.Scorecard.Criteria = append(out.Scorecard.Criteria, engine.Criterion{
			ID:          cr.ID,
			Description: cr.Description,
			Expected:    cr.Expected,
		})
	}
	return out, nil
}

// draftDoc is the JSON shape compose and refine prompts ask for.
type draftDoc struct {
	Text       string  `json:"text"`
	Kind       string  `json:"kind"`
	UsedData   bool    `json:"used_data"`
	Confidence float64 `json:"confidence"`
}

// Compose asks the model for the initial draft.
func (c *Client) Compose(ctx context.Context, in engine.ComposeInput) (*engine.Draft, error) {
	system, user := composePrompt(in)
	return c.draft(ctx, system, user, "compose")
}

// Refine asks the model to rework a draft against the failed criteria.
func (c *Client) Refine(ctx context.Context, in engine.RefineInput) (*engine.Draft, error) {
	system, user := refinePrompt(in)
	return c.draft(ctx, system, user, "refine")
}

func (c *Client) draft(ctx context.Context, system, user, op string) (*engine.Draft, error) {
	raw, err := c.chat(ctx, c.model, system, user)
	if err != nil {
		return nil, err
	}
	blob, err := extractJSON(raw)
	if err != nil {
		// Some models reply with bare prose despite the JSON instruction;
		// take it as the draft text rather than failing the stage.
		return &engine.Draft{Text: strings.TrimSpace(raw), Kind: "answer", Confidence: 0.5}, nil
	}
	var doc draftDoc
	if err := json.Unmarshal([]byte(blob), &doc); err != nil {
		return nil, fmt.Errorf("parsing %s response: %w", op, err)
	}
	return &engine.Draft{Text: doc.Text, Kind: doc.Kind, UsedData: doc.UsedData, Confidence: doc.Confidence}, nil
}

// Judge asks the model to judge one criterion against the content.
func (c *Client) Judge(ctx context.Context, in engine.JudgeInput) (engine.JudgeOutput, error) {
	system, user := judgePrompt(in)
	raw, err := c.chat(ctx, c.judgeModel, system, user)
	if err != nil {
		return engine.JudgeOutput{}, err
	}
	blob, err := extractJSON(raw)
	if err != nil {
		return engine.JudgeOutput{}, fmt.Errorf("judge response: %w", err)
	}
	var doc struct {
		Passed   bool   `json:"passed"`
		Feedback string `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(blob), &doc); err != nil {
		return engine.JudgeOutput{}, fmt.Errorf("parsing judge response: %w", err)
	}
	return engine.JudgeOutput{Passed: doc.Passed, Feedback: doc.Feedback}, nil
}

// ComposeFailure asks the model for a user-safe apology.
func (c *Client) ComposeFailure(ctx context.Context, in engine.FailureInput) (string, error) {
	system, user := failurePrompt(in)
	raw, err := c.chat(ctx, c.model, system, user)
	if err != nil {
		return "", err
	}
	blob, err := extractJSON(raw)
	if err != nil {
		return strings.TrimSpace(raw), nil
	}
	var doc struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(blob), &doc); err != nil {
		return "", fmt.Errorf("parsing failure response: %w", err)
	}
	return doc.Message, nil
}
