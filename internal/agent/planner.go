package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/taskpilot/internal/llm"
	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

// maxClarifications bounds the planner's ask-user round trips.
const maxClarifications = 3

const plannerSystemPrompt = `You are the planning stage of a coding assistant. Decide how to handle the user's request.

Respond with a single JSON object, no prose, in one of two shapes:

1. For purely conversational or trivially answerable requests:
{"directResponse": "<your answer>"}

2. For requests that need actual work:
{"todos": [{"title": "<step>"}, ...], "title": "<short session title>", "complexity": "low" | "medium" | "high"}

Rules:
- TODO titles are short imperative steps, in execution order.
- Prefer 2-8 TODOs; split large steps, merge trivial ones.
- "title" names the session for the user, a few words.
- If the request is ambiguous in a way that would change the plan, call the ask_to_user tool first.
%s`

// PlanResult is the planner's decision for one user request.
type PlanResult struct {
	// DirectResponse is non-empty when the request needs no tools; the
	// loop returns it verbatim without iterating.
	DirectResponse string

	Todos      []models.TodoItem
	Title      string
	Complexity string

	// Clarifications carries any ask-user Q&A exchanged during
	// planning, prepended to history by the loop.
	Clarifications []models.Message
}

type plannerOutput struct {
	DirectResponse string `json:"directResponse"`
	Todos          []struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	} `json:"todos"`
	Title      string `json:"title"`
	Complexity string `json:"complexity"`
}

// Planner turns a user request into either a direct answer or an
// ordered TODO list via a single LLM call.
type Planner struct {
	client  ChatClient
	logger  *observability.Logger
	askUser func(ctx context.Context, question string) (string, error)
}

// NewPlanner builds a planner. askUser may be nil, in which case the
// planner never asks clarifying questions.
func NewPlanner(client ChatClient, logger *observability.Logger, askUser func(ctx context.Context, question string) (string, error)) *Planner {
	return &Planner{client: client, logger: logger, askUser: askUser}
}

// Plan runs the planning call. Any error is returned as-is; the caller
// treats planner failure as non-fatal and proceeds with an empty TODO
// list.
func (p *Planner) Plan(ctx context.Context, userMessage string, history []models.Message, toolSummary string) (*PlanResult, error) {
	system := fmt.Sprintf(plannerSystemPrompt, toolSummary)

	messages := append([]models.Message{}, history...)
	messages = append(messages, models.UserMessage(userMessage))

	var clarifications []models.Message
	askTool := []models.ToolSchema{{
		Name:        "ask_to_user",
		Description: "Ask the user one clarifying question before planning.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string", "description": "The question to ask."},
			},
			"required": []string{"question"},
		},
	}}

	for round := 0; ; round++ {
		req := &llm.Request{System: system, Messages: messages}
		if p.askUser != nil && round < maxClarifications {
			req.Tools = askTool
		}

		resp, err := p.client.Chat(ctx, req)
		if err != nil {
			return nil, err
		}

		if question, ok := extractAskToUser(resp.Message); ok && p.askUser != nil && round < maxClarifications {
			answer, err := p.askUser(ctx, question)
			if err != nil {
				return nil, err
			}
			qa := []models.Message{
				models.AssistantMessage(question),
				models.UserMessage(answer),
			}
			clarifications = append(clarifications, qa...)
			messages = append(messages, qa...)
			continue
		}

		result, err := p.parse(resp.Message.Content)
		if err != nil {
			return nil, err
		}
		result.Clarifications = clarifications
		return result, nil
	}
}

func extractAskToUser(msg models.Message) (string, bool) {
	for _, tc := range msg.ToolCalls {
		if tc.Name != "ask_to_user" {
			continue
		}
		var args struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err == nil && args.Question != "" {
			return args.Question, true
		}
	}
	return "", false
}

func (p *Planner) parse(content string) (*PlanResult, error) {
	text := extractJSONObject(content)
	if text == "" {
		return nil, fmt.Errorf("planner returned no JSON object")
	}

	var out plannerOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("planner output is not valid JSON: %w", err)
	}

	if out.DirectResponse != "" {
		return &PlanResult{DirectResponse: out.DirectResponse}, nil
	}
	if len(out.Todos) == 0 {
		return nil, fmt.Errorf("planner output has neither directResponse nor todos")
	}

	result := &PlanResult{Title: out.Title, Complexity: out.Complexity}
	for _, item := range out.Todos {
		if strings.TrimSpace(item.Title) == "" {
			continue
		}
		id := item.ID
		if id == "" {
			id = uuid.NewString()
		}
		status := models.TodoStatus(item.Status)
		if !status.Valid() {
			status = models.TodoPending
		}
		result.Todos = append(result.Todos, models.TodoItem{ID: id, Title: item.Title, Status: status})
	}
	if len(result.Todos) == 0 {
		return nil, fmt.Errorf("planner todos all empty")
	}
	return result, nil
}

// extractJSONObject pulls the outermost {...} from model output,
// tolerating code fences and surrounding prose.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}
