package agent

import (
	"context"
	"testing"

	"github.com/haasonsaas/taskpilot/internal/llm"
	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

func plannerFixture(turns []fakeTurn, askUser func(context.Context, string) (string, error)) (*Planner, *fakeClient) {
	client := &fakeClient{turns: turns}
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	return NewPlanner(client, logger, askUser), client
}

func TestPlanDirectResponse(t *testing.T) {
	p, _ := plannerFixture([]fakeTurn{
		{resp: assistantText(`{"directResponse": "4"}`)},
	}, nil)

	plan, err := p.Plan(context.Background(), "What is 2+2?", nil, "tools")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.DirectResponse != "4" || len(plan.Todos) != 0 {
		t.Errorf("plan = %+v", plan)
	}
}

func TestPlanTodos(t *testing.T) {
	p, _ := plannerFixture([]fakeTurn{
		{resp: assistantText("Here is the plan:\n```json\n" +
			`{"todos":[{"title":"Inspect the repo"},{"title":"Fix the bug","status":"in_progress"},{"title":""}],"title":"Bug Fix","complexity":"medium"}` +
			"\n```")},
	}, nil)

	plan, err := p.Plan(context.Background(), "fix it", nil, "tools")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Todos) != 2 {
		t.Fatalf("todos = %v, want 2 (empty title dropped)", plan.Todos)
	}
	if plan.Todos[0].ID == "" {
		t.Error("todo ids were not assigned")
	}
	if plan.Todos[0].Status != models.TodoPending || plan.Todos[1].Status != models.TodoInProgress {
		t.Errorf("statuses = %v / %v", plan.Todos[0].Status, plan.Todos[1].Status)
	}
	if plan.Title != "Bug Fix" || plan.Complexity != "medium" {
		t.Errorf("title/complexity = %q/%q", plan.Title, plan.Complexity)
	}
}

func TestPlanInvalidOutputIsError(t *testing.T) {
	for _, content := range []string{
		"no json at all",
		`{"neither": true}`,
		`{"todos": []}`,
	} {
		p, _ := plannerFixture([]fakeTurn{{resp: assistantText(content)}}, nil)
		if _, err := p.Plan(context.Background(), "work", nil, "tools"); err == nil {
			t.Errorf("content %q: expected error", content)
		}
	}
}

func TestPlanClarificationRoundTrip(t *testing.T) {
	asked := []string{}
	askUser := func(_ context.Context, question string) (string, error) {
		asked = append(asked, question)
		return "the staging cluster", nil
	}
	p, client := plannerFixture([]fakeTurn{
		{resp: &llm.Response{Message: models.Message{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{{
				ID: "a1", Name: "ask_to_user",
				Arguments: `{"question":"Which cluster should I target?"}`,
			}},
		}}},
		{resp: assistantText(`{"todos":[{"title":"Deploy to staging"}],"title":"Deploy","complexity":"low"}`)},
	}, askUser)

	plan, err := p.Plan(context.Background(), "deploy it", nil, "tools")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(asked) != 1 || asked[0] != "Which cluster should I target?" {
		t.Errorf("asked = %v", asked)
	}
	if len(plan.Clarifications) != 2 {
		t.Fatalf("clarifications = %v, want Q+A pair", plan.Clarifications)
	}
	if plan.Clarifications[0].Role != models.RoleAssistant || plan.Clarifications[1].Content != "the staging cluster" {
		t.Errorf("clarification pair = %+v", plan.Clarifications)
	}
	if client.requestCount() != 2 {
		t.Errorf("LLM calls = %d, want 2", client.requestCount())
	}
	// The second request sees the Q&A in its history.
	second := client.requests[1]
	if len(second.Messages) < 3 {
		t.Errorf("second request history = %d messages", len(second.Messages))
	}
}
