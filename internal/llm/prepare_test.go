package llm

import (
	"testing"

	"github.com/haasonsaas/taskpilot/pkg/models"
)

func TestPrepareMessagesStripsSystem(t *testing.T) {
	history := []models.Message{
		models.SystemMessage("stale system prompt"),
		models.UserMessage("hi"),
	}
	out := PrepareMessages("fresh system", history, "test-model")
	if len(out) != 2 {
		t.Fatalf("messages = %d, want 2", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "fresh system" {
		t.Errorf("first message = %+v, want fresh system prompt", out[0])
	}
	if out[1].Role != "user" {
		t.Errorf("second message role = %s, want user", out[1].Role)
	}
}

func TestPrepareMessagesFoldsReasoning(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleAssistant, Content: "", ReasoningContent: "thinking out loud"},
	}
	out := PrepareMessages("", history, "test-model")
	if out[0].Content != "thinking out loud" {
		t.Errorf("content = %q, want folded reasoning", out[0].Content)
	}
}

func TestPrepareMessagesGPTOSSToolCallContent(t *testing.T) {
	history := []models.Message{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "1", Name: "read_file", Arguments: "{}"},
				{ID: "2", Name: "write_file", Arguments: "{}"},
			},
		},
	}

	out := PrepareMessages("", history, "GPT-OSS-120B")
	if out[0].Content != "Calling tools: read_file, write_file" {
		t.Errorf("content = %q", out[0].Content)
	}

	// Other models keep the empty content.
	out = PrepareMessages("", history, "gpt-4o")
	if out[0].Content != "" {
		t.Errorf("content = %q, want empty for non gpt-oss model", out[0].Content)
	}
}

func TestPrepareMessagesToolRoundTrip(t *testing.T) {
	history := []models.Message{
		{
			Role:      models.RoleAssistant,
			Content:   "calling",
			ToolCalls: []models.ToolCall{{ID: "call_1", Name: "echo", Arguments: `{"text":"x"}`}},
		},
		models.ToolMessage("x", "call_1"),
	}
	out := PrepareMessages("", history, "test-model")
	if len(out) != 2 {
		t.Fatalf("messages = %d, want 2", len(out))
	}
	if len(out[0].ToolCalls) != 1 || out[0].ToolCalls[0].Function.Arguments != `{"text":"x"}` {
		t.Errorf("assistant tool calls = %+v", out[0].ToolCalls)
	}
	if out[1].Role != "tool" || out[1].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", out[1])
	}
}
