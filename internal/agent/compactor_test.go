package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

func compactorFixture(turns []fakeTurn) (*Compactor, *fakeClient) {
	client := &fakeClient{turns: turns}
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	return NewCompactor(client, logger, observability.NopMetrics()), client
}

func conversation(n int) []models.Message {
	var out []models.Message
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			out = append(out, models.UserMessage("question"))
		} else {
			out = append(out, models.AssistantMessage("answer"))
		}
	}
	return out
}

func TestCompactInsufficientMessages(t *testing.T) {
	c, client := compactorFixture(nil)

	result := c.Compact(context.Background(), conversation(4), "/work", "preventative")
	if result.Success {
		t.Fatal("compacted a 4-message conversation")
	}
	if result.Reason != "insufficient messages" {
		t.Errorf("reason = %q", result.Reason)
	}
	if client.requestCount() != 0 {
		t.Error("LLM was called despite the precondition failing")
	}
}

func TestCompactIgnoresSystemMessages(t *testing.T) {
	c, _ := compactorFixture(nil)

	// 4 real messages + 3 system messages: still insufficient.
	msgs := append(conversation(4),
		models.SystemMessage("a"), models.SystemMessage("b"), models.SystemMessage("c"))
	if result := c.Compact(context.Background(), msgs, "/work", "preventative"); result.Success {
		t.Fatal("system messages counted toward the minimum")
	}
}

func TestCompactProducesSyntheticPair(t *testing.T) {
	summary := "## Session Context\n### Goal\nShip the feature."
	c, client := compactorFixture([]fakeTurn{{resp: assistantText(summary)}})

	result := c.Compact(context.Background(), conversation(6), "/home/dev/proj", "preventative")
	if !result.Success {
		t.Fatalf("compact failed: %s", result.Reason)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("synthetic messages = %d, want 2", len(result.Messages))
	}

	user, assistant := result.Messages[0], result.Messages[1]
	if user.Role != models.RoleUser {
		t.Errorf("first message role = %s", user.Role)
	}
	if !strings.HasPrefix(user.Content, "[SESSION CONTEXT - Previous conversation was compacted]") {
		t.Errorf("user content prefix wrong: %q", user.Content)
	}
	if !strings.Contains(user.Content, summary) {
		t.Error("summary missing from synthetic user message")
	}
	if !strings.Contains(user.Content, "Working Directory: /home/dev/proj") {
		t.Error("working directory missing from synthetic user message")
	}
	if assistant.Role != models.RoleAssistant ||
		assistant.Content != "Understood. I have the session context and will continue from here." {
		t.Errorf("assistant ack = %+v", assistant)
	}

	req := client.requests[0]
	if !strings.Contains(req.System, "## Session Context") {
		t.Error("system prompt does not pin the summary structure")
	}
	if !strings.Contains(req.Messages[0].Content, "Working Directory: /home/dev/proj") {
		t.Error("prompt missing working directory")
	}
}

func TestCompactTruncatesLongMessages(t *testing.T) {
	c, client := compactorFixture([]fakeTurn{{resp: assistantText("## Session Context\nok")}})

	msgs := conversation(5)
	msgs[0].Content = strings.Repeat("z", compactMessageTruncate+500)
	if result := c.Compact(context.Background(), msgs, "/w", "preventative"); !result.Success {
		t.Fatalf("compact failed: %s", result.Reason)
	}

	prompt := client.requests[0].Messages[0].Content
	if !strings.Contains(prompt, "... [truncated]") {
		t.Error("oversized message was not truncated in the prompt")
	}
}

func TestCompactTwiceYieldsValidPairs(t *testing.T) {
	c, _ := compactorFixture([]fakeTurn{
		{resp: assistantText("## Session Context\nfirst")},
		{resp: assistantText("## Session Context\nsecond")},
	})

	input := conversation(6)
	first := c.Compact(context.Background(), input, "/w", "preventative")
	second := c.Compact(context.Background(), input, "/w", "preventative")
	for i, result := range []*CompactResult{first, second} {
		if !result.Success || len(result.Messages) != 2 {
			t.Errorf("compact #%d = %+v", i+1, result)
		}
	}
}

func TestCompactLLMFailure(t *testing.T) {
	c, _ := compactorFixture([]fakeTurn{{err: context.DeadlineExceeded}})
	result := c.Compact(context.Background(), conversation(6), "/w", "preventative")
	if result.Success || result.Reason == "" {
		t.Errorf("result = %+v", result)
	}
}
