package agent

import (
	"testing"

	"github.com/haasonsaas/taskpilot/internal/llm"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

func TestEstimateTokens(t *testing.T) {
	messages := []models.Message{
		models.UserMessage("12345678"), // 8 chars
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{Name: "echo", Arguments: `{"x":1}`}, // 4 + 7 chars
		}},
	}
	got := EstimateTokens("sys", messages) // 3 + 8 + 11 = 22 chars
	if got != 5 {
		t.Errorf("EstimateTokens = %d, want 5", got)
	}
}

func TestObservePrefersProviderUsage(t *testing.T) {
	tr := NewContextTracker()
	tr.Observe(&llm.Usage{TotalTokens: 900}, 100)
	if usage := tr.Usage(1000); usage.CurrentTokens != 900 {
		t.Errorf("CurrentTokens = %d, want 900", usage.CurrentTokens)
	}
	tr.Observe(nil, 250)
	if usage := tr.Usage(1000); usage.CurrentTokens != 250 {
		t.Errorf("fallback CurrentTokens = %d, want 250", usage.CurrentTokens)
	}
}

func TestUsagePercentage(t *testing.T) {
	tr := NewContextTracker()
	tr.Observe(nil, 700)
	usage := tr.Usage(1000)
	if usage.UsagePercentage != 70 {
		t.Errorf("UsagePercentage = %v, want 70", usage.UsagePercentage)
	}
}

func TestAutoCompactTriggerFiresOncePerCrossing(t *testing.T) {
	tr := NewContextTracker()

	tr.Observe(nil, 699)
	if tr.ShouldTriggerAutoCompact(1000) {
		t.Fatal("trigger fired below threshold")
	}

	tr.Observe(nil, 700)
	if !tr.ShouldTriggerAutoCompact(1000) {
		t.Fatal("trigger did not fire at threshold")
	}
	if tr.ShouldTriggerAutoCompact(1000) {
		t.Fatal("trigger fired twice without reset")
	}

	tr.Observe(nil, 999)
	if tr.ShouldTriggerAutoCompact(1000) {
		t.Fatal("trigger re-fired before reset even as usage grew")
	}

	tr.Reset(100)
	if tr.ShouldTriggerAutoCompact(1000) {
		t.Fatal("trigger fired immediately after reset with low usage")
	}
	tr.Observe(nil, 800)
	if !tr.ShouldTriggerAutoCompact(1000) {
		t.Fatal("trigger did not re-arm after reset")
	}
}

func TestAutoCompactZeroBudget(t *testing.T) {
	tr := NewContextTracker()
	tr.Observe(nil, 1000000)
	if tr.ShouldTriggerAutoCompact(0) {
		t.Error("trigger fired with no budget configured")
	}
}
