package agent

import (
	"sync"

	"github.com/haasonsaas/taskpilot/internal/llm"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

// compactThreshold is the context usage fraction at which preventative
// compaction fires.
const compactThreshold = 0.70

// ContextTracker maintains a running token estimate for one session.
// Provider-reported usage is preferred; between responses the estimate
// falls back to character-count/4 over the conversation text.
type ContextTracker struct {
	mu            sync.Mutex
	currentTokens int
	triggered     bool
}

// NewContextTracker creates an empty tracker.
func NewContextTracker() *ContextTracker {
	return &ContextTracker{}
}

// EstimateTokens approximates the token count of a message list as
// total characters divided by four, counting content, reasoning, and
// tool-call arguments.
func EstimateTokens(system string, messages []models.Message) int {
	chars := len(system)
	for _, msg := range messages {
		chars += len(msg.Content) + len(msg.ReasoningContent)
		for _, tc := range msg.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return chars / 4
}

// Observe records the outcome of one LLM response. Provider usage wins
// when present; otherwise estimate is used as-is.
func (t *ContextTracker) Observe(usage *llm.Usage, estimate int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if usage != nil && usage.TotalTokens > 0 {
		t.currentTokens = usage.TotalTokens
		return
	}
	t.currentTokens = estimate
}

// Usage returns the current snapshot against the given budget.
func (t *ContextTracker) Usage(maxTokens int) models.ContextUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	usage := models.ContextUsage{CurrentTokens: t.currentTokens, MaxTokens: maxTokens}
	if maxTokens > 0 {
		usage.UsagePercentage = float64(t.currentTokens) / float64(maxTokens) * 100
	}
	return usage
}

// ShouldTriggerAutoCompact reports whether usage has crossed the
// compaction threshold. It fires once per crossing: after returning
// true it stays false until Reset.
func (t *ContextTracker) ShouldTriggerAutoCompact(maxTokens int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.triggered || maxTokens <= 0 {
		return false
	}
	if float64(t.currentTokens) < float64(maxTokens)*compactThreshold {
		return false
	}
	t.triggered = true
	return true
}

// Reset re-arms the trigger with a fresh token count, called after a
// successful compaction.
func (t *ContextTracker) Reset(currentTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentTokens = currentTokens
	t.triggered = false
}
