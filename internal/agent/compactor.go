package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/taskpilot/internal/llm"
	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

// minCompactMessages is the smallest conversation worth summarizing.
const minCompactMessages = 5

// compactMessageTruncate caps each message's contribution to the
// summarization prompt.
const compactMessageTruncate = 3000

const compactSystemPrompt = `You are a conversation summarizer for a coding assistant. Produce a markdown summary of the session so far using EXACTLY this structure:

## Session Context
### Goal
### Status
### Key Decisions
### Constraints Learned
### Files Modified
### Active Tasks
### Technical Notes
### Next Steps

Rules:
- Keep the summary under 2000 tokens.
- Write in the same language as the conversation.
- Preserve file paths, command lines, and error messages verbatim.
- Omit pleasantries and repeated tool output; keep conclusions.`

// CompactResult is the outcome of one summarization attempt.
type CompactResult struct {
	Success bool
	Reason  string

	// Messages is the two-message synthetic history that replaces the
	// original conversation when Success is true.
	Messages []models.Message

	// Summary is the raw model output, kept for the UI.
	Summary string
}

// Compactor summarizes a conversation into a compact synthetic history
// via a single LLM call.
type Compactor struct {
	client  ChatClient
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewCompactor builds a compactor over the session's LLM client.
func NewCompactor(client ChatClient, logger *observability.Logger, metrics *observability.Metrics) *Compactor {
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Compactor{client: client, logger: logger, metrics: metrics}
}

// Compact summarizes the conversation. Requires at least five
// non-system messages; shorter histories return a failed result, not an
// error. trigger labels the attempt for metrics ("preventative" or
// "context_length").
func (c *Compactor) Compact(ctx context.Context, messages []models.Message, workingDir, trigger string) *CompactResult {
	var compactable []models.Message
	for _, msg := range messages {
		if msg.Role != models.RoleSystem {
			compactable = append(compactable, msg)
		}
	}
	if len(compactable) < minCompactMessages {
		return &CompactResult{Success: false, Reason: "insufficient messages"}
	}

	req := &llm.Request{
		System:   compactSystemPrompt,
		Messages: []models.Message{models.UserMessage(c.buildPrompt(compactable, workingDir))},
	}
	resp, err := c.client.Chat(ctx, req)
	if err != nil {
		c.metrics.CompactionCounter.WithLabelValues(trigger, "error").Inc()
		c.logger.Warn("compaction failed", "trigger", trigger, "error", err)
		return &CompactResult{Success: false, Reason: err.Error()}
	}

	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		c.metrics.CompactionCounter.WithLabelValues(trigger, "error").Inc()
		return &CompactResult{Success: false, Reason: "empty summary"}
	}

	c.metrics.CompactionCounter.WithLabelValues(trigger, "success").Inc()
	c.logger.Info("conversation compacted",
		"trigger", trigger, "messages", len(compactable), "summary_chars", len(summary))
	return &CompactResult{
		Success:  true,
		Summary:  summary,
		Messages: SyntheticCompactPair(summary, workingDir),
	}
}

// SyntheticCompactPair builds the user/assistant pair that stands in
// for a compacted conversation.
func SyntheticCompactPair(summary, workingDir string) []models.Message {
	return []models.Message{
		models.UserMessage(fmt.Sprintf(
			"[SESSION CONTEXT - Previous conversation was compacted]\n\n%s\n\n---\nWorking Directory: %s",
			summary, workingDir)),
		models.AssistantMessage("Understood. I have the session context and will continue from here."),
	}
}

func (c *Compactor) buildPrompt(messages []models.Message, workingDir string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Working Directory: %s\n", workingDir)
	fmt.Fprintf(&b, "Model: %s\n\n", c.client.Model())
	b.WriteString("Conversation to summarize:\n\n```\n")
	for _, msg := range messages {
		text := msg.Content
		if text == "" && len(msg.ToolCalls) > 0 {
			names := make([]string, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				names[i] = tc.Name
			}
			text = "(called tools: " + strings.Join(names, ", ") + ")"
		}
		if len(text) > compactMessageTruncate {
			text = text[:compactMessageTruncate] + "... [truncated]"
		}
		fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(string(msg.Role)), text)
	}
	b.WriteString("```")
	return b.String()
}
