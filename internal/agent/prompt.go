package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/taskpilot/internal/tools"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

const loopPreamble = `You are a coding assistant executing a planned task. You have a TODO list; work through it step by step.

Rules:
- You MUST respond with exactly one tool call per turn. Never answer in plain text.
- Never write tool calls as text or XML in your message content; use the tool_calls API.
- Use write_todos and update_todos to keep the TODO list current as you work.
- Use tell_to_user for progress updates; use ask_to_user only when you cannot proceed without input.
- When all work is done, call final_response exactly once with the complete answer.`

const gitRules = `GIT RULES:
- Never commit, push, or rewrite history unless the user explicitly asked for it.
- Inspect state with read-only commands (status, log, diff) before modifying anything.`

const visionRule = `CRITICAL: After every UI-affecting action, capture a screenshot and verify the result visually before moving on. Do not assume an action succeeded.`

// BuildSystemPrompt assembles the loop's system prompt: preamble, tool
// summary, working directory, then conditional git and vision rules.
func BuildSystemPrompt(registry *tools.Registry, workingDir string) string {
	parts := []string{
		loopPreamble,
		registry.SummaryForPlanning(),
		"WORKING DIRECTORY: " + workingDir,
	}
	if isGitRepo(workingDir) {
		parts = append(parts, gitRules)
	}
	if registry.IsEnabled(tools.GroupVision) {
		parts = append(parts, visionRule)
	}
	return strings.Join(parts, "\n\n")
}

func isGitRepo(workingDir string) bool {
	info, err := os.Stat(filepath.Join(workingDir, ".git"))
	return err == nil && info.IsDir()
}

// BuildEnvelope renders the single user message the loop sends each
// iteration. History never reaches the model as raw messages; it is
// flattened into tagged sections so the model cannot confuse past turns
// with the current request.
func BuildEnvelope(todos []models.TodoItem, history []models.Message, visionEnabled bool) string {
	var b strings.Builder

	b.WriteString("<CURRENT_TASK>\n")
	b.WriteString(tools.RenderTodoList(todos))
	b.WriteString("\n</CURRENT_TASK>\n\n")

	prior, last := splitHistory(history)
	b.WriteString("<CONVERSATION_HISTORY>\n")
	if len(prior) == 0 {
		b.WriteString("(none)\n")
	} else {
		for _, msg := range prior {
			b.WriteString(flattenMessage(msg))
			b.WriteString("\n")
		}
	}
	b.WriteString("</CONVERSATION_HISTORY>\n\n")

	b.WriteString("<CURRENT_REQUEST>\n")
	if last != nil {
		b.WriteString(flattenMessage(*last))
	} else {
		b.WriteString("(none)")
	}
	b.WriteString("\n</CURRENT_REQUEST>")

	if visionEnabled {
		b.WriteString("\n\n")
		b.WriteString(visionRule)
	}
	return b.String()
}

func splitHistory(history []models.Message) (prior []models.Message, last *models.Message) {
	if len(history) == 0 {
		return nil, nil
	}
	return history[:len(history)-1], &history[len(history)-1]
}

func flattenMessage(msg models.Message) string {
	tag := "[" + strings.ToUpper(string(msg.Role)) + "]"
	switch msg.Role {
	case models.RoleTool:
		tag = "[TOOL_RESULT]"
	case models.RoleAssistant:
		if len(msg.ToolCalls) > 0 && msg.Content == "" {
			names := make([]string, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				names[i] = tc.Name
			}
			return fmt.Sprintf("%s: (called %s)", tag, strings.Join(names, ", "))
		}
	}
	return tag + ": " + msg.Content
}
