package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// specialTokenPattern matches provider special tokens like <|im_end|>
// that some models leak into tool names.
var specialTokenPattern = regexp.MustCompile(`<\|[^|]*\|>`)

// toolNamePattern is the legal prefix of a tool name; anything after it
// is trailing garbage.
var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+`)

// SanitizeToolName strips special tokens and trailing garbage from a
// model-emitted tool name. Returns an error when nothing usable is
// left.
func SanitizeToolName(name string) (string, error) {
	cleaned := specialTokenPattern.ReplaceAllString(name, "")
	cleaned = strings.TrimSpace(cleaned)
	match := toolNamePattern.FindString(cleaned)
	if match == "" {
		return "", fmt.Errorf("unusable tool name %q", name)
	}
	return match, nil
}

// malformedToolCallMarkers are the XML-ish fragments models emit when
// they try to write a tool call as text instead of using the API.
var malformedToolCallMarkers = []string{
	"<tool_call>",
	"<arg_key>",
	"<arg_value>",
	"<xai:function_call",
	"<parameter name=",
}

// ContainsMalformedToolCall detects a textual tool-call attempt in
// assistant content.
func ContainsMalformedToolCall(content string) bool {
	for _, marker := range malformedToolCallMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

// rawInputPreviewLimit caps how much of a bad argument payload is
// echoed back in a hint message.
const rawInputPreviewLimit = 300

const jsonCorrectionHint = `Your tool call arguments must be corrected:
1. Use double quotes for all strings and keys, never single quotes.
2. Remove any trailing commas.
3. Remove any comments; JSON does not allow them.
4. Escape special characters in strings (\n, \", \\).
5. Send pure JSON only, never XML or markup.`

// ParseFailureHint builds the tool-result content fed back after an
// unparseable arguments payload.
func ParseFailureHint(rawArguments string, parseErr error) string {
	preview := rawArguments
	if len(preview) > rawInputPreviewLimit {
		preview = preview[:rawInputPreviewLimit] + "..."
	}
	return fmt.Sprintf("Error: tool arguments are not valid JSON.\n\nReceived: %s\n\nParse error: %v\n\n%s",
		preview, parseErr, jsonCorrectionHint)
}

// SchemaFailureHint builds the tool-result content fed back after a
// schema validation failure.
func SchemaFailureHint(toolName string, validationErr error) string {
	return fmt.Sprintf("Error: arguments for tool %q do not match its schema.\n\n%v\n\nCheck required fields and field types (an array parameter must be a JSON array, not a scalar), then call the tool again.",
		toolName, validationErr)
}

const malformedToolCallCorrection = `Your previous response contained a malformed tool call written as text. Never write tool calls in your message content. Use the proper tool_calls API: respond with a structured tool call, with arguments as a JSON object.`

const mustUseToolsCorrection = `You must respond with a tool call. Use the available tools to make progress on the task, and call final_response when the work is done.`
