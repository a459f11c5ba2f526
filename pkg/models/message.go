package models

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the unified conversation message format shared by the agent
// loop, the LLM client, and the worker protocol. The JSON shape is
// wire-compatible with OpenAI chat completions.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a role=tool message to the assistant tool call it
	// answers. A tool message whose ToolCallID does not name a tool call
	// in an earlier assistant message is invalid and is dropped during
	// validation.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ReasoningContent carries chain-of-thought text from reasoning
	// models. It is folded into Content before requests are sent.
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ToolCall is an LLM instruction to execute a named tool.
// Arguments is text that should contain JSON; parsing it may fail and
// parse failures are handled as first-class loop events.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the normalized output of one tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// SystemMessage builds a role=system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a role=user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds a role=assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage builds a role=tool message answering the given tool call.
func ToolMessage(content, toolCallID string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}
