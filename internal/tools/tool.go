package tools

import (
	"context"

	"github.com/haasonsaas/taskpilot/pkg/models"
)

// MetadataFinalResponse marks the result of the distinguished terminal
// tool. The loop checks it to end a run.
const MetadataFinalResponse = "isFinalResponse"

// Result is the normalized outcome of one tool invocation. Handlers
// never panic through this boundary and never return Go errors; failures
// are carried in Error with Success=false.
type Result struct {
	Success  bool           `json:"success"`
	Result   string         `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Content renders the result as tool-message text for the conversation.
func (r *Result) Content() string {
	if r.Result != "" {
		return r.Result
	}
	if !r.Success && r.Error != "" {
		return "Error: " + r.Error
	}
	return "(no output)"
}

// Ok builds a successful result.
func Ok(result string) *Result {
	return &Result{Success: true, Result: result}
}

// Fail builds a failed result.
func Fail(format string) *Result {
	return &Result{Success: false, Error: format}
}

// TodoStore is the per-session TODO list the todo tool group mutates.
// The agent run state implements it.
type TodoStore interface {
	SetTodos(todos []models.TodoItem)
	GetTodos() []models.TodoItem
	UpdateTodo(id string, status models.TodoStatus, note string) bool
}

// Context carries the per-run collaborators a handler may use. Handlers
// must honor ctx cancellation and return within a few seconds of it.
type Context struct {
	// WorkingDirectory is the session's working directory; relative
	// paths in tool arguments resolve against it.
	WorkingDirectory string

	// Emit broadcasts an event to the UI (channel name plus payload).
	// Nil-safe via the EmitEvent helper.
	Emit func(channel string, data ...any)

	// AskUser performs the ask-user round trip. Blocks until the user
	// answers, the timeout elapses, or ctx is cancelled.
	AskUser func(ctx context.Context, request string) (string, error)

	// Todos is the session TODO list.
	Todos TodoStore
}

// EmitEvent broadcasts through the context when a sink is installed.
func (c *Context) EmitEvent(channel string, data ...any) {
	if c != nil && c.Emit != nil {
		c.Emit(channel, data...)
	}
}

// Handler executes one tool call. args is the parsed JSON argument
// object; schema validation has already happened when a handler runs.
type Handler func(ctx context.Context, args map[string]any, tctx *Context) *Result

// Definition describes one registered tool. Immutable after
// registration.
type Definition struct {
	Name        string
	Description string

	// Parameters is a JSON-Schema object with "properties" and
	// "required"; it is handed to the LLM verbatim.
	Parameters map[string]any

	GroupID          string
	RequiresApproval bool
}

// Schema returns the provider-facing view of the definition.
func (d Definition) Schema() models.ToolSchema {
	return models.ToolSchema{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
	}
}

// Group bundles definitions with their handlers under an enableable id.
type Group struct {
	ID       string
	Defs     []Definition
	Handlers map[string]Handler
}
