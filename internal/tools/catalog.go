package tools

// Tool group ids. Communication and todo are core: always enabled,
// never disabled. The rest are optional and toggled per session.
const (
	GroupCommunication = "communication"
	GroupTodo          = "todo"
	GroupFile          = "file"
	GroupShell         = "shell"
	GroupOffice        = "office"
	GroupBrowser       = "browser"
	GroupVision        = "vision"
)

// CoreGroups are always enabled and cannot be disabled.
var CoreGroups = map[string]bool{
	GroupCommunication: true,
	GroupTodo:          true,
}

// NoApprovalTools never prompt in supervised mode: they talk to the
// user or mutate the plan, nothing else.
var NoApprovalTools = map[string]bool{
	"tell_to_user":   true,
	"ask_to_user":    true,
	"final_response": true,
	"write_todos":    true,
	"update_todos":   true,
	"get_todo_list":  true,
}

// ObjectSchema builds a JSON-Schema object with the given properties and
// required list, the shape every tool definition uses.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProp builds a string-typed schema property.
func StringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// NumberProp builds a number-typed schema property.
func NumberProp(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

// ArrayProp builds an array-typed schema property with the given item
// schema.
func ArrayProp(description string, items map[string]any) map[string]any {
	return map[string]any{"type": "array", "description": description, "items": items}
}
