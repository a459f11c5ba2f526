package models

// ToolSchema is the provider-facing description of one callable tool.
// Parameters is a JSON-Schema object with "properties" and "required";
// it is handed to the LLM verbatim.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
