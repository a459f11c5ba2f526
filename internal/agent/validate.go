package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/taskpilot/pkg/models"
)

// ValidateToolMessages drops role=tool messages whose tool_call_id does
// not pair with a tool call in a preceding assistant message.
// Assistant messages are kept even when a call went unanswered; the
// provider accepts a dangling call but rejects an orphaned result.
// Idempotent: validating an already-valid history is a no-op.
func ValidateToolMessages(messages []models.Message) []models.Message {
	known := make(map[string]bool)
	out := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				known[tc.ID] = true
			}
			out = append(out, msg)
		case models.RoleTool:
			if msg.ToolCallID == "" || !known[msg.ToolCallID] {
				continue
			}
			out = append(out, msg)
		default:
			out = append(out, msg)
		}
	}
	return out
}

// StripParseFailures removes the parse/schema hint exchanges from a
// returned history: every tool message whose id is in failedIDs goes,
// along with any assistant message whose tool calls are all failed ids.
// The hints only help the immediate retry; persisted they would poison
// future sessions.
func StripParseFailures(messages []models.Message, failedIDs map[string]bool) []models.Message {
	if len(failedIDs) == 0 {
		return messages
	}
	out := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			if failedIDs[msg.ToolCallID] {
				continue
			}
		case models.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				allFailed := true
				for _, tc := range msg.ToolCalls {
					if !failedIDs[tc.ID] {
						allFailed = false
						break
					}
				}
				if allFailed {
					continue
				}
			}
		}
		out = append(out, msg)
	}
	return out
}

// ArgsValidator validates tool-call arguments against the tool's
// JSON-Schema parameters. Compiled schemas are cached per tool.
type ArgsValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewArgsValidator creates an empty validator.
func NewArgsValidator() *ArgsValidator {
	return &ArgsValidator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks args against the schema in params. A nil or
// uncompilable schema passes everything; the LLM-facing contract is
// best effort.
func (v *ArgsValidator) Validate(toolName string, params map[string]any, args map[string]any) error {
	if params == nil {
		return nil
	}
	schema, err := v.schemaFor(toolName, params)
	if err != nil || schema == nil {
		return nil
	}
	// jsonschema validates decoded JSON values; round-trip args to
	// normalize Go types (int vs float64) the decoder would produce.
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not serializable: %w", err)
	}
	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return fmt.Errorf("arguments are not serializable: %w", err)
	}
	return schema.Validate(value)
}

func (v *ArgsValidator) schemaFor(toolName string, params map[string]any) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if schema, ok := v.compiled[toolName]; ok {
		return schema, nil
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	schema, err := jsonschema.CompileString(toolName+".schema.json", string(encoded))
	if err != nil {
		return nil, err
	}
	v.compiled[toolName] = schema
	return schema, nil
}
