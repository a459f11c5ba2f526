package models

// ContextUsage is a snapshot of estimated context window consumption.
type ContextUsage struct {
	CurrentTokens   int     `json:"current_tokens"`
	MaxTokens       int     `json:"max_tokens"`
	UsagePercentage float64 `json:"usage_percentage"`
}

// Broadcast channel names consumed by the UI. The manager enriches every
// broadcast with the originating session id; listeners filter by channel
// plus session id.
const (
	ChannelTodoUpdate      = "todoUpdate"
	ChannelTellUser        = "tellUser"
	ChannelMessage         = "message"
	ChannelToolCall        = "toolCall"
	ChannelToolResult      = "toolResult"
	ChannelReasoning       = "reasoning"
	ChannelContextUpdate   = "contextUpdate"
	ChannelComplete        = "complete"
	ChannelError           = "error"
	ChannelRetryableError  = "retryableError"
	ChannelApprovalRequest = "approvalRequest"
	ChannelAskUser         = "askUser"
	ChannelFileEdit        = "fileEdit"
	ChannelSessionTitle    = "sessionTitle"
	ChannelCountdown       = "countdown"
	ChannelAutoSyncResult  = "autoSyncResult"
)
