// Package worker isolates each session in its own execution context and
// routes typed messages between the manager and the per-session hosts.
package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/haasonsaas/taskpilot/internal/agent"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

// Main → worker message types.
const (
	MsgRun                 = "run"
	MsgAbort               = "abort"
	MsgClearState          = "clearState"
	MsgAskUserResponse     = "askUserResponse"
	MsgApprovalResponse    = "approvalResponse"
	MsgSetConfig           = "setConfig"
	MsgSetWorkingDirectory = "setWorkingDirectory"
	MsgToolGroupChanged    = "toolGroupChanged"
	MsgCompact             = "compact"
)

// Worker → main message types.
const (
	MsgReady           = "ready"
	MsgBroadcast       = "broadcast"
	MsgComplete        = "complete"
	MsgError           = "error"
	MsgApprovalRequest = "approvalRequest"
	MsgAskUser         = "askUser"
	MsgFileEdit        = "fileEdit"
	MsgShowTaskWindow  = "showTaskWindow"
	MsgFlashWindows    = "flashWindows"
	MsgCompactResult   = "compactResult"
)

// MainToWorker is the tagged union of messages a worker receives. Type
// selects which payload pointer is set.
type MainToWorker struct {
	Type string `json:"type"`

	Run                 *RunPayload                 `json:"run,omitempty"`
	AskUserResponse     *AskUserResponsePayload     `json:"askUserResponse,omitempty"`
	ApprovalResponse    *ApprovalResponsePayload    `json:"approvalResponse,omitempty"`
	SetConfig           *SetConfigPayload           `json:"setConfig,omitempty"`
	SetWorkingDirectory *SetWorkingDirectoryPayload `json:"setWorkingDirectory,omitempty"`
	ToolGroupChanged    *ToolGroupChangedPayload    `json:"toolGroupChanged,omitempty"`
	Compact             *CompactPayload             `json:"compact,omitempty"`
}

// RunPayload starts an agent run.
type RunPayload struct {
	UserMessage      string           `json:"user_message"`
	ExistingMessages []models.Message `json:"existing_messages,omitempty"`
	Config           agent.RunConfig  `json:"config"`
}

// AskUserResponsePayload answers a pending ask-user round trip.
type AskUserResponsePayload struct {
	ReqID    string `json:"req_id"`
	Response string `json:"response"`
}

// ApprovalResponsePayload answers a pending approval. A nil Result
// means plain approval.
type ApprovalResponsePayload struct {
	RequestID string                  `json:"request_id"`
	Result    *models.ApprovalOutcome `json:"result,omitempty"`
}

// SetConfigPayload swaps the LLM endpoint/model; fanned out to every
// worker.
type SetConfigPayload struct {
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model,omitempty"`

	// MaxContextTokens follows the model switch; zero keeps the
	// current budget.
	MaxContextTokens int `json:"max_context_tokens,omitempty"`
}

// SetWorkingDirectoryPayload changes the session working directory.
type SetWorkingDirectoryPayload struct {
	Directory string `json:"directory"`
}

// ToolGroupChangedPayload toggles a tool group; fanned out to every
// worker.
type ToolGroupChangedPayload struct {
	GroupID string `json:"group_id"`
	Enabled bool   `json:"enabled"`
}

// CompactPayload requests a one-off compaction of the given messages.
type CompactPayload struct {
	Messages         []models.Message `json:"messages"`
	WorkingDirectory string           `json:"working_directory"`
}

// WorkerToMain is the tagged union of messages a worker emits.
type WorkerToMain struct {
	Type string `json:"type"`

	Broadcast       *BroadcastPayload       `json:"broadcast,omitempty"`
	Complete        *CompletePayload        `json:"complete,omitempty"`
	Error           *ErrorPayload           `json:"error,omitempty"`
	ApprovalRequest *ApprovalRequestPayload `json:"approvalRequest,omitempty"`
	AskUser         *AskUserPayload         `json:"askUser,omitempty"`
	FileEdit        *models.FileEdit        `json:"fileEdit,omitempty"`
	CompactResult   *CompactResultPayload   `json:"compactResult,omitempty"`
}

// BroadcastPayload is relayed to the UI; the manager enriches it with
// the session id.
type BroadcastPayload struct {
	Channel string `json:"channel"`
	Data    []any  `json:"data,omitempty"`
}

// CompletePayload reports a finished run.
type CompletePayload struct {
	Result *agent.RunResult `json:"result"`
}

// ErrorPayload reports a failed run.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ApprovalRequestPayload asks the UI to approve a tool call.
type ApprovalRequestPayload struct {
	ReqID    string `json:"req_id"`
	ToolName string `json:"tool_name"`
	Args     string `json:"args"`
	Reason   string `json:"reason,omitempty"`
}

// AskUserPayload asks the UI a free-form question.
type AskUserPayload struct {
	ReqID   string `json:"req_id"`
	Request string `json:"request"`
}

// CompactResultPayload answers a compact request.
type CompactResultPayload struct {
	Result *agent.CompactResult `json:"result"`
}

// maxFrameSize bounds a single protocol frame. Transcripts are large
// but bounded by the context window; anything past this is corruption.
const maxFrameSize = 64 << 20

// WriteFrame writes one length-prefixed JSON frame: a 4-byte big-endian
// length followed by the payload.
func WriteFrame(w io.Writer, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed JSON frame into out, rejecting
// frames past the size bound before allocating.
func ReadFrame(r io.Reader, out any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
