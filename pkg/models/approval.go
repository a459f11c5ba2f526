package models

// ApprovalDecision is the user's answer to a tool approval prompt.
type ApprovalDecision string

const (
	// ApprovedOnce allows this single invocation.
	ApprovedOnce ApprovalDecision = "approved-once"
	// ApprovedAlways allows this invocation and adds the tool to the
	// session's always-approved set.
	ApprovedAlways ApprovalDecision = "approved-always"
	// Rejected denies the invocation; Comment carries the user's reason.
	Rejected ApprovalDecision = "rejected"
	// ApprovalTimeout means no answer arrived in time. Treated as a
	// rejection with a fixed comment, never as an error.
	ApprovalTimeout ApprovalDecision = "timeout"
)

// ApprovalOutcome is the resolved result of an approval round trip.
type ApprovalOutcome struct {
	Decision ApprovalDecision `json:"decision"`
	Comment  string           `json:"comment,omitempty"`
}

// Approved reports whether the outcome allows execution.
func (o ApprovalOutcome) Approved() bool {
	return o.Decision == ApprovedOnce || o.Decision == ApprovedAlways
}

// ApprovalRequest is sent to the UI when a tool call needs user consent.
type ApprovalRequest struct {
	ID       string `json:"id"`
	ToolName string `json:"tool_name"`
	Args     string `json:"args"`
	Reason   string `json:"reason,omitempty"`
}

// FileEdit is the diff preview pushed to the UI before an edit_file
// approval prompt.
type FileEdit struct {
	Path            string `json:"path"`
	OriginalContent string `json:"original_content"`
	NewContent      string `json:"new_content"`
	Language        string `json:"language"`
}
