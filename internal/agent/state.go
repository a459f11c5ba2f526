package agent

import (
	"context"
	"sync"

	"github.com/haasonsaas/taskpilot/pkg/models"
)

// AgentIO is the loop's outward-facing surface: UI broadcasts and the
// two blocking round trips. The worker host implements it against the
// main-process bridge; tests implement it in memory.
type AgentIO interface {
	// Broadcast pushes an event to the UI. Non-blocking.
	Broadcast(channel string, data ...any)

	// RequestApproval asks the user to approve a tool call. Blocks
	// until an answer, timeout, or ctx cancellation; timeouts surface
	// as an ApprovalTimeout decision, not an error.
	RequestApproval(ctx context.Context, req models.ApprovalRequest) (models.ApprovalOutcome, error)

	// AskUser asks the user a free-form question and blocks for the
	// answer.
	AskUser(ctx context.Context, request string) (string, error)

	// ShowTaskWindow and FlashWindows nudge the desktop shell when the
	// agent needs attention.
	ShowTaskWindow()
	FlashWindows()
}

// RunState is the per-session agent state that survives individual
// runs. Only the run-scoped fields (run id, running flag, cancel) reset
// per run; TODOs, approvals, and the working directory persist for the
// worker's lifetime.
type RunState struct {
	mu sync.Mutex

	runID     int64
	isRunning bool
	cancel    context.CancelFunc

	todos            []models.TodoItem
	alwaysApproved   map[string]bool
	workingDirectory string

	// policyAllow/policyDeny come from the operator approval overlay
	// and survive ClearState.
	policyAllow map[string]bool
	policyDeny  map[string]bool
}

// NewRunState creates state rooted at the given working directory.
func NewRunState(workingDirectory string) *RunState {
	return &RunState{
		alwaysApproved:   make(map[string]bool),
		workingDirectory: workingDirectory,
	}
}

// BeginRun advances the run id, marks the session running, and installs
// the run's cancel func. Returns the new run id, or false when a run is
// already in flight.
func (s *RunState) BeginRun(cancel context.CancelFunc) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return 0, false
	}
	s.runID++
	s.isRunning = true
	s.cancel = cancel
	return s.runID, true
}

// EndRun clears the running flag for the given run. Stale calls from
// earlier runs are ignored.
func (s *RunState) EndRun(runID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID != s.runID {
		return
	}
	s.isRunning = false
	s.cancel = nil
}

// Abort cancels the in-flight run, if any.
func (s *RunState) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsRunning reports whether a run is in flight.
func (s *RunState) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// RunID returns the current run id; callbacks compare against it to
// detect staleness.
func (s *RunState) RunID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// WorkingDirectory returns the session working directory.
func (s *RunState) WorkingDirectory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDirectory
}

// SetWorkingDirectory updates the session working directory. Takes
// effect on the next run.
func (s *RunState) SetWorkingDirectory(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir != "" {
		s.workingDirectory = dir
	}
}

// AlwaysApproved returns the live always-approved set. The executor
// mutates it through the ExecOptions it receives; access is not
// synchronized beyond the single-threaded loop that uses it.
func (s *RunState) AlwaysApproved() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alwaysApproved
}

// SeedApprovalPolicy installs the operator overlay: allow-listed tools
// start always-approved, deny-listed tools are rejected without
// prompting. The policy survives ClearState.
func (s *RunState) SeedApprovalPolicy(allow, deny []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policyAllow = make(map[string]bool, len(allow))
	for _, name := range allow {
		s.policyAllow[name] = true
		s.alwaysApproved[name] = true
	}
	s.policyDeny = make(map[string]bool, len(deny))
	for _, name := range deny {
		s.policyDeny[name] = true
	}
}

// DeniedTools returns the deny-listed tool names.
func (s *RunState) DeniedTools() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policyDeny
}

// ClearTodos empties the TODO list, used when a run starts without
// resume.
func (s *RunState) ClearTodos() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos = nil
}

// SetTodos implements tools.TodoStore.
func (s *RunState) SetTodos(todos []models.TodoItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos = models.CloneTodos(todos)
}

// GetTodos implements tools.TodoStore.
func (s *RunState) GetTodos() []models.TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneTodos(s.todos)
}

// UpdateTodo implements tools.TodoStore.
func (s *RunState) UpdateTodo(id string, status models.TodoStatus, note string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.todos {
		if s.todos[i].ID == id {
			s.todos[i].Status = status
			if note != "" {
				s.todos[i].Note = note
			}
			return true
		}
	}
	return false
}

// ClearState resets everything that outlives a run: TODOs and the
// always-approved set. The operator policy is re-applied. Used by the
// worker clearState message.
func (s *RunState) ClearState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos = nil
	s.alwaysApproved = make(map[string]bool, len(s.policyAllow))
	for name := range s.policyAllow {
		s.alwaysApproved[name] = true
	}
}
