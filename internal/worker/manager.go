package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/taskpilot/internal/agent"
	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

const (
	// MaxWorkers caps concurrent sessions.
	MaxWorkers = 8

	defaultReadyTimeout   = 10 * time.Second
	defaultTerminateGrace = 500 * time.Millisecond
	defaultCompactTimeout = 60 * time.Second
)

var (
	// ErrTooManyWorkers is returned when the session cap is reached.
	ErrTooManyWorkers = errors.New("worker limit reached")

	// ErrWorkerExists is returned when the session already has a worker.
	ErrWorkerExists = errors.New("worker already exists for session")

	// ErrNoWorker is returned for operations on unknown sessions.
	ErrNoWorker = errors.New("no worker for session")

	// ErrAlreadyRunning is returned when a run is requested while one
	// is in flight.
	ErrAlreadyRunning = errors.New("session is already running")

	// ErrWorkerTerminated is delivered to run waiters when their worker
	// is torn down mid-run.
	ErrWorkerTerminated = errors.New("worker terminated")
)

// BroadcastListener receives every UI-facing event, enriched with the
// originating session id. Listeners filter by channel plus session id.
type BroadcastListener func(sessionID, channel string, data []any)

// ManagerOptions configures the worker manager.
type ManagerOptions struct {
	Listener BroadcastListener
	Logger   *observability.Logger
	Metrics  *observability.Metrics

	// HostDefaults seeds every new host's endpoint configuration.
	HostDefaults HostOptions

	// NewHost overrides host construction; tests inject fakes.
	NewHost func(HostOptions) (*Host, error)

	ReadyTimeout   time.Duration
	TerminateGrace time.Duration
	CompactTimeout time.Duration
}

type workerHandle struct {
	sessionID string
	host      *Host
	cancel    context.CancelFunc

	ready chan struct{}

	mu        sync.Mutex
	running   bool
	runWaiter chan *agent.RunResult
	runErr    chan error

	compactWaiter chan *agent.CompactResult
}

// Manager creates and supervises one worker per session, routes
// protocol messages, and caches per-session TODO state for instant tab
// switches.
type Manager struct {
	opts     ManagerOptions
	listener BroadcastListener
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu         sync.Mutex
	workers    map[string]*workerHandle
	todoCache  map[string][]models.TodoItem
	titleCache map[string]string
}

// NewManager builds an empty manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NopMetrics()
	}
	if opts.Listener == nil {
		opts.Listener = func(string, string, []any) {}
	}
	if opts.NewHost == nil {
		opts.NewHost = NewHost
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = defaultTerminateGrace
	}
	if opts.CompactTimeout <= 0 {
		opts.CompactTimeout = defaultCompactTimeout
	}
	return &Manager{
		opts:       opts,
		listener:   opts.Listener,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		workers:    make(map[string]*workerHandle),
		todoCache:  make(map[string][]models.TodoItem),
		titleCache: make(map[string]string),
	}
}

// CreateWorker spins up a worker for the session and waits for its
// ready message. No partial state is left behind on failure.
func (m *Manager) CreateWorker(sessionID, workingDirectory string, enabledToolGroups []string) error {
	m.mu.Lock()
	if _, exists := m.workers[sessionID]; exists {
		m.mu.Unlock()
		return ErrWorkerExists
	}
	if len(m.workers) >= MaxWorkers {
		m.mu.Unlock()
		return fmt.Errorf("%w (max %d)", ErrTooManyWorkers, MaxWorkers)
	}
	// Reserve the slot while the host boots.
	m.workers[sessionID] = nil
	m.mu.Unlock()

	hostOpts := m.opts.HostDefaults
	hostOpts.SessionID = sessionID
	hostOpts.WorkingDirectory = workingDirectory
	hostOpts.EnabledToolGroups = enabledToolGroups
	if hostOpts.Logger == nil {
		hostOpts.Logger = m.logger
	}
	if hostOpts.Metrics == nil {
		hostOpts.Metrics = m.metrics
	}

	host, err := m.opts.NewHost(hostOpts)
	if err != nil {
		m.evict(sessionID)
		return fmt.Errorf("create worker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &workerHandle{
		sessionID: sessionID,
		host:      host,
		cancel:    cancel,
		ready:     make(chan struct{}),
	}

	go host.Run(ctx)
	go m.pump(ctx, handle)

	select {
	case <-handle.ready:
	case <-time.After(m.opts.ReadyTimeout):
		cancel()
		m.evict(sessionID)
		return fmt.Errorf("worker for session %s not ready within %s", sessionID, m.opts.ReadyTimeout)
	}

	m.mu.Lock()
	m.workers[sessionID] = handle
	m.mu.Unlock()
	m.metrics.ActiveWorkers.Inc()
	m.logger.Info("worker created", "session_id", sessionID)
	return nil
}

// pump routes one worker's outbox until its context ends.
func (m *Manager) pump(ctx context.Context, handle *workerHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-handle.host.Outbox():
			m.route(handle, msg)
		}
	}
}

func (m *Manager) route(handle *workerHandle, msg WorkerToMain) {
	sessionID := handle.sessionID
	switch msg.Type {
	case MsgReady:
		select {
		case <-handle.ready:
		default:
			close(handle.ready)
		}

	case MsgBroadcast:
		if msg.Broadcast == nil {
			return
		}
		m.cacheBroadcast(sessionID, msg.Broadcast)
		m.listener(sessionID, msg.Broadcast.Channel, msg.Broadcast.Data)

	case MsgComplete:
		if msg.Complete != nil {
			handle.deliverRun(msg.Complete.Result, nil)
		}

	case MsgError:
		errText := "worker error"
		if msg.Error != nil {
			errText = msg.Error.Error
		}
		handle.deliverRun(nil, errors.New(errText))
		m.listener(sessionID, models.ChannelError, []any{errText})

	case MsgApprovalRequest:
		if msg.ApprovalRequest != nil {
			m.listener(sessionID, models.ChannelApprovalRequest, []any{*msg.ApprovalRequest})
		}

	case MsgAskUser:
		if msg.AskUser != nil {
			m.listener(sessionID, models.ChannelAskUser, []any{*msg.AskUser})
		}

	case MsgFileEdit:
		if msg.FileEdit != nil {
			m.listener(sessionID, models.ChannelFileEdit, []any{*msg.FileEdit})
		}

	case MsgShowTaskWindow:
		m.listener(sessionID, "showTaskWindow", nil)

	case MsgFlashWindows:
		m.listener(sessionID, "flashWindows", nil)

	case MsgCompactResult:
		if msg.CompactResult != nil {
			handle.deliverCompact(msg.CompactResult.Result)
		}
	}
}

// cacheBroadcast keeps the latest TODO list and session title so tab
// switches restore the task window without a worker round trip.
func (m *Manager) cacheBroadcast(sessionID string, b *BroadcastPayload) {
	switch b.Channel {
	case models.ChannelTodoUpdate:
		if len(b.Data) == 1 {
			if todos, ok := b.Data[0].([]models.TodoItem); ok {
				m.mu.Lock()
				m.todoCache[sessionID] = models.CloneTodos(todos)
				m.mu.Unlock()
			}
		}
	case models.ChannelSessionTitle:
		if len(b.Data) == 1 {
			if title, ok := b.Data[0].(string); ok {
				m.mu.Lock()
				m.titleCache[sessionID] = title
				m.mu.Unlock()
			}
		}
	}
}

// RunAgent starts a run and blocks until it completes, fails, or the
// worker goes away.
func (m *Manager) RunAgent(ctx context.Context, sessionID, userMessage string, existing []models.Message, cfg agent.RunConfig) (*agent.RunResult, error) {
	handle, err := m.handle(sessionID)
	if err != nil {
		return nil, err
	}

	handle.mu.Lock()
	if handle.running {
		handle.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	handle.running = true
	handle.runWaiter = make(chan *agent.RunResult, 1)
	handle.runErr = make(chan error, 1)
	waiter, errCh := handle.runWaiter, handle.runErr
	handle.mu.Unlock()

	handle.host.Inbox() <- MainToWorker{Type: MsgRun, Run: &RunPayload{
		UserMessage:      userMessage,
		ExistingMessages: existing,
		Config:           cfg,
	}}

	select {
	case result := <-waiter:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		m.Abort(sessionID)
		select {
		case result := <-waiter:
			return result, nil
		case err := <-errCh:
			return nil, err
		case <-time.After(m.opts.TerminateGrace):
			return nil, ctx.Err()
		}
	}
}

// Abort cancels the session's in-flight run, if any. Aborting an idle
// session is a no-op.
func (m *Manager) Abort(sessionID string) {
	handle, err := m.handle(sessionID)
	if err != nil {
		return
	}
	select {
	case handle.host.Inbox() <- MainToWorker{Type: MsgAbort}:
	default:
	}
}

// Terminate tears down the session's worker: abort, a short grace
// window, then force cancellation. Pending run waiters are rejected and
// caches evicted. Terminating an unknown session succeeds silently.
func (m *Manager) Terminate(sessionID string) {
	handle, err := m.handle(sessionID)
	if err != nil {
		return
	}

	handle.mu.Lock()
	running := handle.running
	handle.mu.Unlock()

	if running {
		m.Abort(sessionID)
		deadline := time.After(m.opts.TerminateGrace)
	wait:
		for {
			handle.mu.Lock()
			stillRunning := handle.running
			handle.mu.Unlock()
			if !stillRunning {
				break wait
			}
			select {
			case <-deadline:
				break wait
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	handle.cancel()
	handle.deliverRun(nil, ErrWorkerTerminated)
	m.evict(sessionID)
	m.metrics.ActiveWorkers.Dec()
	m.logger.Info("worker terminated", "session_id", sessionID)
}

// SetConfig fans an endpoint/model change out to every worker so a
// change made in one tab takes effect everywhere.
func (m *Manager) SetConfig(cfg SetConfigPayload) {
	for _, handle := range m.handles() {
		handle.host.Inbox() <- MainToWorker{Type: MsgSetConfig, SetConfig: &cfg}
	}
}

// ToolGroupChanged fans a tool-group toggle out to every worker.
func (m *Manager) ToolGroupChanged(groupID string, enabled bool) {
	payload := ToolGroupChangedPayload{GroupID: groupID, Enabled: enabled}
	for _, handle := range m.handles() {
		handle.host.Inbox() <- MainToWorker{Type: MsgToolGroupChanged, ToolGroupChanged: &payload}
	}
}

// SetWorkingDirectory updates one session's working directory.
func (m *Manager) SetWorkingDirectory(sessionID, directory string) error {
	handle, err := m.handle(sessionID)
	if err != nil {
		return err
	}
	handle.host.Inbox() <- MainToWorker{
		Type:                MsgSetWorkingDirectory,
		SetWorkingDirectory: &SetWorkingDirectoryPayload{Directory: directory},
	}
	return nil
}

// RespondApproval relays the user's approval decision to the worker. A
// nil outcome is a plain approval.
func (m *Manager) RespondApproval(sessionID, requestID string, outcome *models.ApprovalOutcome) error {
	handle, err := m.handle(sessionID)
	if err != nil {
		return err
	}
	handle.host.Inbox() <- MainToWorker{
		Type:             MsgApprovalResponse,
		ApprovalResponse: &ApprovalResponsePayload{RequestID: requestID, Result: outcome},
	}
	return nil
}

// RespondAskUser relays the user's answer to the worker.
func (m *Manager) RespondAskUser(sessionID, reqID, response string) error {
	handle, err := m.handle(sessionID)
	if err != nil {
		return err
	}
	handle.host.Inbox() <- MainToWorker{
		Type:            MsgAskUserResponse,
		AskUserResponse: &AskUserResponsePayload{ReqID: reqID, Response: response},
	}
	return nil
}

// Compact asks the session's worker to summarize the given messages,
// bounded by the compact timeout.
func (m *Manager) Compact(ctx context.Context, sessionID string, messages []models.Message, workingDirectory string) (*agent.CompactResult, error) {
	handle, err := m.handle(sessionID)
	if err != nil {
		return nil, err
	}

	waiter := make(chan *agent.CompactResult, 1)
	handle.mu.Lock()
	handle.compactWaiter = waiter
	handle.mu.Unlock()

	handle.host.Inbox() <- MainToWorker{Type: MsgCompact, Compact: &CompactPayload{
		Messages:         messages,
		WorkingDirectory: workingDirectory,
	}}

	select {
	case result := <-waiter:
		return result, nil
	case <-time.After(m.opts.CompactTimeout):
		return nil, fmt.Errorf("compact timed out after %s", m.opts.CompactTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ClearState resets the session's TODOs and always-approved set.
func (m *Manager) ClearState(sessionID string) error {
	handle, err := m.handle(sessionID)
	if err != nil {
		return err
	}
	handle.host.Inbox() <- MainToWorker{Type: MsgClearState}
	m.mu.Lock()
	delete(m.todoCache, sessionID)
	m.mu.Unlock()
	return nil
}

// CachedTodos returns the last TODO list broadcast by the session.
func (m *Manager) CachedTodos(sessionID string) []models.TodoItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.CloneTodos(m.todoCache[sessionID])
}

// CachedTitle returns the last session title broadcast by the session.
func (m *Manager) CachedTitle(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.titleCache[sessionID]
}

// WorkerCount reports live workers.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, handle := range m.workers {
		if handle != nil {
			n++
		}
	}
	return n
}

// IsRunning reports whether the session has a run in flight.
func (m *Manager) IsRunning(sessionID string) bool {
	handle, err := m.handle(sessionID)
	if err != nil {
		return false
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.running
}

// Shutdown terminates every worker.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Terminate(id)
	}
}

func (m *Manager) handle(sessionID string) (*workerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.workers[sessionID]
	if !ok || handle == nil {
		return nil, ErrNoWorker
	}
	return handle, nil
}

func (m *Manager) handles() []*workerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*workerHandle, 0, len(m.workers))
	for _, handle := range m.workers {
		if handle != nil {
			out = append(out, handle)
		}
	}
	return out
}

func (m *Manager) evict(sessionID string) {
	m.mu.Lock()
	delete(m.workers, sessionID)
	delete(m.todoCache, sessionID)
	delete(m.titleCache, sessionID)
	m.mu.Unlock()
}

// deliverRun resolves the blocked RunAgent caller exactly once.
func (h *workerHandle) deliverRun(result *agent.RunResult, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	if err != nil {
		if h.runErr != nil {
			h.runErr <- err
		}
		return
	}
	if h.runWaiter != nil {
		h.runWaiter <- result
	}
}

func (h *workerHandle) deliverCompact(result *agent.CompactResult) {
	h.mu.Lock()
	waiter := h.compactWaiter
	h.compactWaiter = nil
	h.mu.Unlock()
	if waiter != nil {
		waiter <- result
	}
}
