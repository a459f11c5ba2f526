package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/taskpilot/internal/agent"
	"github.com/haasonsaas/taskpilot/internal/llm"
	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/internal/tools"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

const (
	defaultApprovalTimeout = 5 * time.Minute
	defaultAskUserTimeout  = 5 * time.Minute
)

// askUserTimeoutAnswer resolves a timed-out ask-user prompt so the run
// can continue without input.
const askUserTimeoutAnswer = "(no answer within the time limit)"

// endpointSetter is implemented by the production LLM client; fakes may
// omit it.
type endpointSetter interface {
	SetEndpoint(baseURL, apiKey, model string)
}

// HostOptions configures one session host.
type HostOptions struct {
	SessionID        string
	WorkingDirectory string

	BaseURL          string
	APIKey           string
	Model            string
	Temperature      float64
	MaxTokens        int
	MaxContextTokens int

	// EnabledToolGroups are the optional groups enabled at creation.
	EnabledToolGroups []string

	// AlwaysAllowTools and AlwaysDenyTools carry the operator approval
	// overlay: allow-listed tools never prompt, deny-listed tools are
	// rejected without prompting.
	AlwaysAllowTools []string
	AlwaysDenyTools  []string

	// ExtraGroups registers additional tool groups beyond the built-in
	// communication/todo/file/shell set.
	ExtraGroups []*tools.Group

	// Client overrides the LLM client; tests inject fakes.
	Client agent.ChatClient

	ApprovalTimeout time.Duration
	AskUserTimeout  time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Host owns one session's agent stack and speaks the worker protocol.
// It is the loop's AgentIO: broadcasts and round trips cross the
// channel pair to the manager.
type Host struct {
	opts   HostOptions
	in     chan MainToWorker
	out    chan WorkerToMain
	client agent.ChatClient

	state    *agent.RunState
	registry *tools.Registry
	loop     *agent.Loop

	mu               sync.Mutex
	ctx              context.Context
	pendingApprovals map[string]chan models.ApprovalOutcome
	pendingAsks      map[string]chan string
	approvalTimeout  time.Duration
	askUserTimeout   time.Duration
	maxContextTokens int

	logger *observability.Logger
}

// NewHost builds a session host. The returned host is inert until Run.
func NewHost(opts HostOptions) (*Host, error) {
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NopMetrics()
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = defaultApprovalTimeout
	}
	if opts.AskUserTimeout <= 0 {
		opts.AskUserTimeout = defaultAskUserTimeout
	}

	groups := []*tools.Group{
		tools.CommunicationGroup(),
		tools.TodoGroup(),
		tools.FileGroup(),
		tools.ShellGroup(),
	}
	groups = append(groups, opts.ExtraGroups...)
	registry, err := tools.NewRegistry(groups...)
	if err != nil {
		return nil, err
	}
	for _, id := range opts.EnabledToolGroups {
		registry.Enable(id)
	}

	client := opts.Client
	if client == nil {
		client = llm.NewClient(llm.ClientConfig{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Model:       opts.Model,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
		}, opts.Logger.Slog(), opts.Metrics)
	}

	state := agent.NewRunState(opts.WorkingDirectory)
	if len(opts.AlwaysAllowTools) > 0 || len(opts.AlwaysDenyTools) > 0 {
		allow := knownToolNames(registry, opts.AlwaysAllowTools, opts.Logger)
		deny := knownToolNames(registry, opts.AlwaysDenyTools, opts.Logger)
		state.SeedApprovalPolicy(allow, deny)
	}

	h := &Host{
		opts:             opts,
		in:               make(chan MainToWorker, 16),
		out:              make(chan WorkerToMain, 64),
		client:           client,
		state:            state,
		registry:         registry,
		pendingApprovals: make(map[string]chan models.ApprovalOutcome),
		pendingAsks:      make(map[string]chan string),
		approvalTimeout:  opts.ApprovalTimeout,
		askUserTimeout:   opts.AskUserTimeout,
		maxContextTokens: opts.MaxContextTokens,
		logger:           opts.Logger,
	}

	h.loop = agent.NewLoop(agent.LoopOptions{
		Client:    client,
		Registry:  registry,
		Executor:  tools.NewExecutor(registry, h, opts.Logger, opts.Metrics),
		Tracker:   agent.NewContextTracker(),
		Compactor: agent.NewCompactor(client, opts.Logger, opts.Metrics),
		Planner:   agent.NewPlanner(client, opts.Logger, h.AskUser),
		State:     h.state,
		IO:        h,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	return h, nil
}

// knownToolNames filters an operator overlay list down to tools the
// registry actually defines, so a typo in the config shows up in the
// log instead of silently doing nothing.
func knownToolNames(registry *tools.Registry, names []string, logger *observability.Logger) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !registry.KnownTool(name) {
			logger.Warn("approval policy names unknown tool", "tool", name)
			continue
		}
		out = append(out, name)
	}
	return out
}

// Inbox is where the manager writes main-to-worker messages.
func (h *Host) Inbox() chan<- MainToWorker { return h.in }

// Outbox is where the manager reads worker-to-main messages.
func (h *Host) Outbox() <-chan WorkerToMain { return h.out }

// Run is the host's main goroutine: it announces readiness and
// processes protocol messages until ctx is cancelled. Agent runs
// execute on their own goroutine so aborts and approval responses stay
// responsive.
func (h *Host) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	h.send(ctx, WorkerToMain{Type: MsgReady})

	for {
		select {
		case <-ctx.Done():
			h.loop.Abort()
			h.releasePending()
			return
		case msg := <-h.in:
			h.handle(ctx, msg)
		}
	}
}

func (h *Host) handle(ctx context.Context, msg MainToWorker) {
	switch msg.Type {
	case MsgRun:
		if msg.Run == nil {
			return
		}
		go h.runAgent(ctx, *msg.Run)

	case MsgAbort:
		h.loop.Abort()
		h.releasePending()

	case MsgClearState:
		h.state.ClearState()

	case MsgAskUserResponse:
		if msg.AskUserResponse != nil {
			h.resolveAsk(msg.AskUserResponse.ReqID, msg.AskUserResponse.Response)
		}

	case MsgApprovalResponse:
		if msg.ApprovalResponse != nil {
			outcome := models.ApprovalOutcome{Decision: models.ApprovedOnce}
			if msg.ApprovalResponse.Result != nil {
				outcome = *msg.ApprovalResponse.Result
			}
			h.resolveApproval(msg.ApprovalResponse.RequestID, outcome)
		}

	case MsgSetConfig:
		if msg.SetConfig == nil {
			return
		}
		if setter, ok := h.client.(endpointSetter); ok {
			setter.SetEndpoint(msg.SetConfig.BaseURL, msg.SetConfig.APIKey, msg.SetConfig.Model)
		}
		if msg.SetConfig.MaxContextTokens > 0 {
			h.mu.Lock()
			h.maxContextTokens = msg.SetConfig.MaxContextTokens
			h.mu.Unlock()
		}

	case MsgSetWorkingDirectory:
		if msg.SetWorkingDirectory != nil {
			h.state.SetWorkingDirectory(msg.SetWorkingDirectory.Directory)
		}

	case MsgToolGroupChanged:
		if msg.ToolGroupChanged == nil {
			return
		}
		if msg.ToolGroupChanged.Enabled {
			h.registry.Enable(msg.ToolGroupChanged.GroupID)
		} else {
			h.registry.Disable(msg.ToolGroupChanged.GroupID)
		}

	case MsgCompact:
		if msg.Compact == nil {
			return
		}
		go h.runCompact(ctx, *msg.Compact)

	default:
		h.logger.Warn("unknown worker message", "type", msg.Type)
	}
}

func (h *Host) runAgent(ctx context.Context, payload RunPayload) {
	cfg := payload.Config
	if cfg.MaxContextTokens == 0 {
		h.mu.Lock()
		cfg.MaxContextTokens = h.maxContextTokens
		h.mu.Unlock()
	}

	result := h.loop.Run(ctx, payload.UserMessage, payload.ExistingMessages, cfg)
	h.releasePending()

	if result.Success || result.Error == "" {
		h.send(ctx, WorkerToMain{Type: MsgComplete, Complete: &CompletePayload{Result: result}})
		return
	}
	h.send(ctx, WorkerToMain{Type: MsgError, Error: &ErrorPayload{Error: result.Error}})
}

func (h *Host) runCompact(ctx context.Context, payload CompactPayload) {
	wd := payload.WorkingDirectory
	if wd == "" {
		wd = h.state.WorkingDirectory()
	}
	compactor := agent.NewCompactor(h.client, h.logger, h.opts.Metrics)
	result := compactor.Compact(ctx, payload.Messages, wd, "manual")
	h.send(ctx, WorkerToMain{Type: MsgCompactResult, CompactResult: &CompactResultPayload{Result: result}})
}

// Broadcast implements agent.AgentIO. File edits travel as a typed
// message so the manager can route them to the diff view.
func (h *Host) Broadcast(channel string, data ...any) {
	ctx := h.runCtx()
	if channel == models.ChannelFileEdit && len(data) == 1 {
		if edit, ok := data[0].(models.FileEdit); ok {
			h.send(ctx, WorkerToMain{Type: MsgFileEdit, FileEdit: &edit})
			return
		}
	}
	h.send(ctx, WorkerToMain{Type: MsgBroadcast, Broadcast: &BroadcastPayload{Channel: channel, Data: data}})
}

// RequestApproval implements agent.AgentIO: emit the prompt, block for
// the response, resolve locally as timeout after the deadline.
func (h *Host) RequestApproval(ctx context.Context, req models.ApprovalRequest) (models.ApprovalOutcome, error) {
	reqID := req.ID
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ch := make(chan models.ApprovalOutcome, 1)
	h.mu.Lock()
	h.pendingApprovals[reqID] = ch
	h.mu.Unlock()
	defer h.dropApproval(reqID)

	h.send(ctx, WorkerToMain{Type: MsgApprovalRequest, ApprovalRequest: &ApprovalRequestPayload{
		ReqID:    reqID,
		ToolName: req.ToolName,
		Args:     req.Args,
		Reason:   req.Reason,
	}})

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-time.After(h.approvalTimeout):
		return models.ApprovalOutcome{Decision: models.ApprovalTimeout}, nil
	case <-ctx.Done():
		return models.ApprovalOutcome{Decision: models.Rejected, Comment: "run aborted"}, nil
	}
}

// AskUser implements agent.AgentIO. Timeouts resolve with a default
// answer rather than an error so the run keeps moving.
func (h *Host) AskUser(ctx context.Context, request string) (string, error) {
	reqID := uuid.NewString()
	ch := make(chan string, 1)
	h.mu.Lock()
	h.pendingAsks[reqID] = ch
	h.mu.Unlock()
	defer h.dropAsk(reqID)

	h.send(ctx, WorkerToMain{Type: MsgAskUser, AskUser: &AskUserPayload{ReqID: reqID, Request: request}})

	select {
	case answer := <-ch:
		return answer, nil
	case <-time.After(h.askUserTimeout):
		return askUserTimeoutAnswer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ShowTaskWindow implements agent.AgentIO.
func (h *Host) ShowTaskWindow() {
	h.send(h.runCtx(), WorkerToMain{Type: MsgShowTaskWindow})
}

// FlashWindows implements agent.AgentIO.
func (h *Host) FlashWindows() {
	h.send(h.runCtx(), WorkerToMain{Type: MsgFlashWindows})
}

func (h *Host) resolveApproval(reqID string, outcome models.ApprovalOutcome) {
	h.mu.Lock()
	ch, ok := h.pendingApprovals[reqID]
	delete(h.pendingApprovals, reqID)
	h.mu.Unlock()
	if ok {
		ch <- outcome
	}
}

func (h *Host) resolveAsk(reqID, answer string) {
	h.mu.Lock()
	ch, ok := h.pendingAsks[reqID]
	delete(h.pendingAsks, reqID)
	h.mu.Unlock()
	if ok {
		ch <- answer
	}
}

func (h *Host) dropApproval(reqID string) {
	h.mu.Lock()
	delete(h.pendingApprovals, reqID)
	h.mu.Unlock()
}

func (h *Host) dropAsk(reqID string) {
	h.mu.Lock()
	delete(h.pendingAsks, reqID)
	h.mu.Unlock()
}

// releasePending resolves every blocked round trip: approvals as
// rejections, asks with the default answer. Guarantees no modal is left
// orphaned after abort, error, or exit.
func (h *Host) releasePending() {
	h.mu.Lock()
	approvals := h.pendingApprovals
	asks := h.pendingAsks
	h.pendingApprovals = make(map[string]chan models.ApprovalOutcome)
	h.pendingAsks = make(map[string]chan string)
	h.mu.Unlock()

	for _, ch := range approvals {
		ch <- models.ApprovalOutcome{Decision: models.Rejected, Comment: "run ended"}
	}
	for _, ch := range asks {
		ch <- askUserTimeoutAnswer
	}
}

func (h *Host) runCtx() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx != nil {
		return h.ctx
	}
	return context.Background()
}

// send delivers a message to the manager without blocking forever: a
// cancelled host drops output instead of deadlocking.
func (h *Host) send(ctx context.Context, msg WorkerToMain) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case h.out <- msg:
	case <-ctx.Done():
	}
}
