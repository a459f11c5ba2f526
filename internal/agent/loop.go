package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/taskpilot/internal/llm"
	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/internal/tools"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

const (
	// maxStrikes is the consecutive-failure budget for parse/schema
	// failures, no-tool-call turns, and final_response failures. Each
	// counter is independent.
	maxStrikes = 3

	// softIterationLimit is where the loop asks the model to wrap up.
	// It is a nudge, not a cap.
	softIterationLimit = 50

	abortedMarker = "[ABORTED BY USER]"

	// parseAbortMessage is shown when the model repeatedly fails to
	// produce valid JSON tool arguments.
	parseAbortMessage = "현재 모델이 올바른 JSON tool arguments를 생성하지 못하고 있습니다. 다른 모델로 변경해 주세요."

	quotaMessage = "API 사용 한도를 초과했습니다 (API quota exceeded). Check your provider plan and billing, then try again."
)

// errAborted unwinds the loop on user abort. Never escapes Run.
var errAborted = errors.New("agent aborted")

// RunConfig is the per-run configuration.
type RunConfig struct {
	// EnablePlanning runs the planner before the loop when the TODO
	// list is empty.
	EnablePlanning bool

	// ResumeTodos keeps the previous run's TODO list instead of
	// clearing it.
	ResumeTodos bool

	// AutoMode bypasses every approval prompt.
	AutoMode bool

	// StreamResponses uses the streaming client path and broadcasts
	// reasoning deltas.
	StreamResponses bool

	// MaxContextTokens is the model's context budget, used by the
	// compaction trigger.
	MaxContextTokens int
}

// RunResult is what a completed, failed, or aborted run returns.
type RunResult struct {
	Success  bool
	Response string
	Error    string

	// Messages is the new history: prior valid history, the user turn,
	// and everything the loop produced, with parse-failure hints
	// stripped.
	Messages []models.Message
}

// Loop drives one session's plan, tool-call, tool-result cycle.
type Loop struct {
	client    ChatClient
	registry  *tools.Registry
	executor  *tools.Executor
	tracker   *ContextTracker
	compactor *Compactor
	planner   *Planner
	state     *RunState
	io        AgentIO
	validator *ArgsValidator
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// LoopOptions wires a loop's collaborators.
type LoopOptions struct {
	Client    ChatClient
	Registry  *tools.Registry
	Executor  *tools.Executor
	Tracker   *ContextTracker
	Compactor *Compactor
	Planner   *Planner
	State     *RunState
	IO        AgentIO
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// NewLoop builds a loop from its collaborators.
func NewLoop(opts LoopOptions) *Loop {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Loop{
		client:    opts.Client,
		registry:  opts.Registry,
		executor:  opts.Executor,
		tracker:   opts.Tracker,
		compactor: opts.Compactor,
		planner:   opts.Planner,
		state:     opts.State,
		io:        opts.IO,
		validator: NewArgsValidator(),
		logger:    opts.Logger,
		metrics:   metrics,
	}
}

// run-scoped mutable state, reset every Run.
type runContext struct {
	runID       int64
	cfg         RunConfig
	baseHistory []models.Message
	loopMsgs    []models.Message

	parseStrikes    int
	noToolStrikes   int
	finalRespFails  int
	compactRetried  bool
	warnedSoftLimit bool

	// parseFailureIDs collects tool_call ids whose results were hint
	// messages, stripped from the returned history.
	parseFailureIDs map[string]bool
}

// Run executes one agent run to completion, failure, or abort. Aborts
// return Success=true with an empty response per the persistence
// contract; they are user decisions, not errors.
func (l *Loop) Run(ctx context.Context, userMessage string, existingHistory []models.Message, cfg RunConfig) *RunResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID, ok := l.state.BeginRun(cancel)
	if !ok {
		return &RunResult{Success: false, Error: "a run is already in progress"}
	}
	defer l.state.EndRun(runID)

	runCtx, span := observability.StartSpan(runCtx, "agent.run",
		attribute.Int64("run.id", runID))
	defer span.End()

	if !cfg.ResumeTodos {
		l.state.ClearTodos()
	}

	rc := &runContext{
		runID:           runID,
		cfg:             cfg,
		baseHistory:     ValidateToolMessages(existingHistory),
		parseFailureIDs: make(map[string]bool),
	}

	l.logger.Info("run started",
		"run_id", runID, "planning", cfg.EnablePlanning, "auto", cfg.AutoMode)

	// Planning phase.
	if cfg.EnablePlanning && !cfg.ResumeTodos && len(l.state.GetTodos()) == 0 {
		if result, done := l.plan(runCtx, rc, userMessage); done {
			return result
		}
	}

	rc.baseHistory = append(rc.baseHistory, models.UserMessage(userMessage))

	result := l.iterate(runCtx, rc)
	l.logger.Info("run finished", "run_id", runID, "success", result.Success)
	return result
}

// plan runs the planner. Returns (result, true) when the run is
// complete (direct response); (nil, false) to continue into the loop.
// Planner failure is non-fatal: the loop proceeds with an empty TODO
// list.
func (l *Loop) plan(ctx context.Context, rc *runContext, userMessage string) (*RunResult, bool) {
	plan, err := l.planner.Plan(ctx, userMessage, rc.baseHistory, l.registry.SummaryForPlanning())
	if err != nil {
		if isAbortErr(ctx, err) {
			return l.abortedResult(rc), true
		}
		l.logger.Warn("planner failed, continuing without a plan", "error", err)
		return nil, false
	}

	if plan.DirectResponse != "" {
		messages := append(rc.baseHistory,
			models.UserMessage(userMessage),
			models.AssistantMessage(plan.DirectResponse))
		l.io.Broadcast(models.ChannelMessage, plan.DirectResponse)
		l.io.Broadcast(models.ChannelComplete, plan.DirectResponse)
		return &RunResult{Success: true, Response: plan.DirectResponse, Messages: messages}, true
	}

	rc.baseHistory = append(rc.baseHistory, plan.Clarifications...)
	l.state.SetTodos(plan.Todos)
	l.io.Broadcast(models.ChannelTodoUpdate, models.CloneTodos(plan.Todos))
	if plan.Title != "" {
		l.io.Broadcast(models.ChannelSessionTitle, plan.Title)
	}
	l.io.ShowTaskWindow()
	return nil, false
}

// iterate is the plan-and-execute cycle: rebuild, call,
// dispatch, repeat.
func (l *Loop) iterate(ctx context.Context, rc *runContext) *RunResult {
	iteration := 0
	for {
		iteration++
		if ctx.Err() != nil {
			return l.abortedResult(rc)
		}

		if iteration >= softIterationLimit && !rc.warnedSoftLimit {
			rc.warnedSoftLimit = true
			rc.loopMsgs = append(rc.loopMsgs, models.UserMessage(
				"You have been working for a long time. Wrap up: finish the essential remaining work and call final_response soon."))
			l.logger.Warn("soft iteration limit reached", "iteration", iteration)
		}

		resp, err := l.callModel(ctx, rc)
		if err != nil {
			switch {
			case isAbortErr(ctx, err):
				return l.abortedResult(rc)

			case isContextLength(err):
				if !rc.compactRetried {
					rc.compactRetried = true
					rc.loopMsgs = rollbackLastToolGroup(rc.loopMsgs)
					l.logger.Warn("context length exceeded, rolled back last tool group")
					continue
				}
				l.metrics.LoopIterations.Observe(float64(iteration))
				return l.failureResult(rc, "context length exceeded after rollback; the conversation is too large for this model")

			case isQuota(err):
				l.io.Broadcast(models.ChannelError, quotaMessage)
				l.metrics.LoopIterations.Observe(float64(iteration))
				return l.failureResult(rc, quotaMessage)

			default:
				l.io.Broadcast(models.ChannelError, err.Error())
				l.metrics.LoopIterations.Observe(float64(iteration))
				return l.failureResult(rc, err.Error())
			}
		}

		assistant := resp.Message
		rc.loopMsgs = append(rc.loopMsgs, assistant)
		l.observeUsage(rc, resp)

		// No tool calls: nudge or finalize.
		if len(assistant.ToolCalls) == 0 {
			rc.noToolStrikes++
			if rc.noToolStrikes > maxStrikes {
				response := assistant.Content
				if response == "" {
					response = "Task completed."
				}
				return l.successResult(rc, response, iteration)
			}
			if ContainsMalformedToolCall(assistant.Content) {
				rc.loopMsgs = append(rc.loopMsgs, models.UserMessage(malformedToolCallCorrection))
			} else {
				rc.loopMsgs = append(rc.loopMsgs, models.UserMessage(mustUseToolsCorrection))
			}
			continue
		}
		rc.noToolStrikes = 0

		if len(assistant.ToolCalls) > 1 {
			l.logger.Warn("multiple tool calls in one turn, truncating to first",
				"count", len(assistant.ToolCalls))
			assistant.ToolCalls = assistant.ToolCalls[:1]
			rc.loopMsgs[len(rc.loopMsgs)-1].ToolCalls = assistant.ToolCalls
		}
		call := assistant.ToolCalls[0]

		outcome := l.dispatch(ctx, rc, call)
		switch outcome.kind {
		case dispatchAborted:
			return l.abortedResult(rc)
		case dispatchParseAbort:
			rc.loopMsgs = append(rc.loopMsgs, models.AssistantMessage(parseAbortMessage))
			l.io.Broadcast(models.ChannelError, parseAbortMessage)
			l.metrics.LoopIterations.Observe(float64(iteration))
			return l.failureResult(rc, parseAbortMessage)
		case dispatchFinal:
			return l.successResult(rc, outcome.response, iteration)
		}

		l.maybeCompact(ctx, rc)
	}
}

func (l *Loop) callModel(ctx context.Context, rc *runContext) (*llm.Response, error) {
	system := BuildSystemPrompt(l.registry, l.state.WorkingDirectory())
	history := append(append([]models.Message{}, rc.baseHistory...), rc.loopMsgs...)
	envelope := BuildEnvelope(l.state.GetTodos(), history, l.registry.IsEnabled(tools.GroupVision))

	req := &llm.Request{
		System:     system,
		Messages:   []models.Message{models.UserMessage(envelope)},
		Tools:      l.registry.ListSchemas(),
		ToolChoice: "required",
	}
	if !rc.cfg.StreamResponses {
		return l.client.Chat(ctx, req)
	}
	return l.client.ChatStream(ctx, req, func(chunk string, done bool) {
		if !done && chunk != "" {
			l.io.Broadcast(models.ChannelReasoning, chunk)
		}
	})
}

type dispatchKind int

const (
	dispatchContinue dispatchKind = iota
	dispatchAborted
	dispatchParseAbort
	dispatchFinal
)

type dispatchOutcome struct {
	kind     dispatchKind
	response string
}

// dispatch takes the turn's single tool call through sanitize, parse,
// validate, approve, execute.
func (l *Loop) dispatch(ctx context.Context, rc *runContext, call models.ToolCall) dispatchOutcome {
	name, err := SanitizeToolName(call.Name)
	if err != nil {
		return l.recordParseFailure(rc, call, ParseFailureHint(call.Name, err))
	}
	call.Name = name

	var args map[string]any
	if strings.TrimSpace(call.Arguments) == "" {
		args = map[string]any{}
	} else if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return l.recordParseFailure(rc, call, ParseFailureHint(call.Arguments, err))
	}

	if def, _, ok := l.registry.Lookup(call.Name); ok {
		if err := l.validator.Validate(call.Name, def.Parameters, args); err != nil {
			return l.recordParseFailure(rc, call, SchemaFailureHint(call.Name, err))
		}
	}
	rc.parseStrikes = 0

	l.io.Broadcast(models.ChannelToolCall, map[string]any{
		"name": call.Name, "arguments": call.Arguments,
	})

	result := l.executor.Execute(ctx, call, args, l.toolContext(ctx, rc), tools.ExecOptions{
		AutoMode:       rc.cfg.AutoMode,
		AlwaysApproved: l.state.AlwaysApproved(),
		DeniedTools:    l.state.DeniedTools(),
	})
	if ctx.Err() != nil {
		return dispatchOutcome{kind: dispatchAborted}
	}

	// final_response terminates the run instead of feeding the loop.
	if call.Name == "final_response" {
		if result.Success {
			if final, ok := result.Metadata[tools.MetadataFinalResponse].(bool); ok && final {
				l.io.Broadcast(models.ChannelToolResult, map[string]any{
					"name": call.Name, "content": result.Result, "success": true,
				})
				return dispatchOutcome{kind: dispatchFinal, response: result.Result}
			}
		}
		rc.finalRespFails++
		if rc.finalRespFails >= maxStrikes {
			fallback, _ := args["message"].(string)
			if fallback == "" {
				fallback = "Task completed."
			}
			l.logger.Warn("final_response failed repeatedly, synthesizing completion")
			return dispatchOutcome{kind: dispatchFinal, response: fallback}
		}
	}

	content := result.Content()
	rc.loopMsgs = append(rc.loopMsgs, models.ToolMessage(content, call.ID))
	l.io.Broadcast(models.ChannelToolResult, map[string]any{
		"name": call.Name, "content": content, "success": result.Success,
	})
	return dispatchOutcome{kind: dispatchContinue}
}

// recordParseFailure applies the three-strike policy shared by name,
// JSON, and schema failures. The hint exchange is tagged for stripping
// on return.
func (l *Loop) recordParseFailure(rc *runContext, call models.ToolCall, hint string) dispatchOutcome {
	rc.parseStrikes++
	l.logger.Warn("tool call rejected before dispatch",
		"tool", call.Name, "strikes", rc.parseStrikes)
	if rc.parseStrikes >= maxStrikes {
		return dispatchOutcome{kind: dispatchParseAbort}
	}
	rc.parseFailureIDs[call.ID] = true
	rc.loopMsgs = append(rc.loopMsgs, models.ToolMessage(hint, call.ID))
	return dispatchOutcome{kind: dispatchContinue}
}

func (l *Loop) toolContext(ctx context.Context, rc *runContext) *tools.Context {
	runID := rc.runID
	return &tools.Context{
		WorkingDirectory: l.state.WorkingDirectory(),
		Todos:            l.state,
		Emit: func(channel string, data ...any) {
			if l.state.RunID() != runID {
				return // stale callback from a previous run
			}
			l.io.Broadcast(channel, data...)
		},
		AskUser: func(askCtx context.Context, request string) (string, error) {
			l.io.FlashWindows()
			return l.io.AskUser(askCtx, request)
		},
	}
}

func (l *Loop) observeUsage(rc *runContext, resp *llm.Response) {
	system := BuildSystemPrompt(l.registry, l.state.WorkingDirectory())
	history := append(append([]models.Message{}, rc.baseHistory...), rc.loopMsgs...)
	l.tracker.Observe(resp.Usage, EstimateTokens(system, history))
	l.io.Broadcast(models.ChannelContextUpdate, l.tracker.Usage(rc.cfg.MaxContextTokens))
}

// maybeCompact runs preventative compaction at the context boundary.
// Failure is logged and ignored; the tracker's one-shot flag prevents
// an immediate retry.
func (l *Loop) maybeCompact(ctx context.Context, rc *runContext) {
	if !l.tracker.ShouldTriggerAutoCompact(rc.cfg.MaxContextTokens) {
		return
	}

	full := append(append([]models.Message{}, rc.baseHistory...), rc.loopMsgs...)
	result := l.compactor.Compact(ctx, full, l.state.WorkingDirectory(), "preventative")
	if !result.Success {
		l.logger.Warn("preventative compaction failed", "reason", result.Reason)
		return
	}

	rc.baseHistory = result.Messages
	rc.loopMsgs = nil
	l.tracker.Reset(EstimateTokens("", result.Messages))
	l.io.Broadcast(models.ChannelContextUpdate, l.tracker.Usage(rc.cfg.MaxContextTokens))
}

func (l *Loop) returnedMessages(rc *runContext) []models.Message {
	messages := append(append([]models.Message{}, rc.baseHistory...), rc.loopMsgs...)
	return StripParseFailures(messages, rc.parseFailureIDs)
}

func (l *Loop) successResult(rc *runContext, response string, iteration int) *RunResult {
	l.io.Broadcast(models.ChannelComplete, response)
	l.metrics.LoopIterations.Observe(float64(iteration))
	return &RunResult{Success: true, Response: response, Messages: l.returnedMessages(rc)}
}

func (l *Loop) failureResult(rc *runContext, message string) *RunResult {
	return &RunResult{
		Success:  false,
		Response: message,
		Error:    message,
		Messages: l.returnedMessages(rc),
	}
}

func (l *Loop) abortedResult(rc *runContext) *RunResult {
	rc.loopMsgs = append(rc.loopMsgs, models.AssistantMessage(abortedMarker))
	l.logger.Info("run aborted by user", "run_id", rc.runID)
	return &RunResult{Success: true, Response: "", Messages: l.returnedMessages(rc)}
}

// rollbackLastToolGroup drops the last assistant-with-tool-calls and
// everything after it, shrinking the next request after a
// context-length error.
func rollbackLastToolGroup(messages []models.Message) []models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant && len(messages[i].ToolCalls) > 0 {
			return messages[:i]
		}
	}
	return messages
}

func isAbortErr(ctx context.Context, err error) bool {
	return errors.Is(err, llm.ErrRequestCancelled) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}

func isContextLength(err error) bool {
	var cle *llm.ContextLengthError
	return errors.As(err, &cle)
}

func isQuota(err error) bool {
	var qe *llm.QuotaExceededError
	return errors.As(err, &qe)
}

// Abort cancels the in-flight run and the LLM request.
func (l *Loop) Abort() {
	l.client.Abort()
	l.state.Abort()
}
