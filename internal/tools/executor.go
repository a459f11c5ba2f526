package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

// RejectionPrefix starts every rejection tool result so the model can
// recognize a user denial and adjust its plan.
const RejectionPrefix = "Tool execution rejected by user"

// editPreviewDelay is the minimum pause between pushing an edit_file
// diff preview and showing the approval prompt, so the diff renders
// before the dialog covers it.
const editPreviewDelay = time.Second

// Approver resolves tool approval prompts. The worker host implements
// it against the UI bridge and owns the prompt timeout; a timeout
// surfaces as an ApprovalTimeout decision, never an error.
type Approver interface {
	RequestApproval(ctx context.Context, req models.ApprovalRequest) (models.ApprovalOutcome, error)
}

// AutoApprover approves everything. Used in auto mode.
type AutoApprover struct{}

func (AutoApprover) RequestApproval(context.Context, models.ApprovalRequest) (models.ApprovalOutcome, error) {
	return models.ApprovalOutcome{Decision: models.ApprovedOnce}, nil
}

// ExecOptions carries the per-run execution settings.
type ExecOptions struct {
	// AutoMode skips every approval prompt.
	AutoMode bool

	// AlwaysApproved holds tool names the user granted "always allow"
	// during this session. The executor adds to it when a prompt
	// resolves to ApprovedAlways.
	AlwaysApproved map[string]bool

	// DeniedTools holds tool names blocked by the operator's approval
	// overlay. They are rejected without prompting, even in auto mode.
	DeniedTools map[string]bool
}

// Executor runs tool calls through the approval gate. One per session
// worker, shared across that session's runs.
type Executor struct {
	registry *Registry
	approver Approver
	logger   *observability.Logger
	metrics  *observability.Metrics

	// previewDelay is overridable in tests.
	previewDelay time.Duration
}

// NewExecutor builds an executor over the registry. A nil approver
// behaves like auto mode.
func NewExecutor(registry *Registry, approver Approver, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	if approver == nil {
		approver = AutoApprover{}
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Executor{
		registry:     registry,
		approver:     approver,
		logger:       logger,
		metrics:      metrics,
		previewDelay: editPreviewDelay,
	}
}

// Execute runs one tool call end to end: approval gate, handler,
// normalization. It never returns a Go error; every outcome, including
// rejection and handler panic, is a *Result.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, args map[string]any, tctx *Context, opts ExecOptions) *Result {
	def, handler, ok := e.registry.Lookup(call.Name)
	if !ok {
		return Fail(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	if opts.DeniedTools[def.Name] {
		e.metrics.ToolExecutionCounter.WithLabelValues(def.Name, "rejected").Inc()
		e.logger.Info("tool denied by policy", "tool", def.Name)
		return &Result{
			Success: false,
			Result:  fmt.Sprintf("%s: denied by approval policy", RejectionPrefix),
		}
	}

	if e.needsApproval(def, opts) {
		outcome := e.requestApproval(ctx, def, call, args, tctx)
		if outcome.Decision == models.ApprovedAlways && opts.AlwaysApproved != nil {
			opts.AlwaysApproved[def.Name] = true
		}
		if !outcome.Approved() {
			comment := outcome.Comment
			if outcome.Decision == models.ApprovalTimeout {
				comment = "Approval timeout"
			}
			e.metrics.ToolExecutionCounter.WithLabelValues(def.Name, "rejected").Inc()
			e.logger.Info("tool rejected", "tool", def.Name, "decision", string(outcome.Decision))
			return &Result{
				Success: false,
				Result:  fmt.Sprintf("%s: %s", RejectionPrefix, comment),
			}
		}
	}

	spanCtx, span := observability.StartSpan(ctx, "tool.execute",
		attribute.String("tool.name", def.Name))

	start := time.Now()
	result := e.run(spanCtx, handler, args, tctx)
	elapsed := time.Since(start)

	if result.Success {
		observability.EndSpan(span, nil)
	} else {
		observability.EndSpan(span, fmt.Errorf("%s", result.Content()))
	}

	e.metrics.ToolExecutionDuration.WithLabelValues(def.Name).Observe(elapsed.Seconds())
	status := "success"
	if !result.Success {
		status = "error"
	}
	e.metrics.ToolExecutionCounter.WithLabelValues(def.Name, status).Inc()
	e.logger.Debug("tool executed",
		"tool", def.Name, "success", result.Success, "elapsed", elapsed.String())
	return result
}

func (e *Executor) needsApproval(def Definition, opts ExecOptions) bool {
	if opts.AutoMode {
		return false
	}
	if NoApprovalTools[def.Name] {
		return false
	}
	if opts.AlwaysApproved[def.Name] {
		return false
	}
	return true
}

// requestApproval pushes the prompt, with the edit_file diff preview
// first when applicable. Approver errors (abort, transport loss) count
// as rejections.
func (e *Executor) requestApproval(ctx context.Context, def Definition, call models.ToolCall, args map[string]any, tctx *Context) models.ApprovalOutcome {
	if def.Name == "edit_file" {
		e.sendEditPreview(ctx, args, tctx)
	}

	argsJSON := call.Arguments
	if argsJSON == "" {
		if encoded, err := json.Marshal(args); err == nil {
			argsJSON = string(encoded)
		}
	}

	outcome, err := e.approver.RequestApproval(ctx, models.ApprovalRequest{
		ID:       uuid.NewString(),
		ToolName: def.Name,
		Args:     argsJSON,
	})
	if err != nil {
		e.logger.Warn("approval request failed", "tool", def.Name, "error", err)
		return models.ApprovalOutcome{Decision: models.Rejected, Comment: err.Error()}
	}
	return outcome
}

// sendEditPreview pushes the before/after file contents to the UI and
// holds the prompt back long enough for the diff to render. Preview
// failures are non-fatal; the prompt still appears, just without a
// diff.
func (e *Executor) sendEditPreview(ctx context.Context, args map[string]any, tctx *Context) {
	path, original, updated, err := PreviewEdit(tctx.WorkingDirectory, args)
	if err != nil {
		e.logger.Debug("edit preview unavailable", "error", err)
		return
	}
	tctx.EmitEvent(models.ChannelFileEdit, models.FileEdit{
		Path:            path,
		OriginalContent: original,
		NewContent:      updated,
		Language:        LanguageForPath(path),
	})
	select {
	case <-time.After(e.previewDelay):
	case <-ctx.Done():
	}
}

// run invokes the handler with panic containment.
func (e *Executor) run(ctx context.Context, handler Handler, args map[string]any, tctx *Context) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool handler panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			result = Fail(fmt.Sprintf("tool panicked: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return Fail("execution cancelled")
	}
	result = handler(ctx, args, tctx)
	if result == nil {
		result = Fail("tool returned no result")
	}
	return result
}
