package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

type scriptedApprover struct {
	outcome models.ApprovalOutcome
	err     error
	calls   []models.ApprovalRequest
}

func (a *scriptedApprover) RequestApproval(_ context.Context, req models.ApprovalRequest) (models.ApprovalOutcome, error) {
	a.calls = append(a.calls, req)
	return a.outcome, a.err
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func newTestExecutor(t *testing.T, approver Approver, extra ...*Group) (*Executor, *Registry) {
	t.Helper()
	r := testRegistry(t, extra...)
	e := NewExecutor(r, approver, testLogger(), observability.NopMetrics())
	e.previewDelay = time.Millisecond
	return e, r
}

func TestExecuteNoApprovalToolSkipsPrompt(t *testing.T) {
	approver := &scriptedApprover{outcome: models.ApprovalOutcome{Decision: models.Rejected}}
	e, _ := newTestExecutor(t, approver)

	var told []string
	tctx := &Context{Emit: func(channel string, data ...any) {
		if channel == models.ChannelTellUser && len(data) > 0 {
			told = append(told, data[0].(string))
		}
	}}

	res := e.Execute(context.Background(),
		models.ToolCall{Name: "tell_to_user"},
		map[string]any{"message": "working on it"}, tctx, ExecOptions{})

	if !res.Success {
		t.Fatalf("tell_to_user failed: %s", res.Error)
	}
	if len(approver.calls) != 0 {
		t.Errorf("no-approval tool prompted %d times", len(approver.calls))
	}
	if len(told) != 1 || told[0] != "working on it" {
		t.Errorf("tellUser broadcasts = %v", told)
	}
}

func TestExecuteRejectionProducesRejectionResult(t *testing.T) {
	approver := &scriptedApprover{outcome: models.ApprovalOutcome{
		Decision: models.Rejected,
		Comment:  "use the staging directory instead",
	}}
	e, r := newTestExecutor(t, approver, ShellGroup())
	r.Enable(GroupShell)

	res := e.Execute(context.Background(),
		models.ToolCall{Name: "run_command", Arguments: `{"command":"rm -rf /"}`},
		map[string]any{"command": "rm -rf /"}, &Context{}, ExecOptions{})

	if res.Success {
		t.Fatal("rejected call reported success")
	}
	want := "Tool execution rejected by user: use the staging directory instead"
	if res.Content() != want {
		t.Errorf("Content() = %q, want %q", res.Content(), want)
	}
	if len(approver.calls) != 1 {
		t.Fatalf("prompted %d times, want 1", len(approver.calls))
	}
	if approver.calls[0].ToolName != "run_command" {
		t.Errorf("prompt tool = %q", approver.calls[0].ToolName)
	}
}

func TestExecuteApprovalTimeoutIsRejection(t *testing.T) {
	approver := &scriptedApprover{outcome: models.ApprovalOutcome{Decision: models.ApprovalTimeout}}
	e, r := newTestExecutor(t, approver, ShellGroup())
	r.Enable(GroupShell)

	res := e.Execute(context.Background(),
		models.ToolCall{Name: "run_command"},
		map[string]any{"command": "true"}, &Context{}, ExecOptions{})

	if res.Success {
		t.Fatal("timed-out call reported success")
	}
	if got := res.Content(); got != "Tool execution rejected by user: Approval timeout" {
		t.Errorf("Content() = %q", got)
	}
}

func TestExecuteApprovedAlwaysSkipsSubsequentPrompts(t *testing.T) {
	approver := &scriptedApprover{outcome: models.ApprovalOutcome{Decision: models.ApprovedAlways}}
	e, r := newTestExecutor(t, approver, ShellGroup())
	r.Enable(GroupShell)

	opts := ExecOptions{AlwaysApproved: make(map[string]bool)}
	tctx := &Context{WorkingDirectory: t.TempDir()}
	call := models.ToolCall{Name: "run_command"}
	args := map[string]any{"command": "echo once"}

	if res := e.Execute(context.Background(), call, args, tctx, opts); !res.Success {
		t.Fatalf("first call failed: %s", res.Error)
	}
	if !opts.AlwaysApproved["run_command"] {
		t.Fatal("ApprovedAlways did not populate the always-approved set")
	}

	approver.outcome = models.ApprovalOutcome{Decision: models.Rejected}
	if res := e.Execute(context.Background(), call, args, tctx, opts); !res.Success {
		t.Fatalf("second call should bypass approval, got: %s", res.Content())
	}
	if len(approver.calls) != 1 {
		t.Errorf("prompted %d times, want 1", len(approver.calls))
	}
}

func TestExecuteDeniedToolRejectedWithoutPrompt(t *testing.T) {
	approver := &scriptedApprover{outcome: models.ApprovalOutcome{Decision: models.ApprovedOnce}}
	e, r := newTestExecutor(t, approver, ShellGroup())
	r.Enable(GroupShell)

	opts := ExecOptions{
		AutoMode:    true,
		DeniedTools: map[string]bool{"run_command": true},
	}
	res := e.Execute(context.Background(),
		models.ToolCall{Name: "run_command"},
		map[string]any{"command": "echo hi"},
		&Context{WorkingDirectory: t.TempDir()}, opts)

	if res.Success {
		t.Fatal("denied call reported success")
	}
	if got := res.Content(); got != "Tool execution rejected by user: denied by approval policy" {
		t.Errorf("Content() = %q", got)
	}
	if len(approver.calls) != 0 {
		t.Errorf("denied tool prompted %d times", len(approver.calls))
	}
}

func TestExecuteAutoModeSkipsApproval(t *testing.T) {
	approver := &scriptedApprover{outcome: models.ApprovalOutcome{Decision: models.Rejected}}
	e, r := newTestExecutor(t, approver, ShellGroup())
	r.Enable(GroupShell)

	res := e.Execute(context.Background(),
		models.ToolCall{Name: "run_command"},
		map[string]any{"command": "echo auto"},
		&Context{WorkingDirectory: t.TempDir()}, ExecOptions{AutoMode: true})

	if !res.Success {
		t.Fatalf("auto-mode call failed: %s", res.Content())
	}
	if len(approver.calls) != 0 {
		t.Errorf("auto mode prompted %d times", len(approver.calls))
	}
}

func TestExecuteEditFileSendsDiffPreview(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main\n\nvar version = \"0.1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	approver := &scriptedApprover{outcome: models.ApprovalOutcome{Decision: models.ApprovedOnce}}
	e, r := newTestExecutor(t, approver, FileGroup())
	r.Enable(GroupFile)

	var edits []models.FileEdit
	tctx := &Context{
		WorkingDirectory: dir,
		Emit: func(channel string, data ...any) {
			if channel == models.ChannelFileEdit && len(data) > 0 {
				edits = append(edits, data[0].(models.FileEdit))
			}
		},
	}

	res := e.Execute(context.Background(),
		models.ToolCall{Name: "edit_file"},
		map[string]any{
			"path":       "main.go",
			"old_string": `"0.1"`,
			"new_string": `"0.2"`,
		}, tctx, ExecOptions{})

	if !res.Success {
		t.Fatalf("edit_file failed: %s", res.Content())
	}
	if len(edits) != 1 {
		t.Fatalf("fileEdit broadcasts = %d, want 1", len(edits))
	}
	edit := edits[0]
	if edit.Path != "main.go" || edit.Language != "go" {
		t.Errorf("edit = %+v", edit)
	}
	if !strings.Contains(edit.NewContent, `"0.2"`) || strings.Contains(edit.NewContent, `"0.1"`) {
		t.Errorf("preview content not updated: %q", edit.NewContent)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"0.2"`) {
		t.Errorf("file not edited after approval: %q", data)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	res := e.Execute(context.Background(),
		models.ToolCall{Name: "summon_demon"}, map[string]any{}, &Context{}, ExecOptions{})
	if res.Success || !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExecuteRecoversFromHandlerPanic(t *testing.T) {
	boom := &Group{
		ID: "boom",
		Defs: []Definition{{
			Name:       "explode",
			Parameters: ObjectSchema(map[string]any{}),
			GroupID:    "boom",
		}},
		Handlers: map[string]Handler{
			"explode": func(_ context.Context, _ map[string]any, _ *Context) *Result {
				panic("kaboom")
			},
		},
	}
	e, r := newTestExecutor(t, nil, boom)
	r.Enable("boom")

	res := e.Execute(context.Background(),
		models.ToolCall{Name: "explode"}, map[string]any{}, &Context{}, ExecOptions{AutoMode: true})
	if res.Success {
		t.Fatal("panicking handler reported success")
	}
	if !strings.Contains(res.Error, "kaboom") {
		t.Errorf("panic message lost: %q", res.Error)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	e, r := newTestExecutor(t, nil, ShellGroup())
	r.Enable(GroupShell)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Execute(ctx, models.ToolCall{Name: "run_command"},
		map[string]any{"command": "echo hi"},
		&Context{WorkingDirectory: t.TempDir()}, ExecOptions{AutoMode: true})
	if res.Success {
		t.Fatal("cancelled execution reported success")
	}
}
