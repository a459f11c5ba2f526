package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	maxCommandOutput      = 64 * 1024
)

// ShellGroup builds the optional shell tools. run_command always
// requires approval in supervised mode.
func ShellGroup() *Group {
	return &Group{
		ID: GroupShell,
		Defs: []Definition{
			{
				Name:        "run_command",
				Description: "Run a shell command in the working directory and return its output.",
				Parameters: ObjectSchema(map[string]any{
					"command":         StringProp("The command to run, passed to the shell."),
					"timeout_seconds": NumberProp("Optional timeout in seconds. Defaults to 120."),
				}, "command"),
				GroupID:          GroupShell,
				RequiresApproval: true,
			},
		},
		Handlers: map[string]Handler{
			"run_command": runCommand,
		},
	}
}

func runCommand(ctx context.Context, args map[string]any, tctx *Context) *Result {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return Fail("command is required")
	}

	timeout := defaultCommandTimeout
	if secs, ok := numberArg(args, "timeout_seconds"); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = tctx.WorkingDirectory

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Round(time.Millisecond)

	text := out.String()
	if len(text) > maxCommandOutput {
		text = text[:maxCommandOutput] + fmt.Sprintf("\n\n[truncated: output exceeded %d bytes]", maxCommandOutput)
	}

	switch {
	case cmdCtx.Err() == context.DeadlineExceeded:
		return Fail(fmt.Sprintf("command timed out after %s:\n%s", timeout, text))
	case ctx.Err() != nil:
		return Fail("command cancelled")
	case err != nil:
		return Fail(fmt.Sprintf("command failed (%v, %s):\n%s", err, elapsed, text))
	}
	if strings.TrimSpace(text) == "" {
		return Ok(fmt.Sprintf("Command finished in %s with no output.", elapsed))
	}
	return Ok(text)
}
