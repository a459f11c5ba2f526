package main

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/taskpilot/internal/agent"
	"github.com/haasonsaas/taskpilot/internal/config"
	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/internal/tools"
	"github.com/haasonsaas/taskpilot/internal/worker"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

// buildRunCmd creates the "run" command: a one-shot agent run from the
// terminal. Approval prompts and questions from the agent are answered
// interactively on stdin.
func buildRunCmd() *cobra.Command {
	var (
		configPath  string
		workDir     string
		sessionID   string
		historyPath string
		auto        bool
		noPlan      bool
		save        bool
	)

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run a single agent task",
		Args:  cobra.ExactArgs(1),
		Example: `  # Supervised run in the current directory
  taskpilot run "add a --verbose flag to the CLI"

  # Unattended run in another project
  taskpilot run "fix the failing tests" --dir ~/src/api --auto

  # Continue a stored session
  taskpilot run "now update the docs" --session 7f3a... --save`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, runOptions{
				configPath:  configPath,
				workDir:     workDir,
				sessionID:   sessionID,
				historyPath: historyPath,
				auto:        auto,
				noPlan:      noPlan,
				save:        save,
				message:     args[0],
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to JSON configuration file")
	cmd.Flags().StringVar(&workDir, "dir", ".", "Working directory for the agent")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to resume (default: new session)")
	cmd.Flags().StringVar(&historyPath, "history", defaultHistoryPath(), "Path to the sqlite transcript store")
	cmd.Flags().BoolVar(&auto, "auto", false, "Auto-approve all tool executions")
	cmd.Flags().BoolVar(&noPlan, "no-plan", false, "Skip the planning phase")
	cmd.Flags().BoolVar(&save, "save", false, "Persist the transcript after the run")

	return cmd
}

type runOptions struct {
	configPath  string
	workDir     string
	sessionID   string
	historyPath string
	auto        bool
	noPlan      bool
	save        bool
	message     string
}

func runOnce(cmd *cobra.Command, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	endpoint, model, err := cfg.Active()
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	workDir, err := filepath.Abs(opts.workDir)
	if err != nil {
		return err
	}

	sessionID := opts.sessionID
	resuming := sessionID != ""
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	var existing []models.Message
	store, err := openHistory(opts.historyPath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()
	if resuming {
		existing, err = store.LoadTranscript(cmd.Context(), sessionID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", sessionID, err)
		}
	}

	level := "warn"
	if cfg.Settings.DebugMode {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level})

	out := cmd.OutOrStdout()
	console := &consoleIO{out: out, in: bufio.NewReader(cmd.InOrStdin())}

	manager := worker.NewManager(worker.ManagerOptions{
		Listener: console.handle,
		Logger:   logger,
		Metrics:  observability.NopMetrics(),
		HostDefaults: worker.HostOptions{
			BaseURL:          endpoint.BaseURL,
			APIKey:           endpoint.APIKey,
			Model:            model.ID,
			Temperature:      cfg.Settings.Temperature,
			MaxTokens:        cfg.Settings.MaxTokens,
			MaxContextTokens: model.MaxTokens,
		},
	})
	defer manager.Shutdown()

	if err := manager.CreateWorker(sessionID, workDir, nil); err != nil {
		return err
	}
	console.manager = manager
	console.sessionID = sessionID

	result, err := manager.RunAgent(cmd.Context(), sessionID, opts.message, existing, agent.RunConfig{
		EnablePlanning:   !opts.noPlan,
		ResumeTodos:      resuming,
		AutoMode:         opts.auto || cfg.Settings.AutoApprove,
		StreamResponses:  false,
		MaxContextTokens: model.MaxTokens,
	})
	if err != nil {
		return err
	}

	if result.Response != "" {
		fmt.Fprintln(out, result.Response)
	}

	if opts.save || cfg.Settings.AutoSave {
		title := manager.CachedTitle(sessionID)
		if err := store.SaveTranscript(cmd.Context(), sessionID, title, workDir, result.Messages); err != nil {
			return fmt.Errorf("save transcript: %w", err)
		}
		fmt.Fprintf(out, "\nSession saved: %s\n", sessionID)
	}

	if !result.Success {
		return fmt.Errorf("run failed: %s", result.Error)
	}
	return nil
}

// consoleIO renders worker broadcasts on the terminal and answers
// approval and ask-user round trips from stdin.
type consoleIO struct {
	out io.Writer
	in  *bufio.Reader

	manager   *worker.Manager
	sessionID string
}

func (c *consoleIO) handle(sessionID, channel string, data []any) {
	switch channel {
	case models.ChannelTellUser, models.ChannelMessage:
		if len(data) > 0 {
			if text, ok := data[0].(string); ok && text != "" {
				fmt.Fprintln(c.out, text)
			}
		}

	case models.ChannelToolCall:
		if len(data) >= 1 {
			fmt.Fprintf(c.out, "-> %v\n", data[0])
		}

	case models.ChannelTodoUpdate:
		if len(data) == 1 {
			if todos, ok := data[0].([]models.TodoItem); ok {
				fmt.Fprintln(c.out, tools.RenderTodoList(todos))
			}
		}

	case models.ChannelError:
		if len(data) > 0 {
			fmt.Fprintf(c.out, "error: %v\n", data[0])
		}

	case models.ChannelApprovalRequest:
		if len(data) == 1 {
			if req, ok := data[0].(worker.ApprovalRequestPayload); ok {
				c.answerApproval(req)
			}
		}

	case models.ChannelAskUser:
		if len(data) == 1 {
			if req, ok := data[0].(worker.AskUserPayload); ok {
				c.answerAsk(req)
			}
		}
	}
}

func (c *consoleIO) answerApproval(req worker.ApprovalRequestPayload) {
	fmt.Fprintf(c.out, "\nTool %s wants to run:\n  %s\n", req.ToolName, req.Args)
	fmt.Fprint(c.out, "Approve? [y]es / [a]lways / [n]o: ")
	answer, _ := c.in.ReadString('\n')

	var outcome *models.ApprovalOutcome
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "":
		outcome = nil // plain approval
	case "a", "always":
		outcome = &models.ApprovalOutcome{Decision: models.ApprovedAlways}
	default:
		fmt.Fprint(c.out, "Reason (optional): ")
		comment, _ := c.in.ReadString('\n')
		outcome = &models.ApprovalOutcome{
			Decision: models.Rejected,
			Comment:  strings.TrimSpace(comment),
		}
	}
	if err := c.manager.RespondApproval(c.sessionID, req.ReqID, outcome); err != nil {
		fmt.Fprintf(c.out, "approval response failed: %v\n", err)
	}
}

func (c *consoleIO) answerAsk(req worker.AskUserPayload) {
	fmt.Fprintf(c.out, "\n%s\n> ", req.Request)
	answer, _ := c.in.ReadString('\n')
	if err := c.manager.RespondAskUser(c.sessionID, req.ReqID, strings.TrimSpace(answer)); err != nil {
		fmt.Fprintf(c.out, "answer failed: %v\n", err)
	}
}
