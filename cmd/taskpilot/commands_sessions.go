package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// buildSessionsCmd creates the "sessions" command group for the
// transcript store.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored session transcripts",
	}
	cmd.AddCommand(
		buildSessionsListCmd(),
		buildSessionsShowCmd(),
		buildSessionsDeleteCmd(),
	)
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var historyPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(historyPath)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No stored sessions.")
				return nil
			}
			fmt.Fprintln(out, "Sessions:")
			for _, s := range sessions {
				title := s.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Fprintf(out, "  %s  %s  %s\n", s.ID, s.UpdatedAt.Format(time.RFC3339), title)
				if s.WorkingDirectory != "" {
					fmt.Fprintf(out, "    dir: %s\n", s.WorkingDirectory)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&historyPath, "history", defaultHistoryPath(), "Path to the sqlite transcript store")
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var historyPath string
	cmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Print a stored transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(historyPath)
			if err != nil {
				return err
			}
			defer store.Close()

			messages, err := store.LoadTranscript(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(messages) == 0 {
				fmt.Fprintln(out, "No transcript for that session.")
				return nil
			}
			for _, msg := range messages {
				fmt.Fprintf(out, "--- %s ---\n", msg.Role)
				if msg.Content != "" {
					fmt.Fprintln(out, msg.Content)
				}
				for _, call := range msg.ToolCalls {
					fmt.Fprintf(out, "[tool call] %s %s\n", call.Name, truncateLine(call.Arguments, 120))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&historyPath, "history", defaultHistoryPath(), "Path to the sqlite transcript store")
	return cmd
}

func buildSessionsDeleteCmd() *cobra.Command {
	var historyPath string
	cmd := &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(historyPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&historyPath, "history", defaultHistoryPath(), "Path to the sqlite transcript store")
	return cmd
}

func truncateLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
