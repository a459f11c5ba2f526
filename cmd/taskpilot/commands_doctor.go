package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/taskpilot/internal/config"
)

// buildDoctorCmd creates the "doctor" command: a set of configuration
// health checks that catch the common misconfigurations before a run
// fails mid-session.
func buildDoctorCmd() *cobra.Command {
	var (
		configPath  string
		overlayPath string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.OutOrStdout(), configPath, overlayPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to JSON configuration file")
	cmd.Flags().StringVar(&overlayPath, "approvals", "", "Path to YAML approval overlay (optional)")

	return cmd
}

func runDoctor(out io.Writer, configPath, overlayPath string) error {
	failed := 0
	check := func(ok bool, label, detail string) {
		status := "OK  "
		if !ok {
			status = "FAIL"
			failed++
		}
		if detail != "" {
			fmt.Fprintf(out, "[%s] %s: %s\n", status, label, detail)
			return
		}
		fmt.Fprintf(out, "[%s] %s\n", status, label)
	}
	warn := func(label, detail string) {
		fmt.Fprintf(out, "[WARN] %s: %s\n", label, detail)
	}

	fmt.Fprintf(out, "TaskPilot doctor (%s)\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		check(false, "config", err.Error())
		return fmt.Errorf("%d check(s) failed", failed)
	}
	check(true, "config", configPath)

	endpoint, model, err := cfg.Active()
	if err != nil {
		check(false, "active endpoint", err.Error())
	} else {
		check(true, "active endpoint", fmt.Sprintf("%s (%s)", endpoint.Name, endpoint.BaseURL))
		check(true, "active model", model.ID)
		if !model.Enabled {
			warn("active model", fmt.Sprintf("%s is disabled", model.ID))
		}
		if strings.TrimSpace(endpoint.APIKey) == "" {
			warn("api key", "endpoint has no API key; fine for local servers")
		}
	}

	enabled := 0
	for _, ep := range cfg.Endpoints {
		for _, m := range ep.Models {
			if m.Enabled {
				enabled++
			}
		}
	}
	check(enabled > 0, "enabled models", fmt.Sprintf("%d across %d endpoint(s)", enabled, len(cfg.Endpoints)))

	if overlayPath != "" {
		overlay, err := config.LoadApprovalOverlay(overlayPath)
		if err != nil {
			check(false, "approval overlay", err.Error())
		} else {
			check(true, "approval overlay",
				fmt.Sprintf("%d allow, %d deny", len(overlay.AlwaysAllow), len(overlay.AlwaysDeny)))
		}
	}

	historyPath := defaultHistoryPath()
	if _, err := os.Stat(historyPath); err != nil {
		warn("history store", fmt.Sprintf("%s not created yet", historyPath))
	} else {
		check(true, "history store", historyPath)
	}

	fmt.Fprintln(out)
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Fprintln(out, "All checks passed.")
	return nil
}
