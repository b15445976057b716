package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/samvad-hq/vidrelay/internal/credentials"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and reload destination sessions",
	}
	cmd.AddCommand(newSessionValidateCommand(ctx))
	cmd.AddCommand(newSessionReloadCommand(ctx))
	return cmd
}

type sessionReport struct {
	File     string   `json:"file"`
	URL      string   `json:"url,omitempty"`
	Cookies  int      `json:"cookies"`
	Required []string `json:"required"`
	Valid    bool     `json:"valid"`
	Error    string   `json:"error,omitempty"`
}

func newSessionValidateCommand(ctx *commandContext) *cobra.Command {
	var required []string
	cmd := &cobra.Command{
		Use:   "validate <session-file>",
		Short: "Check a cookie export for the required auth cookies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if len(required) == 0 {
				required = cfg.RequiredCookies()
			}
			report, err := validateSessionFile(args[0], required, time.Now())
			if ctx.wantJSON(cmd) {
				if werr := writeJSON(cmd, report); werr != nil {
					return werr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d cookies, required: %s)\n",
				report.File, report.Cookies, strings.Join(report.Required, ", "))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&required, "require", nil, "Required cookie names (default: session_required_cookies)")
	return cmd
}

// validateSessionFile parses and validates path. The report is filled as far
// as parsing got, even when err is set.
func validateSessionFile(path string, required []string, now time.Time) (sessionReport, error) {
	report := sessionReport{File: path, Required: required}
	raw, err := os.ReadFile(path)
	if err != nil {
		report.Error = err.Error()
		return report, fmt.Errorf("read session file: %w", err)
	}
	sm, err := credentials.ParseSessionMaterial(raw)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}
	report.URL = sm.URL
	report.Cookies = len(sm.Cookies)
	if err := sm.Validate(required, now); err != nil {
		report.Error = err.Error()
		return report, err
	}
	report.Valid = true
	return report, nil
}

func newSessionReloadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reload <channel-id>",
		Short: "Re-import a channel's session file on the daemon and resume publishing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.ReloadSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session for %s reloaded\n", args[0])
			return nil
		},
	}
}
