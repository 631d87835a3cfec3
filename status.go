package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloud302/internal/cloud189"
	"github.com/tonimelisma/cloud302/internal/credfile"
)

// Saved session states reported by status.
const (
	cookieStateMissing = "missing"
	cookieStateValid   = "valid"
	cookieStateExpired = "expired"
	cookieStateUnknown = "unknown"
)

// statusReport is the JSON shape of `cloud302 status --json`.
type statusReport struct {
	ConfigPath  string    `json:"config_path"`
	Listen      string    `json:"listen"`
	CookiesFile string    `json:"cookies_file"`
	State       string    `json:"state"`
	Source      string    `json:"source,omitempty"`
	Account     string    `json:"account,omitempty"`
	SavedAt     time.Time `json:"saved_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the configuration and check the saved session",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(resolvedCfg, os.Stderr, nil, nil)
	transport := newTransport(resolvedCfg.Upstream)
	up := newUpstream(resolvedCfg.Upstream, transport, cloud189.CookieFunc(noCookies), logger)

	report := buildStatus(cmd.Context(), up.account, logger)

	if flagJSON {
		return printJSON(os.Stdout, report)
	}

	printStatusText(report, time.Now())

	return nil
}

func noCookies() (string, error) {
	return "", cloud189.ErrUnauthorized
}

type verifier interface {
	Verify(ctx context.Context, cookies string) (*cloud189.UserInfo, error)
}

// buildStatus loads the cookie file and verifies it with one upstream call.
func buildStatus(ctx context.Context, v verifier, logger *slog.Logger) statusReport {
	cfg := resolvedCfg
	report := statusReport{
		ConfigPath:  resolvedPath,
		Listen:      cfg.Server.Addr(),
		CookiesFile: cfg.Account.CookiesFile,
		State:       cookieStateMissing,
	}

	cf, err := credfile.Load(cfg.Account.CookiesFile)
	if err != nil {
		report.State = cookieStateUnknown
		report.Error = err.Error()

		return report
	}

	if cf == nil {
		return report
	}

	report.Source = cf.Source
	report.SavedAt = cf.SavedAt

	info, err := v.Verify(ctx, cf.Cookies)

	switch {
	case err == nil:
		report.State = cookieStateValid
		report.Account = info.LoginName
	case cloud189.IsAuthError(err):
		report.State = cookieStateExpired
	default:
		report.State = cookieStateUnknown
		report.Error = err.Error()

		logger.Debug("verifying saved cookies failed", slog.String("error", err.Error()))
	}

	return report
}

func printStatusText(r statusReport, now time.Time) {
	configPath := r.ConfigPath
	if _, err := os.Stat(configPath); err != nil {
		configPath += " (not found, using defaults)"
	}

	fmt.Printf("Config:   %s\n", configPath)
	fmt.Printf("Listen:   %s\n", r.Listen)
	fmt.Printf("Cookies:  %s\n", r.CookiesFile)
	fmt.Printf("Session:  %s\n", r.State)

	if r.Account != "" {
		fmt.Printf("Account:  %s\n", r.Account)
	}

	if r.Source != "" {
		fmt.Printf("Saved:    %s (%s)\n", formatTime(r.SavedAt, now), r.Source)
	}

	if r.Error != "" {
		fmt.Printf("Error:    %s\n", r.Error)
	}
}
