package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloud302/internal/cloud189"
	"github.com/tonimelisma/cloud302/internal/session"
)

const (
	qrPollInterval = 2 * time.Second
	qrLoginTimeout = 5 * time.Minute
)

var (
	flagLoginCookies  string
	flagLoginUsername string
	flagLoginPassword string
	flagLoginQR       bool
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to Cloud189 and save the session cookies",
		Long: `Log in with a browser cookie string, an account and password, or a QR code
scanned with the Cloud189 app. The cookies are verified and written to the
configured cookie file, which a running server picks up on its next start.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().StringVar(&flagLoginCookies, "cookies", "", "import a cookie string copied from a browser")
	cmd.Flags().StringVar(&flagLoginUsername, "username", "", "account name (phone number or email)")
	cmd.Flags().StringVar(&flagLoginPassword, "password", "", "account password (default: account.password from config)")
	cmd.Flags().BoolVar(&flagLoginQR, "qr", false, "log in by scanning a QR code")
	cmd.MarkFlagsMutuallyExclusive("cookies", "username", "qr")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved session cookies",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

// newCLISession builds a session manager that persists to the configured
// cookie file.
func newCLISession(logger *slog.Logger) *session.Manager {
	cfg := resolvedCfg
	transport := newTransport(cfg.Upstream)

	var mgr *session.Manager

	up := newUpstream(cfg.Upstream, transport, cloud189.CookieFunc(func() (string, error) {
		return mgr.Cookies()
	}), logger)
	mgr = session.NewManager(up.account, cfg.Account.CookiesFile, logger)

	return mgr
}

func runLogin(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(resolvedCfg, os.Stderr, nil, nil)
	mgr := newCLISession(logger)
	ctx := cmd.Context()

	var err error

	switch {
	case flagLoginCookies != "":
		err = mgr.ImportCookies(ctx, flagLoginCookies)
	case flagLoginUsername != "":
		password := flagLoginPassword
		if password == "" {
			password = resolvedCfg.Account.Password
		}

		err = mgr.LoginWithCredentials(ctx, flagLoginUsername, password)
	case flagLoginQR:
		err = loginQR(ctx, mgr, qrPollInterval)
	default:
		return errors.New("specify one of --cookies, --username or --qr")
	}

	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	st := mgr.Status()
	if st.Account != "" {
		statusf("Logged in as %s.\n", st.Account)
	} else {
		statusf("Logged in.\n")
	}

	statusf("Cookies saved to %s\n", resolvedCfg.Account.CookiesFile)

	return nil
}

// loginQR prints the QR code content and waits for the scan to be
// confirmed in the app.
func loginQR(ctx context.Context, mgr *session.Manager, interval time.Duration) error {
	ch, err := mgr.BeginQRLogin(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Scan with the Cloud189 app:\n  %s\nQR image: %s\n", ch.UUID, ch.ImageURL)

	ctx, cancel := context.WithTimeout(ctx, qrLoginTimeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := session.QRPending

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for QR confirmation: %w", ctx.Err())
		case <-ticker.C:
		}

		state, err := mgr.PollQRStatus(ctx)
		if err != nil {
			return err
		}

		if state == session.Authenticated {
			return nil
		}

		if state == session.QRConfirmed && last != session.QRConfirmed {
			statusf("Scanned, confirm the login in the app.\n")
		}

		last = state
	}
}

func runLogout(_ *cobra.Command, _ []string) error {
	logger := buildLogger(resolvedCfg, os.Stderr, nil, nil)

	if err := newCLISession(logger).Logout(); err != nil {
		return err
	}

	statusf("Removed %s. A running server keeps its session until it logs out or restarts.\n",
		resolvedCfg.Account.CookiesFile)

	return nil
}
