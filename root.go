package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloud302/internal/config"
	"github.com/tonimelisma/cloud302/internal/notify"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg and resolvedPath hold the effective configuration loaded by
// PersistentPreRunE. Every subcommand reads them.
var (
	resolvedCfg  *config.Config
	resolvedPath string
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloud302",
		Short: "Cloud189 direct-link redirect server",
		Long: `cloud302 maps virtual paths onto a Cloud189 (天翼云盘) account and answers
each request with a 302 redirect to a time-limited direct download URL.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newReloadCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain. serve's --host and --port count only when given.
func loadConfig(cmd *cobra.Command) error {
	cfg, path, err := config.Resolve(cliOverrides(cmd), os.LookupEnv)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg
	resolvedPath = path

	return nil
}

func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if f := cmd.Flags().Lookup("host"); f != nil && f.Changed {
		host := f.Value.String()
		cli.Host = &host
	}

	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		if port, err := strconv.Atoi(f.Value.String()); err == nil {
			cli.Port = &port
		}
	}

	return cli
}

// logLevel maps the configured level and the CLI flags onto a slog level.
// --verbose and --quiet override the config because CLI flags always win.
func logLevel(cfg *config.Config) slog.Level {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return level
}

// buildLogger creates the process logger. Format "auto" picks text for a
// terminal and JSON otherwise. level is set from cfg and may be changed
// later by a reload. When logs is non-nil every record at or above info is
// also kept there for /189log.
func buildLogger(cfg *config.Config, w io.Writer, logs *notify.LogBuffer, level *slog.LevelVar) *slog.Logger {
	if level == nil {
		level = new(slog.LevelVar)
	}

	level.Set(logLevel(cfg))
	opts := &slog.HandlerOptions{Level: level}

	format := "auto"
	if cfg != nil {
		format = cfg.Logging.LogFormat
	}

	var handler slog.Handler

	switch {
	case format == "json":
		handler = slog.NewJSONHandler(w, opts)
	case format == "text" || isTerminal(w):
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	if logs != nil {
		handler = notify.TeeHandler{handler, logs.Handler(slog.LevelInfo)}
	}

	return slog.New(handler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
