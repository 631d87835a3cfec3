package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloud302/internal/config"
	"github.com/tonimelisma/cloud302/internal/notify"
)

// newRootCmd() rebinds the flag globals to their defaults, so tests set
// globals after building the command or let Cobra parse them.

func resetFlags(t *testing.T) {
	t.Helper()

	oldVerbose, oldQuiet, oldJSON := flagVerbose, flagQuiet, flagJSON
	oldConfigPath := flagConfigPath
	oldCfg, oldPath := resolvedCfg, resolvedPath

	t.Cleanup(func() {
		flagVerbose, flagQuiet, flagJSON = oldVerbose, oldQuiet, oldJSON
		flagConfigPath = oldConfigPath
		resolvedCfg, resolvedPath = oldCfg, oldPath
	})

	flagVerbose, flagQuiet, flagJSON = false, false, false
	flagConfigPath = ""
}

func TestLogLevel(t *testing.T) {
	resetFlags(t)

	cfg := config.DefaultConfig()
	assert.Equal(t, slog.LevelInfo, logLevel(cfg))
	assert.Equal(t, slog.LevelInfo, logLevel(nil))

	cfg.Logging.LogLevel = "warn"
	assert.Equal(t, slog.LevelWarn, logLevel(cfg))

	cfg.Logging.LogLevel = "error"
	assert.Equal(t, slog.LevelError, logLevel(cfg))

	flagVerbose = true
	assert.Equal(t, slog.LevelDebug, logLevel(cfg))

	flagQuiet = true
	assert.Equal(t, slog.LevelError, logLevel(cfg))
}

func TestBuildLogger_JSONWhenNotTerminal(t *testing.T) {
	resetFlags(t)

	var out bytes.Buffer

	logs := notify.NewLogBuffer(10)
	level := new(slog.LevelVar)

	logger := buildLogger(config.DefaultConfig(), &out, logs, level)
	logger.Info("hello", slog.String("path", "/a.mkv"))
	logger.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "/a.mkv", rec["path"])

	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.Recent(1)[0], "hello")

	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, out.String(), "now visible")
}

func TestBuildLogger_TextFormat(t *testing.T) {
	resetFlags(t)

	var out bytes.Buffer

	cfg := config.DefaultConfig()
	cfg.Logging.LogFormat = "text"

	buildLogger(cfg, &out, nil, nil).Warn("careful")
	assert.Contains(t, out.String(), "level=WARN msg=careful")
}

func TestBuildLogger_BufferKeepsInfoWhenQuiet(t *testing.T) {
	resetFlags(t)
	flagQuiet = true

	var out bytes.Buffer

	logs := notify.NewLogBuffer(10)
	logger := buildLogger(config.DefaultConfig(), &out, logs, nil)

	logger.Info("served")
	assert.Empty(t, out.String())
	assert.Equal(t, 1, logs.Len())
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}

	assert.Subset(t, names, []string{"serve", "login", "logout", "status", "reload"})
}

func TestCLIOverrides_OnlyChangedFlags(t *testing.T) {
	resetFlags(t)

	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9000"}))

	cli := cliOverrides(cmd)
	require.NotNil(t, cli.Port)
	assert.Equal(t, 9000, *cli.Port)
	assert.Nil(t, cli.Host)

	cmd = newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--host", "127.0.0.1"}))

	cli = cliOverrides(cmd)
	require.NotNil(t, cli.Host)
	assert.Equal(t, "127.0.0.1", *cli.Host)
	assert.Nil(t, cli.Port)

	assert.Equal(t, config.CLIOverrides{}, cliOverrides(newStatusCmd()))
}

func TestRootCmd_LoadsConfigFile(t *testing.T) {
	resetFlags(t)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	cookies := filepath.Join(dir, "cookies.txt")

	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[server]
port = 9100

[account]
cookies_file = "`+cookies+`"
`), 0o600))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", cfgPath, "--quiet", "status", "--json"})
	require.NoError(t, cmd.Execute())

	require.NotNil(t, resolvedCfg)
	assert.Equal(t, cfgPath, resolvedPath)
	assert.Equal(t, 9100, resolvedCfg.Server.Port)
	assert.Equal(t, cookies, resolvedCfg.Account.CookiesFile)
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	resetFlags(t)

	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[server]\nport = 0\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", cfgPath, "status"})
	assert.ErrorContains(t, cmd.Execute(), "loading config")
}
