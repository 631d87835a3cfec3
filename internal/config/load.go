package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal errors with "did you
// mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports the zero-config
// container deployment where everything comes from the environment.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags. It returns
// the validated config and the config file path that was used.
func Resolve(cli CLIOverrides, lookup LookupFunc) (*Config, string, error) {
	cfgPath := DefaultConfigPath()
	if env := ConfigPathFromEnv(); env != "" {
		cfgPath = env
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg := DefaultConfig()

	if cfgPath != "" {
		if _, err := os.Stat(cfgPath); err == nil {
			if cfg, err = decodeFile(cfgPath); err != nil {
				return nil, cfgPath, err
			}
		}
	}

	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, cfgPath, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if cli.Host != nil {
		cfg.Server.Host = *cli.Host
	}

	if cli.Port != nil {
		cfg.Server.Port = *cli.Port
	}

	if err := Validate(cfg); err != nil {
		return nil, cfgPath, err
	}

	return cfg, cfgPath, nil
}

// decodeFile parses path on top of the defaults and rejects unknown keys.
func decodeFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return cfg, nil
}
