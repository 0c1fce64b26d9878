package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?"
// suggestions, because a silently ignored typo is hard to debug.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve applies the four-layer override chain: defaults -> config file ->
// environment variables -> CLI flags. It returns the validated config and
// the config file path it was read from.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	cfgPath := ConfigPath(env, cli)

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, "", err
	}

	applyOverrides(cfg, env, cli)

	if err := Validate(cfg); err != nil {
		return nil, "", fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}

// ConfigPath picks the config file: CLI > env > platform default.
func ConfigPath(env EnvOverrides, cli CLIOverrides) string {
	switch {
	case cli.ConfigPath != "":
		return cli.ConfigPath
	case env.ConfigPath != "":
		return env.ConfigPath
	default:
		return DefaultConfigPath()
	}
}

func applyOverrides(cfg *Config, env EnvOverrides, cli CLIOverrides) {
	if env.DBPath != "" {
		cfg.Database.Path = env.DBPath
	}

	if cli.DBPath != nil {
		cfg.Database.Path = *cli.DBPath
	}

	if cli.LogLevel != nil {
		cfg.Logging.LogLevel = *cli.LogLevel
	}
}
