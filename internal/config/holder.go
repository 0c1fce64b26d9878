package config

import (
	"fmt"
	"sync"
)

// Holder provides thread-safe access to a mutable *Config and an immutable
// config file path. Watch mode reads sync targets and the poll interval
// through a shared Holder, so a reload updates config in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
	env  EnvOverrides
	cli  CLIOverrides
}

// NewHolder creates a Holder with the initial config and the overrides it
// was resolved with, so Reload reapplies the same layers.
func NewHolder(cfg *Config, path string, env EnvOverrides, cli CLIOverrides) *Holder {
	return &Holder{cfg: cfg, path: path, env: env, cli: cli}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path. Immutable after construction.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Reload re-reads the config file and swaps it in. On error the current
// config is kept.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := LoadOrDefault(h.path)
	if err != nil {
		return nil, fmt.Errorf("reloading %s: %w", h.path, err)
	}

	applyOverrides(cfg, h.env, h.cli)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("reloading %s: %w", h.path, err)
	}

	h.Update(cfg)

	return cfg, nil
}
