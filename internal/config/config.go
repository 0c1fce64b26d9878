// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for eve-service. It supports a
// four-layer override chain (defaults -> config file -> environment -> CLI
// flags).
package config

import (
	"slices"
	"time"

	"github.com/chuanqiongzhr/eve-service/internal/credential"
	"github.com/chuanqiongzhr/eve-service/internal/esi"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/retry"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
	Retry     RetryConfig     `toml:"retry"`
	Auth      AuthConfig      `toml:"auth"`
	Sync      SyncConfig      `toml:"sync"`
	Database  DatabaseConfig  `toml:"database"`
	Providers ProvidersConfig `toml:"providers"`
}

// LoggingConfig controls log output: level, format, and destination.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls the HTTP client used for provider calls.
type NetworkConfig struct {
	RequestTimeout string `toml:"request_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// RetryConfig bounds retries of transient and rate-limited calls.
type RetryConfig struct {
	MaxRetries    int    `toml:"max_retries"`
	BaseDelay     string `toml:"base_delay"`
	MaxDelay      string `toml:"max_delay"`
	MaxRetryAfter string `toml:"max_retry_after"`
}

// AuthConfig controls the token lifecycle and where credentials live.
type AuthConfig struct {
	RefreshMargin   string `toml:"refresh_margin"`
	MinLifetime     string `toml:"min_lifetime"`
	CredentialStore string `toml:"credential_store"`
	TokenDir        string `toml:"token_dir"`
	CallbackPort    int    `toml:"callback_port"`
}

// SyncConfig controls which principals and resources are synced and how
// often watch mode polls.
type SyncConfig struct {
	PollInterval string   `toml:"poll_interval"`
	Concurrency  int      `toml:"concurrency"`
	Principals   []string `toml:"principals"`
	Resources    []string `toml:"resources"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// ProvidersConfig holds per-provider endpoint and client settings.
type ProvidersConfig struct {
	ESI  ProviderConfig `toml:"esi"`
	Coop ProviderConfig `toml:"coop"`
}

// ProviderConfig overrides a provider's defaults. Empty fields keep the
// built-in value.
type ProviderConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	BaseURL      string   `toml:"base_url"`
	AuthURL      string   `toml:"auth_url"`
	TokenURL     string   `toml:"token_url"`
	Scopes       []string `toml:"scopes"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DBPath     *string // --db flag
	LogLevel   *string // --log-level flag
}

// Credential store backends.
const (
	CredentialStoreFile   = "file"
	CredentialStoreSQLite = "sqlite"
)

// RequestTimeout returns the per-call HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return durationOr(c.Network.RequestTimeout, defaultRequestTimeoutDur)
}

// PollInterval returns the watch-mode cycle period.
func (c *Config) PollInterval() time.Duration {
	return durationOr(c.Sync.PollInterval, defaultPollIntervalDur)
}

// RetryPolicy converts [retry] into a retry.Policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:    c.Retry.MaxRetries,
		BaseDelay:     durationOr(c.Retry.BaseDelay, retry.DefaultBaseDelay),
		MaxDelay:      durationOr(c.Retry.MaxDelay, retry.DefaultMaxDelay),
		MaxRetryAfter: durationOr(c.Retry.MaxRetryAfter, retry.DefaultMaxRetryAfter),
	}
}

// CredentialConfig converts [auth] and [retry] into the token manager's
// settings.
func (c *Config) CredentialConfig() credential.Config {
	return credential.Config{
		RefreshMargin: durationOr(c.Auth.RefreshMargin, credential.DefaultRefreshMargin),
		MinLifetime:   durationOr(c.Auth.MinLifetime, credential.DefaultMinLifetime),
		GrantTimeout:  c.RequestTimeout(),
		Retry:         c.RetryPolicy(),
	}
}

// Provider returns the named provider with config overrides applied on top
// of its defaults. ok is false for an unknown name.
func (c *Config) Provider(name string) (p esi.Provider, ok bool) {
	var pc ProviderConfig

	switch name {
	case principal.ProviderESI:
		p, pc = esi.DefaultESI(), c.Providers.ESI
	case principal.ProviderCoop:
		p, pc = esi.DefaultCoop(), c.Providers.Coop
	default:
		return esi.Provider{}, false
	}

	p.ClientID = pc.ClientID
	p.ClientSecret = pc.ClientSecret

	if pc.BaseURL != "" {
		p.BaseURL = pc.BaseURL
	}

	if pc.AuthURL != "" {
		p.AuthURL = pc.AuthURL
	}

	if pc.TokenURL != "" {
		p.TokenURL = pc.TokenURL
	}

	if len(pc.Scopes) > 0 {
		p.Scopes = slices.Clone(pc.Scopes)
	}

	return p, true
}

// Principals parses [sync] principals. Entries were checked by Validate,
// so unparseable ones are skipped.
func (c *Config) Principals() []principal.ID {
	out := make([]principal.ID, 0, len(c.Sync.Principals))

	for _, s := range c.Sync.Principals {
		if id, err := principal.Parse(s); err == nil {
			out = append(out, id)
		}
	}

	return out
}

// durationOr parses s, returning def when s is empty or invalid.
func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}

	return d
}
