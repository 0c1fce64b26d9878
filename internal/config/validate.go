package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/resource"
)

// Validation range constants.
const (
	minRequestTimeout = 1 * time.Second
	maxRetries        = 10
	minPollInterval   = 1 * time.Minute
	minConcurrency    = 1
	maxConcurrency    = 32
	maxPort           = 65535
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateProvider("providers.esi", &cfg.Providers.ESI)...)
	errs = append(errs, validateProvider("providers.coop", &cfg.Providers.Coop)...)

	if cfg.Database.Path == "" {
		errs = append(errs, errors.New("database.path: must not be empty"))
	}

	return errors.Join(errs...)
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("request_timeout", n.RequestTimeout, minRequestTimeout)...)

	if n.UserAgent == "" {
		errs = append(errs, errors.New("user_agent: must not be empty"))
	}

	return errs
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	if r.MaxRetries < 0 || r.MaxRetries > maxRetries {
		errs = append(errs, fmt.Errorf("max_retries: must be between 0 and %d, got %d", maxRetries, r.MaxRetries))
	}

	errs = append(errs, validateDurationMin("base_delay", r.BaseDelay, 0)...)
	errs = append(errs, validateDurationMin("max_delay", r.MaxDelay, 0)...)
	errs = append(errs, validateDurationMin("max_retry_after", r.MaxRetryAfter, 0)...)

	if base, err := time.ParseDuration(r.BaseDelay); err == nil {
		if maxD, err := time.ParseDuration(r.MaxDelay); err == nil && maxD < base {
			errs = append(errs, fmt.Errorf("max_delay: must be >= base_delay (%s), got %s", base, maxD))
		}
	}

	return errs
}

func validateAuth(a *AuthConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("refresh_margin", a.RefreshMargin, 0)...)
	errs = append(errs, validateDurationMin("min_lifetime", a.MinLifetime, 0)...)

	switch a.CredentialStore {
	case CredentialStoreFile:
		if a.TokenDir == "" {
			errs = append(errs, errors.New("token_dir: must not be empty when credential_store is \"file\""))
		}
	case CredentialStoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("credential_store: must be one of file, sqlite; got %q", a.CredentialStore))
	}

	if a.CallbackPort < 0 || a.CallbackPort > maxPort {
		errs = append(errs, fmt.Errorf("callback_port: must be between 0 and %d, got %d", maxPort, a.CallbackPort))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("poll_interval", s.PollInterval, minPollInterval)...)

	if s.Concurrency < minConcurrency || s.Concurrency > maxConcurrency {
		errs = append(errs, fmt.Errorf("concurrency: must be between %d and %d, got %d",
			minConcurrency, maxConcurrency, s.Concurrency))
	}

	for _, p := range s.Principals {
		if _, err := principal.Parse(p); err != nil {
			errs = append(errs, fmt.Errorf("principals: %w", err))
		}
	}

	for _, r := range s.Resources {
		if _, err := resource.Lookup(r); err != nil {
			errs = append(errs, fmt.Errorf("resources: %w", err))
		}
	}

	return errs
}

func validateProvider(section string, p *ProviderConfig) []error {
	var errs []error

	urls := []struct{ field, raw string }{
		{"base_url", p.BaseURL},
		{"auth_url", p.AuthURL},
		{"token_url", p.TokenURL},
	}

	for _, f := range urls {
		field, raw := f.field, f.raw
		if raw == "" {
			continue
		}

		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.%s: must be an absolute URL, got %q", section, field, raw))
		}
	}

	if p.ClientSecret != "" && p.ClientID == "" {
		errs = append(errs, fmt.Errorf("%s.client_secret: set without client_id", section))
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}
