package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as an annotated TOML
// summary to w, for "config show". Client secrets are masked.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	if path != "" {
		ew.printf("# Effective configuration (file: %s)\n\n", path)
	} else {
		ew.printf("# Effective configuration (built-in defaults)\n\n")
	}

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format = %q\n", cfg.Logging.LogFormat)

	if cfg.Logging.LogFile != "" {
		ew.printf("  log_file   = %q\n", cfg.Logging.LogFile)
	}

	ew.printf("\n[network]\n")
	ew.printf("  request_timeout = %q\n", cfg.Network.RequestTimeout)
	ew.printf("  user_agent      = %q\n", cfg.Network.UserAgent)

	ew.printf("\n[retry]\n")
	ew.printf("  max_retries     = %d\n", cfg.Retry.MaxRetries)
	ew.printf("  base_delay      = %q\n", cfg.Retry.BaseDelay)
	ew.printf("  max_delay       = %q\n", cfg.Retry.MaxDelay)
	ew.printf("  max_retry_after = %q\n", cfg.Retry.MaxRetryAfter)

	ew.printf("\n[auth]\n")
	ew.printf("  refresh_margin   = %q\n", cfg.Auth.RefreshMargin)
	ew.printf("  min_lifetime     = %q\n", cfg.Auth.MinLifetime)
	ew.printf("  credential_store = %q\n", cfg.Auth.CredentialStore)
	ew.printf("  token_dir        = %q\n", cfg.Auth.TokenDir)
	ew.printf("  callback_port    = %d\n", cfg.Auth.CallbackPort)

	ew.printf("\n[sync]\n")
	ew.printf("  poll_interval = %q\n", cfg.Sync.PollInterval)
	ew.printf("  concurrency   = %d\n", cfg.Sync.Concurrency)
	ew.printf("  principals    = [%s]\n", joinQuoted(cfg.Sync.Principals))
	ew.printf("  resources     = [%s]\n", joinQuoted(cfg.Sync.Resources))

	ew.printf("\n[database]\n")
	ew.printf("  path = %q\n", cfg.Database.Path)

	for _, name := range knownProviders {
		p, _ := cfg.Provider(name)

		ew.printf("\n[providers.%s]\n", name)
		ew.printf("  client_id     = %q\n", p.ClientID)
		ew.printf("  client_secret = %q\n", mask(p.ClientSecret))
		ew.printf("  base_url      = %q\n", p.BaseURL)

		if p.AuthURL != "" {
			ew.printf("  auth_url      = %q\n", p.AuthURL)
		}

		ew.printf("  token_url     = %q\n", p.TokenURL)

		if len(p.Scopes) > 0 {
			ew.printf("  scopes        = [%s]\n", joinQuoted(p.Scopes))
		}
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error, so
// callers can chain printf calls without checking each one.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return strings.Join(quoted, ", ")
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}

	return "********"
}
