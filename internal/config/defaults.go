package config

import (
	"path/filepath"
	"time"

	"github.com/chuanqiongzhr/eve-service/internal/retry"
	"github.com/chuanqiongzhr/eve-service/internal/sync"
)

// Default values for configuration options. These are "layer 0" of the
// four-layer override chain.
const (
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultRequestTimeout  = "30s"
	defaultUserAgent       = "eve-service/dev"
	defaultBaseDelay       = "1s"
	defaultMaxDelay        = "60s"
	defaultMaxRetryAfter   = "5m"
	defaultRefreshMargin   = "5m"
	defaultMinLifetime     = "1m"
	defaultCredentialStore = CredentialStoreFile
	defaultCallbackPort    = 8765
	defaultPollInterval    = "15m"
	defaultDBFileName      = "eve-service.db"
	defaultTokenDirName    = "tokens"

	defaultRequestTimeoutDur = 30 * time.Second
	defaultPollIntervalDur   = sync.DefaultPollInterval
)

// DefaultConfig returns a Config populated with all default values. It is
// both the starting point for TOML decoding (so unset fields keep their
// defaults) and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			RequestTimeout: defaultRequestTimeout,
			UserAgent:      defaultUserAgent,
		},
		Retry: RetryConfig{
			MaxRetries:    retry.DefaultMaxRetries,
			BaseDelay:     defaultBaseDelay,
			MaxDelay:      defaultMaxDelay,
			MaxRetryAfter: defaultMaxRetryAfter,
		},
		Auth: AuthConfig{
			RefreshMargin:   defaultRefreshMargin,
			MinLifetime:     defaultMinLifetime,
			CredentialStore: defaultCredentialStore,
			TokenDir:        filepath.Join(DefaultDataDir(), defaultTokenDirName),
			CallbackPort:    defaultCallbackPort,
		},
		Sync: SyncConfig{
			PollInterval: defaultPollInterval,
			Concurrency:  sync.DefaultConcurrency,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(DefaultDataDir(), defaultDBFileName),
		},
	}
}
