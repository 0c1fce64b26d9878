package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig        = "EVE_SERVICE_CONFIG"
	EnvDB            = "EVE_SERVICE_DB"
	EnvCredentialKey = "EVE_SERVICE_CREDENTIAL_KEY"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath    string // EVE_SERVICE_CONFIG: override config file path
	DBPath        string // EVE_SERVICE_DB: override database path
	CredentialKey string // EVE_SERVICE_CREDENTIAL_KEY: hex or base64 AES-256 key
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:    os.Getenv(EnvConfig),
		DBPath:        os.Getenv(EnvDB),
		CredentialKey: os.Getenv(EnvCredentialKey),
	}
}
