package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

const (
	appName        = "eve-service"
	configFileName = "config.toml"
	pidFileName    = "watch.pid"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux it respects XDG_CONFIG_HOME (default ~/.config/eve-service); on
// macOS it uses ~/Library/Application Support/eve-service.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", home, ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for the database,
// token files, and the watch pidfile. On Linux it respects XDG_DATA_HOME
// (default ~/.local/share/eve-service).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", home, ".local", "share")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func xdgDir(envVar, home string, fallback ...string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(append(append([]string{home}, fallback...), appName)...)
}

// DefaultConfigPath returns the full path to the default config file, used
// when neither EVE_SERVICE_CONFIG nor --config is given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// PIDFilePath returns where watch mode records its process id.
func PIDFilePath() string {
	return filepath.Join(DefaultDataDir(), pidFileName)
}
