package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "llama-srb-api"

// DataDir returns the default data directory.
// Windows: %LOCALAPPDATA%\llama-srb-api
// Linux/Mac: ~/.local/share/llama-srb-api
func DataDir() string {
	if dir := os.Getenv("LLAMA_SRB_DATA_DIR"); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("LOCALAPPDATA"), appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", appName)
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, appName, "config.toml")
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), appName, "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", appName, "config.toml")
}

// LockPath returns the single-instance lock file used by serve.
func LockPath() string {
	return filepath.Join(DataDir(), appName+".lock")
}

// EnsureDirs creates the required directories if they don't exist.
func EnsureDirs() error {
	return os.MkdirAll(DataDir(), 0755)
}
