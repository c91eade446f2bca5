package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/the-crypt-keeper/llama-srb-api/internal/engine"
)

// Server contains the HTTP listener configuration.
type Server struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	DefaultMaxTokens int    `toml:"default_max_tokens"`
}

// Engine contains the inference subprocess configuration.
type Engine struct {
	Binary                string   `toml:"binary"`
	Model                 string   `toml:"model"`
	Parallel              int      `toml:"parallel"`
	CtxSize               int      `toml:"ctx_size"`
	GPULayers             int      `toml:"gpu_layers"`
	SplitMode             string   `toml:"split_mode"`
	FlashAttention        bool     `toml:"flash_attention"`
	ExtraArgs             []string `toml:"extra_args"`
	LoadingMarker         string   `toml:"loading_marker"`
	RequestTimeoutSeconds int      `toml:"request_timeout_seconds"`
	AdmitTimeoutSeconds   int      `toml:"admit_timeout_seconds"`
	ShutdownGraceSeconds  int      `toml:"shutdown_grace_seconds"`
	QueueSize             int      `toml:"queue_size"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates all configuration values for the bridge.
type Config struct {
	Server  Server  `toml:"server"`
	Engine  Engine  `toml:"engine"`
	Logging Logging `toml:"logging"`
}

// Load locates and parses a configuration file over Default. A missing file
// is not an error. The returned config is normalized but not validated, so
// command line flags can still fill in required values; call Validate after
// applying them.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolvedPath, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

// ExpandPath resolves a leading ~ and makes the path absolute.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// Addr returns the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// EngineOptions converts the [engine] section into engine launch options.
func (c *Config) EngineOptions() engine.Options {
	e := c.Engine
	return engine.Options{
		Binary:         e.Binary,
		ModelPath:      e.Model,
		MaxParallel:    e.Parallel,
		CtxSize:        e.CtxSize,
		GPULayers:      e.GPULayers,
		SplitMode:      e.SplitMode,
		FlashAttention: e.FlashAttention,
		ExtraArgs:      append([]string(nil), e.ExtraArgs...),
		LoadingMarker:  e.LoadingMarker,
		QueueSize:      e.QueueSize,
		RequestTimeout: time.Duration(e.RequestTimeoutSeconds) * time.Second,
		AdmitTimeout:   time.Duration(e.AdmitTimeoutSeconds) * time.Second,
		ShutdownGrace:  time.Duration(e.ShutdownGraceSeconds) * time.Second,
	}
}
