package config

import (
	"errors"
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	c.Engine.Binary = strings.TrimSpace(c.Engine.Binary)
	c.Engine.SplitMode = strings.ToLower(strings.TrimSpace(c.Engine.SplitMode))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	if model := strings.TrimSpace(c.Engine.Model); model != "" {
		expanded, err := ExpandPath(model)
		if err != nil {
			return fmt.Errorf("engine.model: %w", err)
		}
		c.Engine.Model = expanded
	}
	// Bare names are looked up on PATH by the engine; only expand paths.
	if strings.ContainsAny(c.Engine.Binary, `/\`) || strings.HasPrefix(c.Engine.Binary, "~") {
		expanded, err := ExpandPath(c.Engine.Binary)
		if err != nil {
			return fmt.Errorf("engine.binary: %w", err)
		}
		c.Engine.Binary = expanded
	}
	return nil
}

// Validate checks the configuration and names the first offending key.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.DefaultMaxTokens < 1 {
		return fmt.Errorf("server.default_max_tokens must be positive, got %d", c.Server.DefaultMaxTokens)
	}
	return nil
}

func (c *Config) validateEngine() error {
	e := c.Engine
	switch {
	case e.Binary == "":
		return errors.New("engine.binary is required")
	case strings.TrimSpace(e.Model) == "":
		return errors.New("engine.model is required")
	case e.Parallel < 1:
		return fmt.Errorf("engine.parallel must be positive, got %d", e.Parallel)
	case e.CtxSize < 1:
		return fmt.Errorf("engine.ctx_size must be positive, got %d", e.CtxSize)
	case e.GPULayers < 0:
		return fmt.Errorf("engine.gpu_layers must not be negative, got %d", e.GPULayers)
	case e.QueueSize < 1:
		return fmt.Errorf("engine.queue_size must be positive, got %d", e.QueueSize)
	}
	switch e.SplitMode {
	case "none", "layer", "row":
	default:
		return fmt.Errorf("engine.split_mode must be one of none, layer, row; got %q", e.SplitMode)
	}
	for key, v := range map[string]int{
		"engine.request_timeout_seconds": e.RequestTimeoutSeconds,
		"engine.admit_timeout_seconds":   e.AdmitTimeoutSeconds,
		"engine.shutdown_grace_seconds":  e.ShutdownGraceSeconds,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be positive, got %d", key, v)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of auto, console, json; got %q", c.Logging.Format)
	}
	return nil
}
