package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/the-crypt-keeper/llama-srb-api/internal/config"
	"github.com/the-crypt-keeper/llama-srb-api/internal/engine"
	"github.com/the-crypt-keeper/llama-srb-api/internal/logging"
	"github.com/the-crypt-keeper/llama-srb-api/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine and the completions API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		applyServeFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
		if err != nil {
			return err
		}

		if err := config.EnsureDirs(); err != nil {
			return err
		}
		lock := flock.New(config.LockPath())
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("another llama-srb-api is already serving (lock %s)", config.LockPath())
		}
		defer lock.Unlock()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng := engine.New(cfg.EngineOptions(), logger)
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		defer func() {
			if err := eng.Close(); err != nil {
				logger.Warn("engine shutdown", "error", err)
			}
		}()
		go watchEngine(ctx, eng, logger)

		srv := server.New(server.Config{
			Addr:      cfg.Addr(),
			Engine:    eng,
			Logger:    logger,
			MaxTokens: cfg.Server.DefaultMaxTokens,
		})
		return srv.Start(ctx)
	},
}

// watchEngine logs readiness and a permanent engine fault. The server keeps
// running after a fault so clients see 503s and the DOWN state.
func watchEngine(ctx context.Context, eng *engine.Engine, logger *slog.Logger) {
	if err := eng.WaitReady(ctx); err == nil {
		logger.Info("engine ready", "model", eng.ModelName(), "parallel", eng.MaxParallel())
	}
	select {
	case <-eng.Done():
		if ctx.Err() == nil {
			logger.Error("engine is down, rejecting all requests", "error", eng.Err())
		}
	case <-ctx.Done():
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, _, _, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	return cfg, nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Engine.Model, _ = flags.GetString("model")
		if expanded, err := config.ExpandPath(cfg.Engine.Model); err == nil {
			cfg.Engine.Model = expanded
		}
	}
	if flags.Changed("engine") {
		cfg.Engine.Binary, _ = flags.GetString("engine")
	}
	if flags.Changed("parallel") {
		cfg.Engine.Parallel, _ = flags.GetInt("parallel")
	}
	if flags.Changed("ctx-size") {
		cfg.Engine.CtxSize, _ = flags.GetInt("ctx-size")
	}
	if flags.Changed("gpu-layers") {
		cfg.Engine.GPULayers, _ = flags.GetInt("gpu-layers")
	}
	if flags.Changed("flash-attn") {
		cfg.Engine.FlashAttention, _ = flags.GetBool("flash-attn")
	}
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("max-tokens") {
		cfg.Server.DefaultMaxTokens, _ = flags.GetInt("max-tokens")
	}
}

func init() {
	def := config.Default()
	serveCmd.Flags().String("model", "", "path to the GGUF model (required unless set in config)")
	serveCmd.Flags().String("engine", def.Engine.Binary, "path or name of the batched engine binary")
	serveCmd.Flags().IntP("parallel", "n", def.Engine.Parallel, "maximum parallel sequences per request")
	serveCmd.Flags().Int("ctx-size", def.Engine.CtxSize, "context window size")
	serveCmd.Flags().Int("gpu-layers", def.Engine.GPULayers, "GPU layers to offload")
	serveCmd.Flags().Bool("flash-attn", def.Engine.FlashAttention, "enable flash attention")
	serveCmd.Flags().String("host", def.Server.Host, "bind address")
	serveCmd.Flags().Int("port", def.Server.Port, "listen port")
	serveCmd.Flags().Int("max-tokens", def.Server.DefaultMaxTokens, "max_tokens for requests that omit it")
	rootCmd.AddCommand(serveCmd)
}
