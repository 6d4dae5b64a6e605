package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/supertts/internal/app"
	"github.com/nikhilbhutani/supertts/internal/config"
	"github.com/nikhilbhutani/supertts/internal/queue"
	"github.com/nikhilbhutani/supertts/internal/queue/workers"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "supertts-worker",
	Short:        "Render queued speech batches to WAV files",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "config file")
	config.RegisterFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required to run the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Error("engine pool shutdown", "error", err)
		}
	}()
	if err := a.WatchStyles(ctx); err != nil {
		logger.Warn("voice style watching disabled", "dir", cfg.TTS.VoiceStylesDir, "error", err)
	}

	registry := queue.NewHandlersRegistry()
	speechWorker := workers.NewSpeechWorker(a.Speech, cfg.Queue.OutputDir, a.Metrics, logger)
	registry.HandleFunc(queue.TypeSpeechBatch, speechWorker.ProcessTask)

	srv := queue.NewServer(cfg, logger)
	if err := srv.Start(registry.Mux()); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	logger.Info("starting worker",
		"concurrency", cfg.Queue.Concurrency,
		"pool_size", cfg.TTS.EnginePoolSize,
		"output_dir", cfg.Queue.OutputDir,
	)

	<-ctx.Done()
	logger.Info("shutting down worker...")
	srv.Shutdown()
	return nil
}
