package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/supertts/internal/api"
	"github.com/nikhilbhutani/supertts/internal/app"
	"github.com/nikhilbhutani/supertts/internal/cache"
	"github.com/nikhilbhutani/supertts/internal/config"
	"github.com/nikhilbhutani/supertts/internal/queue"
)

// Version is set at build time.
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:          "supertts-api",
	Short:        "OpenAI-compatible text-to-speech server",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "config file")
	config.RegisterFlags(rootCmd.Flags())
	rootCmd.Version = Version
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	if err := a.WatchStyles(ctx); err != nil {
		logger.Warn("voice style watching disabled", "dir", cfg.TTS.VoiceStylesDir, "error", err)
	}

	deps := api.Deps{
		Config:   cfg,
		Logger:   logger,
		Pool:     a.Pool,
		Speech:   a.Speech,
		Metrics:  a.Metrics,
		Gatherer: a.Registry,
		Version:  Version,
	}
	if a.Redis != nil {
		deps.Redis = cache.NewAudioCache(a.Redis, cfg.AudioCache.TTL)
	}
	if cfg.Queue.Enabled {
		qc := queue.NewClient(cfg.Redis)
		defer qc.Close()
		deps.Batch = qc
	}

	router := api.NewRouter(deps)
	defer router.Close()

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "addr", cfg.Addr(), "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.Close(context.Background())
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("engine pool shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}
