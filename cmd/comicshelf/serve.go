package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"comicshelf/internal/api"
	"comicshelf/internal/catalog"
	"comicshelf/internal/config"
	"comicshelf/internal/download"
	"comicshelf/internal/logging"
	"comicshelf/internal/metrics"
	"comicshelf/internal/service"
	"comicshelf/internal/task"
)

const shutdownGrace = 15 * time.Second

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mirror API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	store, err := catalog.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("store close failed", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broadcaster := task.NewBroadcaster(0, logger)
	defer broadcaster.Close()
	tasks := task.NewManager(store, broadcaster, logger)

	// Anything in flight when the last process died is unrecoverable; fail
	// it before the API starts accepting work.
	swept, err := tasks.SweepInterrupted(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		logger.Warn("swept interrupted tasks", zap.Int("count", swept))
	}

	services := service.New(cfg, store, tasks, logger)
	queue := download.NewQueue(store, tasks, logger)
	executor := download.NewExecutor(store, tasks, task.NewFlight(), services.DownloadSessionFactory(), logger)

	// Work queued before the restart resumes without an operator nudge.
	executor.Kick(context.Background())

	server := api.NewServer(store, tasks, services, queue, executor, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Server.Port))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
