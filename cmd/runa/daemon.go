package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runa-bot/runa/internal/audit"
	"github.com/runa-bot/runa/internal/auth"
	"github.com/runa-bot/runa/internal/config"
	"github.com/runa-bot/runa/internal/conversation"
	"github.com/runa-bot/runa/internal/executor"
	"github.com/runa-bot/runa/internal/llm"
	"github.com/runa-bot/runa/internal/registry"
	"github.com/runa-bot/runa/internal/server"
	"github.com/runa-bot/runa/internal/store"
)

var (
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Runa daemon (runad)",
	Long:  `Starts the Runa daemon which provides the HTTP API for chat, sessions, and background tasks.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logCfg := zap.NewProductionConfig()
	logCfg.OutputPaths = []string{"stderr"}
	logger, err := logCfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.LoadFromHome()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	// Initialize components
	reg := registry.New(s)
	exec := executor.New(s, cfg.ExecutorConfig(), logger)
	recorder := audit.NewRecorder(s)
	allowlist := auth.NewAllowlist(cfg.AllowedUsers)

	var responder conversation.Responder
	if r, err := llm.New(cmd.Context(), cfg.LLM); err == nil {
		responder = r
	} else {
		logger.Warn("LLM responder unavailable, chat replies will be a setup hint", zap.Error(err))
		responder = fallbackResponder{}
	}

	controller := conversation.New(s, reg, exec, responder, logger)

	// Create service and server
	service := server.NewService(s, reg, exec, controller, allowlist, recorder, logger)
	srv := server.NewServer(service, cfg.Listen, logger)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		err := srv.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			exec.Stop()
			s.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	logger.Info("stopping executor")
	exec.Stop()

	if err := s.Close(); err != nil {
		logger.Warn("database close error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
