package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spacetiles/server/internal/api"
	"github.com/spacetiles/server/internal/session"
	"github.com/spacetiles/server/internal/viewport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP tile and viewport server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Info("starting spacetiles server", zap.Int("port", cfg.Server.Port))

	st, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	logger.Info("pyramids configured",
		zap.Strings("pyramids", st.registry.Names()),
		zap.String("default", st.registry.DefaultName()))

	// Load metadata eagerly so failures surface in the startup log; the
	// pyramid keeps answering 503 until reloaded.
	for _, name := range st.registry.Names() {
		if _, err := st.registry.Get(name).Descriptor(cmd.Context()); err != nil {
			logger.Warn("pyramid unavailable", zap.String("pyramid", name), zap.Error(err))
		}
	}

	sessions := session.NewManager(session.ManagerConfig{
		MaxSessions: cfg.Sessions.MaxSessions,
		IdleTimeout: cfg.IdleTimeout(),
		Logger:      logger,
	})
	sessions.Start()
	defer sessions.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    st.registry,
		Sessions:    sessions,
		Cache:       st.cache,
		CORSOrigins: cfg.Server.CORSOrigins,
		DefaultViewport: viewport.Size{
			Width:  float64(cfg.Sessions.DefaultWidth),
			Height: float64(cfg.Sessions.DefaultHeight),
		},
		Logger: logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// Websocket streams outlive any write timeout; frames set their own deadlines.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", "http://localhost"+server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	}

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}
