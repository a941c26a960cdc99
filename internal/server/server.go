// Package server wires the gateway components together behind one
// http.Server with graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitsmaxft/cc-proxy/internal/config"
	"github.com/hitsmaxft/cc-proxy/internal/handlers"
	"github.com/hitsmaxft/cc-proxy/internal/history"
	"github.com/hitsmaxft/cc-proxy/internal/middleware"
	"github.com/hitsmaxft/cc-proxy/internal/router"
	"github.com/hitsmaxft/cc-proxy/internal/transform"
	"github.com/hitsmaxft/cc-proxy/internal/upstream"
)

type Server struct {
	config   *config.Manager
	registry *transform.Registry
	store    history.Store
	logger   *slog.Logger
	server   *http.Server

	// Bypass, when set, is consulted before conversion and dispatch.
	Bypass handlers.Bypass
}

func New(configManager *config.Manager, logger *slog.Logger) (*Server, error) {
	registry := transform.NewRegistry(logger)
	if err := transform.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("register transformers: %w", err)
	}

	cfg := configManager.Get()

	var store history.Store = history.NopStore{}
	if cfg.DBFile != "" {
		sqlite, err := history.NewSQLiteStore(cfg.DBFile, logger)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		store = sqlite
	}

	return &Server{
		config:   configManager,
		registry: registry,
		store:    store,
		logger:   logger,
	}, nil
}

// Start runs the server until SIGINT/SIGTERM, then shuts down
// gracefully. Config hot reload runs for the same lifetime.
func (s *Server) Start() error {
	cfg := s.config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	mux := s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Starting server", "address", addr, "providers", len(cfg.Providers))

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		// Snapshots refresh in place; no handler rewiring needed.
		_ = s.config.Watch(watchCtx, s.logger, nil)
	}()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing history store", "error", err)
	}

	s.logger.Info("Server exited")
	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	timeout := time.Duration(cfg.RequestTimeout) * time.Second

	messagesHandler := handlers.NewMessagesHandler(handlers.MessagesHandlerOptions{
		Config:   s.config,
		Router:   router.New(s.config, s.logger),
		Registry: s.registry,
		Foreign:  upstream.NewOpenAIClient(timeout, s.logger),
		Native:   upstream.NewAnthropicClient(timeout, s.logger),
		Cancels:  upstream.NewCancelRegistry(),
		Store:    s.store,
		Bypass:   s.Bypass,
		Logger:   s.logger,
	})
	countTokensHandler := handlers.NewCountTokensHandler(s.logger)
	historyHandler := handlers.NewHistoryHandler(s.store, s.logger)
	healthHandler := handlers.NewHealthHandler(s.logger)

	middlewareSet := middleware.NewSet(s.config, s.logger)
	defaultChain := middlewareSet.DefaultChain()

	mux.Handle("/health", middlewareSet.HealthChain().Handler(healthHandler))
	mux.Handle("/v1/messages", defaultChain.Handler(messagesHandler))
	mux.Handle("/v1/messages/count_tokens", defaultChain.Handler(countTokensHandler))
	mux.Handle("/api/history", defaultChain.Handler(http.HandlerFunc(historyHandler.Recent)))
	mux.Handle("/api/history/{id}", defaultChain.Handler(http.HandlerFunc(historyHandler.Detail)))
	mux.Handle("/api/summary", defaultChain.Handler(http.HandlerFunc(historyHandler.Summary)))

	return mux
}
