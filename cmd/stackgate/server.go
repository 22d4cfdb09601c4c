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

	"github.com/opsforge/stackgate/internal/core/policy"
	"github.com/opsforge/stackgate/internal/engine"
	"github.com/opsforge/stackgate/internal/shell/api"
	"github.com/opsforge/stackgate/internal/shell/audit"
	"github.com/opsforge/stackgate/internal/shell/bus"
	"github.com/opsforge/stackgate/internal/shell/fetch"
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitAuditError      = 2
	ExitBusError        = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the stackgate application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	transport  *bus.EngineTransport
	recorder   audit.Recorder
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Open the dispatch audit log
	var recorder audit.Recorder = audit.Noop{}
	if cfg.Audit.Enabled {
		rec, err := audit.NewSQLiteRecorder(cfg.Audit.DSN)
		if err != nil {
			return nil, &ServerError{
				Op:       "NewServer",
				Err:      err,
				ExitCode: ExitAuditError,
			}
		}
		recorder = rec
		logger.Info("dispatch audit log enabled", "dsn", cfg.Audit.DSN)
	}

	// Connect to the engine bus
	transport, err := bus.Dial(bus.Config{
		URL:     cfg.Engine.URL,
		Subject: cfg.Engine.Subject,
		Timeout: cfg.Engine.Timeout,
	}, logger)
	if err != nil {
		recorder.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitBusError,
		}
	}

	// Load the policy rules
	enforcer, err := loadEnforcer(cfg.Auth.PolicyFile)
	if err != nil {
		recorder.Close()
		transport.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	fetcher := fetch.New(fetch.Config{
		Timeout:  cfg.Fetch.Timeout,
		MaxBytes: cfg.Fetch.MaxBytes,
	}, logger)

	handler := api.NewHandler(
		engine.NewClient(transport),
		fetcher,
		enforcer,
		recorder,
		api.NewMetrics(prometheus.DefaultRegisterer),
		logger,
		api.Config{
			BaseURL: cfg.API.BaseURL,
			Debug:   cfg.API.Debug,
		},
	)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		transport:  transport,
		recorder:   recorder,
		logger:     logger,
	}, nil
}

// loadEnforcer builds the policy enforcer from the rules file, defaulting to
// allow-all when no file is configured.
func loadEnforcer(path string) (policy.Enforcer, error) {
	if path == "" {
		return policy.AllowAll{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	rules, err := policy.ParseRules(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return rules, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.transport.Close()

	if err := s.recorder.Close(); err != nil {
		s.logger.Error("audit log close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
