package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/synthmatch/internal/config"
	apperrors "github.com/copyleftdev/synthmatch/internal/errors"
	"github.com/copyleftdev/synthmatch/internal/logging"
	"github.com/copyleftdev/synthmatch/internal/metrics"
	"github.com/copyleftdev/synthmatch/internal/server"
	"github.com/copyleftdev/synthmatch/internal/storage"
	"github.com/copyleftdev/synthmatch/internal/synth"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize base logger
	logger, logCloser, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	serviceLogger := logger.WithFields(map[string]interface{}{
		"service": "synthmatch",
		"env":     cfg.Environment,
	})
	engineLogger := logging.NewZapLogger(serviceLogger)

	ctx := context.Background()

	// Result store
	store, err := storage.NewStore(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		serviceLogger.Fatal("Invalid store configuration", map[string]interface{}{"error": err.Error()})
	}
	if err := store.Init(ctx); err != nil {
		serviceLogger.Fatal("Failed to initialize store", map[string]interface{}{
			"type":  cfg.Database.Type,
			"error": err.Error(),
		})
	}

	factory, err := cfg.SynthFactory(synth.WithLogger(engineLogger))
	if err != nil {
		serviceLogger.Fatal("Invalid synthesizer configuration", map[string]interface{}{"error": err.Error()})
	}

	srv, err := server.NewServer(cfg, serviceLogger, factory,
		server.WithStore(store),
		server.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
		server.WithZapLogger(engineLogger))
	if err != nil {
		serviceLogger.Fatal("Failed to create server", map[string]interface{}{"error": err.Error()})
	}

	// Create router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(serviceLogger, "/healthz", "/metrics"))
	r.Use(apperrors.RecoveryMiddleware(serviceLogger))
	r.Use(apperrors.ErrorHandler(serviceLogger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	srv.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		serviceLogger.Info("Starting server", map[string]interface{}{
			"address":   httpServer.Addr,
			"estimator": cfg.Search.Estimator,
			"engine":    cfg.Synth.Engine,
			"store":     cfg.Database.Type,
		})

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serviceLogger.Fatal("Failed to start server", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	serviceLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serviceLogger.Error("Server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	// Close blocks until running searches finish.
	closed := make(chan error, 1)
	go func() { closed <- srv.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			serviceLogger.Error("error closing server resources", map[string]interface{}{"error": err.Error()})
		}
	case <-time.After(cfg.HTTP.ShutdownTimeout):
		serviceLogger.Warn("Timed out waiting for running matches")
	}

	if err := store.Close(); err != nil {
		serviceLogger.Error("error closing store", map[string]interface{}{"error": err.Error()})
	}
	serviceLogger.Info("server exited properly")
}
