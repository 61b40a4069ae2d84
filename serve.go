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

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"connectflow/pkg/apikey"
	"connectflow/pkg/config"
	"connectflow/pkg/db"
	"connectflow/pkg/realtime"
	"connectflow/pkg/step"
	"connectflow/services/nodes"
	"connectflow/services/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, realtime hub and run workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

// backend is the wiring shared by the commands that execute workflows.
type backend struct {
	pool   *pgxpool.Pool
	repo   *workflow.Repository
	engine *workflow.Engine
}

func newBackend(ctx context.Context, cfg *config.Config, pub realtime.Publisher) (*backend, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}

	pool, err := db.Connect(ctx, db.Config{
		URI:             cfg.DatabaseURL,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// Initialize database schema and seed data
	if err := workflow.InitDB(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	steps := step.NewPostgresStore(pool)
	if err := steps.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	repo := workflow.NewRepository(pool)
	registry, err := nodes.NewRegistry(nodes.Deps{Credentials: repo})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("build executor registry: %w", err)
	}

	engine := workflow.NewEngine(registry, workflow.EngineOptions{
		Workflows:  repo,
		Executions: repo,
		Steps:      steps,
		Publisher:  pub,
		Policy: step.Policy{
			MaxRetries: cfg.Step.MaxRetries,
			BaseDelay:  cfg.Step.BaseDelay,
			MaxDelay:   cfg.Step.MaxDelay,
			Timeout:    cfg.Step.Timeout,
			Jitter:     true,
		},
	})
	return &backend{pool: pool, repo: repo, engine: engine}, nil
}

func serve(ctx context.Context) error {
	if cfg.APISecretKey == "" {
		slog.Warn("API_SECRET_KEY is not set, API triggers are disabled")
	}

	hub := realtime.NewHub(cfg.CORSOrigins)
	b, err := newBackend(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer b.pool.Close()

	dispatcher := workflow.NewDispatcher(b.engine, b.repo, b.repo, cfg.Workers, cfg.QueueSize)
	dispatcher.Start(ctx)

	opts := workflow.ServiceOptions{
		Workflows:  b.repo,
		Executions: b.repo,
		Runs:       dispatcher,
		Status:     hub,
		Keys:       disabledKeys{},
	}
	if cfg.APISecretKey != "" {
		codec, err := apikey.NewCodec(cfg.APISecretKey)
		if err != nil {
			return err
		}
		opts.Keys = codec
	}

	// setup router
	mainRouter := mux.NewRouter()
	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	workflow.NewService(opts).LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.CORSOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(corsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.HTTPAddr, "workers", cfg.Workers)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		dispatcher.Stop()
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
		dispatcher.Stop()
		slog.Info("Server stopped")
	}
	return nil
}

// disabledKeys rejects every API trigger key.
type disabledKeys struct{}

func (disabledKeys) Decode(string) (apikey.Claims, error) {
	return apikey.Claims{}, apikey.ErrInvalidKey
}
