// Package internal provides the main application initialization and runtime logic.
package internal

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/Arke-Institute/arke-organizer-service/internal/api"
	"github.com/Arke-Institute/arke-organizer-service/internal/arke"
	"github.com/Arke-Institute/arke-organizer-service/internal/batch"
	"github.com/Arke-Institute/arke-organizer-service/internal/events"
	"github.com/Arke-Institute/arke-organizer-service/internal/fetch"
	"github.com/Arke-Institute/arke-organizer-service/internal/llm"
	"github.com/Arke-Institute/arke-organizer-service/internal/mcpserver"
	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
	"github.com/Arke-Institute/arke-organizer-service/internal/organizer"
	"github.com/Arke-Institute/arke-organizer-service/internal/prompt"
	"github.com/Arke-Institute/arke-organizer-service/internal/publish"
	"github.com/Arke-Institute/arke-organizer-service/internal/stats"
)

// components is everything built from configuration, shared by the HTTP
// service and the MCP entry point.
type components struct {
	store     *batch.Store
	fetcher   *fetch.Fetcher
	organizer *organizer.Service
	manager   *batch.Manager
	broker    *events.Broker
	usage     *stats.Collector
}

func buildComponents(cfg *Config, broker *events.Broker) (*components, error) {
	store, err := batch.OpenStore(cfg.Batch.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("init batch store: %w", err)
	}

	arkeClient := arke.NewClient(cfg.Arke.BaseURL, cfg.Arke.Token, cfg.Arke.Timeout())
	fetcher := fetch.NewFetcher(arkeClient)

	completionBudget := int(float64(cfg.LLM.MaxTokens) * (1 - cfg.LLM.TokenBudgetPercentage))
	llmClient := llm.NewClient(llm.Config{
		BaseURL:             cfg.LLM.BaseURL,
		APIKey:              cfg.LLM.APIKey,
		Model:               cfg.LLM.Model,
		MaxCompletionTokens: completionBudget,
		InputPricePerM:      cfg.LLM.InputPricePerM,
		OutputPricePerM:     cfg.LLM.OutputPricePerM,
		Timeout:             cfg.LLM.Timeout(),
	}, "file_organization", llm.GenerateSchema[organize.Response]())

	organizeSvc := organizer.NewService(llmClient, organizer.Config{
		Prompt: prompt.Config{
			MaxInputTokens:   cfg.LLM.MaxTokens,
			BudgetPercentage: cfg.LLM.TokenBudgetPercentage,
		},
		Temperature: cfg.LLM.Temperature,
		MaxAttempts: cfg.LLM.MaxAttempts,
	})

	publisher := publish.NewPublisher(arkeClient, publish.Config{})
	notifier := batch.NewHTTPNotifier(cfg.Orchestrator.CallbackBaseURL, cfg.Orchestrator.Timeout())

	usage := stats.NewCollector()
	var sink batch.EventSink
	if broker != nil {
		sink = broker
	}
	manager := batch.NewManager(store, fetcher, organizeSvc, publisher, notifier, sink, usage, batch.Config{
		MaxRetriesPerItem:  cfg.Batch.MaxRetriesPerItem,
		MaxCallbackRetries: cfg.Batch.MaxCallbackRetries,
		AlarmInterval:      cfg.Batch.AlarmInterval(),
		MinFiles:           cfg.Batch.MinFiles,
	})

	return &components{
		store:     store,
		fetcher:   fetcher,
		organizer: organizeSvc,
		manager:   manager,
		broker:    broker,
		usage:     usage,
	}, nil
}

// Run starts the HTTP service with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("llm_model", cfg.LLM.Model),
		slog.String("arke_base_url", cfg.Arke.BaseURL),
		slog.String("sqlite_path", cfg.Batch.SQLitePath),
		slog.String("log_level", cfg.App.LogLevel.String()))

	broker := events.NewBroker()
	c, err := buildComponents(cfg, broker)
	if err != nil {
		return err
	}
	defer c.store.Close()
	defer broker.Close()

	var limiter *api.RateLimiter
	if cfg.App.HTTP.RateLimitRPS > 0 {
		limiter = api.NewRateLimiter(cfg.App.HTTP.RateLimitRPS, cfg.App.HTTP.RateLimitBurst)
	}
	apiRouter := api.NewRouter(c.organizer, c.manager, c.usage, cfg.Auth.AuthEnabled(), cfg.Auth.Token, limiter, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Batch manager: resumes persisted batches, accepts new submissions.
	g.Go(func() error {
		return c.manager.Run(gCtx)
	})

	// HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP starts the MCP stdio server with the given options.
func RunMCP(_ context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	// Logs go to stderr: stdout is the MCP transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	c, err := buildComponents(cfg, nil)
	if err != nil {
		return err
	}
	defer c.store.Close()

	srv := mcpserver.New(c.fetcher, c.organizer, c.manager)
	logger.Info("Starting MCP server on stdio")
	return srv.ServeStdio()
}
