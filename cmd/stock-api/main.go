// Package main provides the stock engine API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/api/handlers"
	"github.com/medguard/stock-engine/internal/api/middleware"
	"github.com/medguard/stock-engine/internal/domain/alert"
	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/forecast"
	"github.com/medguard/stock-engine/internal/domain/ledger"
	"github.com/medguard/stock-engine/internal/domain/renewal"
	"github.com/medguard/stock-engine/internal/domain/reorder"
	"github.com/medguard/stock-engine/internal/domain/usage"
	"github.com/medguard/stock-engine/internal/infrastructure/memory"
	"github.com/medguard/stock-engine/internal/infrastructure/postgres"
	"github.com/medguard/stock-engine/internal/infrastructure/stream"
	"github.com/medguard/stock-engine/internal/notify"
	"github.com/medguard/stock-engine/internal/observability/metrics"
	"github.com/medguard/stock-engine/internal/observability/tracing"
)

// Config holds application configuration
type Config struct {
	Port         string
	DatabaseURL  string
	KafkaBrokers []string
	OTLPEndpoint string
	APIKeys      map[string]string
}

// engineStore is the persistence surface the API service wires. Both
// the postgres and the in-memory store satisfy it.
type engineStore interface {
	ledger.Store
	catalog.Store
	catalog.Writer
	renewal.Store
	alert.Store
	forecast.Store
	reorder.Store
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := loadConfig()
	ctx := context.Background()

	m := metrics.New()

	tcfg := tracing.DefaultConfig("stock-api")
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	// Store: postgres when configured, in-memory for development.
	var store engineStore
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		logger.Info("connected to database")
		store = postgres.NewStore(pool, logger)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		store = memory.New()
	}

	// Notifications go to the event stream when brokers are configured.
	var dispatcher notify.Dispatcher = notify.NewNopDispatcher()
	if len(cfg.KafkaBrokers) > 0 {
		pcfg := stream.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		producer, err := stream.NewProducer(pcfg, m, logger)
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer producer.Close()
		dispatcher = notify.NewStreamDispatcher(producer, logger)
		logger.Info("connected to event stream", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	// Domain services.
	analyzer := usage.New(store, usage.DefaultConfig(), logger)
	forecaster := forecast.New(analyzer, store, store, forecast.DefaultConfig(), m, logger)
	evaluator := alert.NewEvaluator(alert.Deps{
		Store:      store,
		Catalog:    store,
		Forecasts:  store,
		Usage:      analyzer,
		Renewals:   store,
		Dispatcher: dispatcher,
		Metrics:    m,
		Logger:     logger,
	}, alert.DefaultConfig())
	ledgerSvc := ledger.NewService(store, store, ledger.EvaluatorFunc(func(ctx context.Context, medicationID string) error {
		_, err := evaluator.EvaluateRules(ctx, medicationID)
		return err
	}), m, logger)
	renewalSvc := renewal.NewService(store, dispatcher, renewal.DefaultConfig(), m, logger)

	// Handlers.
	medHandler := handlers.NewMedicationHandler(handlers.MedicationDeps{
		Catalog:    store,
		Writer:     store,
		Ledger:     ledgerSvc,
		Analyzer:   analyzer,
		Forecaster: forecaster,
		Forecasts:  store,
		Reorders:   store,
		Logger:     logger,
	})
	renewalHandler := handlers.NewRenewalHandler(renewalSvc, store, logger)
	alertHandler := handlers.NewAlertHandler(evaluator, store, logger)

	// Router.
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("stock-api"))

	// Health and metrics (no auth).
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes (with auth).
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/medications", medHandler.Routes())
		r.Mount("/renewals", renewalHandler.Routes())
		r.Mount("/alerts", alertHandler.Routes())
		r.Mount("/alert-rules", alertHandler.RuleRoutes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting stock API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func loadConfig() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	var brokers []string
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = strings.Split(b, ",")
	}

	apiKeys := map[string]string{}
	if key := os.Getenv("API_KEY"); key != "" {
		apiKeys[key] = "env-client"
	}
	if len(apiKeys) == 0 {
		// Development key; deployments set API_KEY.
		apiKeys["dev-api-key"] = "dev-client"
	}

	return Config{
		Port:         port,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		KafkaBrokers: brokers,
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		APIKeys:      apiKeys,
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"stock-api","version":"1.0.0"}`)
}
