// Package main provides the replenishment worker entry point.
// Runs the periodic catalog pass (analytics, forecasting, reordering,
// alert reconciliation), renewal scans, and consumes ledger events to
// keep forecasts fresh between passes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

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
	"github.com/medguard/stock-engine/internal/pharmacy"
	"github.com/medguard/stock-engine/internal/scheduler"
	"github.com/medguard/stock-engine/pkg/circuitbreaker"
	"github.com/medguard/stock-engine/pkg/idempotency"
)

// Config holds worker configuration.
type Config struct {
	DatabaseURL         string
	KafkaBrokers        []string
	OTLPEndpoint        string
	MetricsPort         string
	PharmacyURL         string
	PharmacyAPIKey      string
	ReplenishInterval   time.Duration
	RenewalScanInterval time.Duration
	PassWorkers         int
}

// engineStore is the persistence surface the worker wires.
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
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	tcfg := tracing.DefaultConfig("replenish-worker")
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
			logger.Fatal("database connection failed", zap.Error(err))
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

	// Event stream: reminder/alert dispatch out, ledger events in.
	var dispatcher notify.Dispatcher = notify.NewNopDispatcher()
	var producer *stream.Producer
	if len(cfg.KafkaBrokers) > 0 {
		admin, err := stream.NewAdmin(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.Fatal("stream admin creation failed", zap.Error(err))
		}
		if err := admin.EnsureTopics(ctx); err != nil {
			logger.Fatal("topic creation failed", zap.Error(err))
		}
		admin.Close()

		pcfg := stream.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		producer, err = stream.NewProducer(pcfg, m, logger)
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

	// Reordering goes out through the pharmacy gateway behind a breaker.
	var trigger *reorder.Trigger
	if cfg.PharmacyURL != "" {
		pharmacyCfg := pharmacy.DefaultConfig()
		pharmacyCfg.BaseURL = cfg.PharmacyURL
		pharmacyCfg.APIKey = cfg.PharmacyAPIKey
		client := pharmacy.NewClient(pharmacyCfg, logger)

		cbManager := circuitbreaker.NewManager(logger)
		breaker, err := cbManager.GetOrCreate("pharmacy-gateway", circuitbreaker.DefaultConfig("pharmacy-gateway"))
		if err != nil {
			logger.Fatal("circuit breaker creation failed", zap.Error(err))
		}

		trigger = reorder.NewTrigger(reorder.Deps{
			Store:    store,
			Client:   client,
			Breaker:  breaker,
			Recorder: ledgerSvc,
			Alerts:   evaluator,
			Metrics:  m,
			Logger:   logger,
		}, reorder.DefaultConfig())
		logger.Info("pharmacy gateway configured", zap.String("url", cfg.PharmacyURL))
	} else {
		logger.Warn("PHARMACY_URL not set, reordering disabled")
	}

	// Periodic jobs.
	passCfg := scheduler.DefaultPassConfig()
	passCfg.Workers = cfg.PassWorkers
	replenisher := scheduler.NewReplenisher(store, forecaster, trigger, evaluator, passCfg, m, logger)

	sched := scheduler.New(logger)
	if err := sched.Register(scheduler.ReplenishJob(replenisher, cfg.ReplenishInterval)); err != nil {
		logger.Fatal("job registration failed", zap.Error(err))
	}
	if err := sched.Register(scheduler.RenewalScanJob(renewalSvc, cfg.RenewalScanInterval, logger)); err != nil {
		logger.Fatal("job registration failed", zap.Error(err))
	}
	sched.Start(ctx)

	// Ledger events re-forecast the affected medication so staleness
	// between passes stays bounded.
	var consumer *stream.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		// The inbox keeps redelivered events from recomputing. Memory-store
		// runs skip it and rely on the refresh being idempotent.
		var inbox *idempotency.Inbox
		if pool != nil {
			inbox = idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
			inbox.StartCleanup()
			defer inbox.Stop()
		}

		refresh := func(ctx context.Context, tx ledger.Transaction) error {
			if _, err := forecaster.Refresh(ctx, tx.MedicationID, 0); err != nil {
				return fmt.Errorf("refresh forecast for %s: %w", tx.MedicationID, err)
			}
			return nil
		}

		ccfg := stream.DefaultConsumerConfig()
		ccfg.Brokers = cfg.KafkaBrokers
		ccfg.GroupID = "replenish-worker"
		ccfg.Topics = []string{stream.TopicStockTransactions}

		consumer, err = stream.NewConsumer(ccfg, func(ctx context.Context, msg *stream.ConsumedMessage) error {
			var tx ledger.Transaction
			if err := json.Unmarshal(msg.Value, &tx); err != nil {
				// Undecodable records would redeliver forever; drop them.
				logger.Error("dropping malformed ledger event", zap.Error(err))
				return nil
			}
			if inbox == nil {
				return refresh(ctx, tx)
			}
			key := idempotency.GenerateKey("forecast-refresh", tx.ID)
			_, err := inbox.Process(ctx, key, "forecast-refresh", msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
				return nil, refresh(ctx, tx)
			})
			switch {
			case errors.Is(err, idempotency.ErrDuplicateMessage):
				return nil
			case errors.Is(err, idempotency.ErrPermanentlyFailed):
				// Commit past it; redelivery cannot change the outcome.
				logger.Warn("skipping permanently failed ledger event",
					zap.String("transaction_id", tx.ID))
				return nil
			default:
				return err
			}
		}, m, logger)
		if err != nil {
			logger.Fatal("consumer creation failed", zap.Error(err))
		}
		consumer.Start()
	}

	// Metrics and liveness.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("replenishment worker started",
		zap.Duration("replenish_interval", cfg.ReplenishInterval),
		zap.Duration("renewal_scan_interval", cfg.RenewalScanInterval))

	// Wait for shutdown.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if consumer != nil {
		consumer.Stop()
	}
	sched.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	metricsServer.Shutdown(shutdownCtx)
	logger.Info("replenishment worker stopped")
}

func loadConfig() Config {
	var brokers []string
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = strings.Split(b, ",")
	}

	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "9090"
	}

	return Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		KafkaBrokers:        brokers,
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MetricsPort:         metricsPort,
		PharmacyURL:         os.Getenv("PHARMACY_URL"),
		PharmacyAPIKey:      os.Getenv("PHARMACY_API_KEY"),
		ReplenishInterval:   envDuration("REPLENISH_INTERVAL", time.Hour),
		RenewalScanInterval: envDuration("RENEWAL_SCAN_INTERVAL", 24*time.Hour),
		PassWorkers:         envInt("PASS_WORKERS", 8),
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
