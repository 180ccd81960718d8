// Package main provides the outbox relay service entry point: it drains
// staged domain events to the broker, moving poisoned entries to the
// dead-letter topic.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/config"
	"github.com/carewell/medcore/internal/infrastructure/postgres"
	"github.com/carewell/medcore/internal/infrastructure/redpanda"
	"github.com/carewell/medcore/internal/observability/metrics"
	"github.com/carewell/medcore/pkg/circuitbreaker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	if cfg.IsDev() {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	// Make sure the domain topics exist before publishing into them.
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("topic creation failed, continuing", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to broker", zap.Strings("brokers", cfg.KafkaBrokers))

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("broker-publish"), logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	m := metrics.New()

	relayCfg := postgres.RelayConfig{
		BatchSize:    cfg.OutboxBatchSize,
		PollInterval: cfg.OutboxPollInterval,
		MaxRetries:   cfg.OutboxMaxRetries,
	}
	relay := postgres.NewRelay(pool, &guardedPublisher{producer: producer, breaker: breaker}, relayCfg, logger)
	relay.Start()

	// Background housekeeping: dead-letter sweep, cleanup, stats gauge.
	housekeepingCtx, stopHousekeeping := context.WithCancel(ctx)
	go housekeeping(housekeepingCtx, relay, breaker, m, logger)

	// Admin endpoint: relay stats and Prometheus metrics.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := relay.GetStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("admin server error", zap.Error(err))
		}
	}()

	logger.Info("outbox relay started",
		zap.Int("batch_size", relayCfg.BatchSize),
		zap.Duration("poll_interval", relayCfg.PollInterval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopHousekeeping()
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}

// guardedPublisher wraps broker publishes in a circuit breaker so a broker
// outage backs the relay off instead of burning retry counts.
type guardedPublisher struct {
	producer *redpanda.Producer
	breaker  *circuitbreaker.CircuitBreaker
}

func (g *guardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	_, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, g.producer.Publish(ctx, topic, key, value)
	})
	return err
}

func housekeeping(ctx context.Context, relay *postgres.Relay, breaker *circuitbreaker.CircuitBreaker,
	m *metrics.Metrics, logger *zap.Logger) {

	deadLetter := time.NewTicker(time.Minute)
	cleanup := time.NewTicker(time.Hour)
	stats := time.NewTicker(15 * time.Second)
	defer deadLetter.Stop()
	defer cleanup.Stop()
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadLetter.C:
			if n, err := relay.MoveToDeadLetter(ctx); err != nil {
				logger.Error("dead letter sweep", zap.Error(err))
			} else if n > 0 {
				logger.Warn("entries moved to dead letter", zap.Int64("count", n))
			}
		case <-cleanup.C:
			if n, err := relay.CleanupProcessed(ctx, 7*24*time.Hour); err != nil {
				logger.Error("outbox cleanup", zap.Error(err))
			} else if n > 0 {
				logger.Info("processed entries cleaned up", zap.Int64("count", n))
			}
		case <-stats.C:
			if s, err := relay.GetStats(ctx); err == nil {
				m.OutboxPending.Set(float64(s.Pending))
			}
			m.CircuitBreakerState.WithLabelValues("broker-publish").Set(breakerStateValue(breaker.GetState()))
		}
	}
}

func breakerStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
