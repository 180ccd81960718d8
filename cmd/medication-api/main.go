// Package main provides the medication API service entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/api/handlers"
	"github.com/carewell/medcore/internal/api/middleware"
	"github.com/carewell/medcore/internal/config"
	"github.com/carewell/medcore/internal/domain/administration"
	"github.com/carewell/medcore/internal/domain/catalog"
	"github.com/carewell/medcore/internal/domain/interaction"
	"github.com/carewell/medcore/internal/domain/inventory"
	"github.com/carewell/medcore/internal/domain/prescription"
	"github.com/carewell/medcore/internal/domain/reconciliation"
	"github.com/carewell/medcore/internal/infrastructure/postgres"
	"github.com/carewell/medcore/internal/observability/metrics"
	"github.com/carewell/medcore/internal/observability/tracing"
	"github.com/carewell/medcore/internal/platform/db"
)

const serviceName = "medication-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	ctx := context.Background()

	// Tracing
	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSample
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Warn("tracing init failed, continuing without export", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

	// Database
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("parse database url", zap.Error(err))
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MinConns = cfg.DBMinConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New()
	runner := db.NewPoolRunner(pool)
	stager := postgres.NewStager(pool)

	// Domain wiring. The administration engine doubles as the prescription
	// ledger's due-record sink.
	catalogRepo := catalog.NewRepoPG(pool)
	catalogSvc := catalog.NewService(catalogRepo, logger)

	rxRepo := prescription.NewRepoPG(pool)
	adminRepo := administration.NewRepoPG(pool)
	store := inventory.NewStorePG(pool)

	ledger := inventory.NewLedger(store, catalogRepo, runner, stager, logger)
	screener := interaction.NewEngine(catalogRepo, rxRepo, logger)
	engine := administration.NewEngine(adminRepo, rxRepo, catalogRepo, ledger, screener, runner, stager, logger)
	rxSvc := prescription.NewService(rxRepo, catalogRepo, engine, runner, stager, logger)

	reconRepo := reconciliation.NewRepoPG(pool)
	reconSvc := reconciliation.NewService(reconRepo, rxRepo, runner, stager, logger)

	// Handlers
	catalogHandler := handlers.NewCatalogHandler(catalogSvc, logger)
	prescriptionHandler := handlers.NewPrescriptionHandler(rxSvc, m, logger)
	administrationHandler := handlers.NewAdministrationHandler(engine, m, logger)
	inventoryHandler := handlers.NewInventoryHandler(ledger, m, logger)
	reconciliationHandler := handlers.NewReconciliationHandler(reconSvc, logger)
	screeningHandler := handlers.NewScreeningHandler(screener, m, logger)

	// Router
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m.RequestDuration))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ActorIdentity)
		r.Mount("/medications", catalogHandler.Routes())
		r.Mount("/prescriptions", prescriptionHandler.Routes())
		r.Mount("/administrations", administrationHandler.Routes())
		r.Mount("/inventory", inventoryHandler.Routes())
		r.Mount("/reconciliations", reconciliationHandler.Routes())
		r.Mount("/screening", screeningHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

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

	logger.Info("starting medication API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *zap.Logger {
	if cfg.IsDev() {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"medication-api","version":"1.0.0"}`)
}
