// Package main provides the dose scheduler service entry point. It sweeps
// active prescriptions on a cron schedule and materializes the SCHEDULED
// administration records due in the upcoming window, and reacts to
// prescription events so newly activated prescriptions get records without
// waiting for the next sweep.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/config"
	"github.com/carewell/medcore/internal/domain/administration"
	"github.com/carewell/medcore/internal/domain/catalog"
	"github.com/carewell/medcore/internal/domain/interaction"
	"github.com/carewell/medcore/internal/domain/inventory"
	"github.com/carewell/medcore/internal/domain/prescription"
	"github.com/carewell/medcore/internal/infrastructure/postgres"
	"github.com/carewell/medcore/internal/infrastructure/redpanda"
	"github.com/carewell/medcore/internal/observability/metrics"
	"github.com/carewell/medcore/internal/platform/db"
	"github.com/carewell/medcore/pkg/idempotency"
	"github.com/carewell/medcore/pkg/workerpool"
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

	m := metrics.New()
	runner := db.NewPoolRunner(pool)
	stager := postgres.NewStager(pool)

	catalogRepo := catalog.NewRepoPG(pool)
	rxRepo := prescription.NewRepoPG(pool)
	adminRepo := administration.NewRepoPG(pool)
	store := inventory.NewStorePG(pool)

	ledger := inventory.NewLedger(store, catalogRepo, runner, stager, logger)
	screener := interaction.NewEngine(catalogRepo, rxRepo, logger)
	engine := administration.NewEngine(adminRepo, rxRepo, catalogRepo, ledger, screener, runner, stager, logger)
	rxSvc := prescription.NewService(rxRepo, catalogRepo, engine, runner, stager, logger)

	// Inbox dedupes sweeps per (prescription, window) across restarts and
	// competing scheduler instances.
	inbox := idempotency.New(pool, idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	scheduler := &scheduler{
		rx:     rxSvc,
		repo:   rxRepo,
		inbox:  inbox,
		window: cfg.SweepWindow,
		m:      m,
		logger: logger,
	}

	poolCfg := workerpool.DefaultConfig()
	workers, err := workerpool.New(poolCfg, scheduler.processTask, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workers.Start()
	defer workers.Stop()
	scheduler.workers = workers

	// Cron sweep over every active prescription.
	c := cron.New()
	if _, err := c.AddFunc(cfg.SweepCron, func() { scheduler.sweep(ctx) }); err != nil {
		logger.Fatal("invalid sweep cron expression",
			zap.String("cron", cfg.SweepCron), zap.Error(err))
	}
	c.Start()
	defer c.Stop()

	// React to prescription lifecycle events so activation does not wait for
	// the next cron tick.
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Topics = []string{redpanda.TopicPrescriptionEvents}

	consumer, err := redpanda.NewConsumer(consumerCfg, scheduler.handleEvent, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	// One sweep at startup covers anything that became due while down.
	go scheduler.sweep(ctx)

	logger.Info("dose scheduler started",
		zap.String("cron", cfg.SweepCron),
		zap.Duration("window", cfg.SweepWindow))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	logger.Info("dose scheduler stopped")
}

type scheduler struct {
	rx      *prescription.Service
	repo    prescription.Repository
	inbox   *idempotency.Inbox
	workers *workerpool.Pool
	window  time.Duration
	m       *metrics.Metrics
	logger  *zap.Logger
}

type sweepTask struct {
	PrescriptionID string    `json:"prescription_id"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
}

// sweep fans every active prescription out to the worker pool.
func (s *scheduler) sweep(ctx context.Context) {
	now := time.Now().UTC().Truncate(time.Minute)
	active, err := s.repo.ListActive(ctx, now)
	if err != nil {
		s.logger.Error("list active prescriptions", zap.Error(err))
		return
	}

	submitted := 0
	for _, p := range active {
		task := sweepTask{
			PrescriptionID: p.ID.String(),
			WindowStart:    now,
			WindowEnd:      now.Add(s.window),
		}
		payload, _ := json.Marshal(task)
		if err := s.workers.Submit(&workerpool.Task{
			ID:      task.PrescriptionID,
			Payload: payload,
			Context: ctx,
		}); err != nil {
			s.logger.Warn("sweep task dropped, queue full",
				zap.String("prescription_id", task.PrescriptionID))
			continue
		}
		submitted++
	}
	s.logger.Info("sweep submitted",
		zap.Int("prescriptions", submitted),
		zap.Time("window_start", now),
		zap.Time("window_end", now.Add(s.window)))
}

// processTask runs one prescription's window sweep through the inbox so a
// retried or replayed task cannot double-generate.
func (s *scheduler) processTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	payload, ok := task.Payload.([]byte)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Success: false,
			Error: fmt.Errorf("unexpected payload type %T", task.Payload)}
	}
	var st sweepTask
	if err := json.Unmarshal(payload, &st); err != nil {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}

	key := idempotency.GenerateKey(st.PrescriptionID, st.WindowStart, st.WindowEnd)
	_, err := s.inbox.Process(ctx, key, "generate-due-records", payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			id, err := uuid.Parse(st.PrescriptionID)
			if err != nil {
				return nil, err
			}
			n, err := s.rx.GenerateDueRecords(ctx, id, st.WindowStart, st.WindowEnd)
			if err != nil {
				return nil, err
			}
			if s.m != nil {
				s.m.DosesScheduled.Add(float64(n))
			}
			return json.Marshal(map[string]int{"due": n})
		})
	if err != nil {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true}
}

// prescriptionEvent is the envelope shape staged by the prescription ledger.
type prescriptionEvent struct {
	PrescriptionID string `json:"prescription_id"`
	EventType      string `json:"event_type"`
}

// handleEvent sweeps a single prescription as soon as it becomes active or
// resumes, and relies on its CANCELLED cascade for discontinues.
func (s *scheduler) handleEvent(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var event prescriptionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		s.logger.Warn("unparseable prescription event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset))
		return nil // poisoned message, do not redeliver
	}

	switch event.EventType {
	case string(prescription.EventActivated), string(prescription.EventResumed), string(prescription.EventUpdated):
	default:
		return nil
	}

	now := time.Now().UTC().Truncate(time.Minute)
	task := sweepTask{
		PrescriptionID: event.PrescriptionID,
		WindowStart:    now,
		WindowEnd:      now.Add(s.window),
	}
	payload, _ := json.Marshal(task)
	return s.workers.Submit(&workerpool.Task{
		ID:      task.PrescriptionID,
		Payload: payload,
		Context: ctx,
	})
}
