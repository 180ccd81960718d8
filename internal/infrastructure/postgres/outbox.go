// Package postgres provides the transactional outbox used for reliable
// domain-event publication: events are staged in the same transaction as
// the state change and relayed to the broker by a separate poller.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/platform/db"
)

// DeadLetterTopic receives entries that exhausted their retries.
const DeadLetterTopic = "dead.letter"

// advisory lock key for the relay; one relay instance drains at a time
const relayLockID = int64(420188001)

// Entry is one staged domain event.
type Entry struct {
	ID          int64
	EventType   string
	Topic       string
	Key         string
	Payload     json.RawMessage
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// Stager writes outbox entries. It satisfies the EventStager interfaces of
// the domain packages; Stage must run inside the caller's transaction,
// which it picks up from the context.
type Stager struct {
	pool *pgxpool.Pool
}

// NewStager creates an outbox stager over the given pool.
func NewStager(pool *pgxpool.Pool) *Stager {
	return &Stager{pool: pool}
}

// Stage inserts one entry. When the context carries a transaction the
// insert joins it, so the event is staged atomically with the domain write.
func (s *Stager) Stage(ctx context.Context, topic, key, eventType string, payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	var conn db.Queryable = s.pool
	if tx := db.TxFromContext(ctx); tx != nil {
		conn = tx
	}
	_, err = conn.Exec(ctx, `
		INSERT INTO outbox (event_type, topic, key, payload)
		VALUES ($1, $2, $3, $4)`,
		eventType, topic, key, encoded)
	if err != nil {
		return fmt.Errorf("stage outbox entry: %w", err)
	}
	return nil
}

// Publisher delivers a staged entry to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RelayConfig holds the relay loop tunables.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries before an entry moves to the dead-letter topic.
	MaxRetries int
}

// DefaultRelayConfig returns the defaults used by the relay binary.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		MaxRetries:   5,
	}
}

// Relay polls the outbox and publishes entries in creation order.
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates an outbox relay.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins the polling loop.
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop drains the loop and returns once it has exited.
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.drainBatch()
		}
	}
}

func (r *Relay) drainBatch() {
	ctx, span := r.tracer.Start(r.ctx, "outbox_drain_batch")
	defer span.End()

	var acquired bool
	err := r.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired)
	if err != nil || !acquired {
		return
	}
	defer r.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", relayLockID)

	entries, err := r.fetchPending(ctx)
	if err != nil {
		r.logger.Error("fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := r.publish(ctx, entry); err != nil {
			r.logger.Error("publish outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}
}

func (r *Relay) fetchPending(ctx context.Context) ([]*Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_type, topic, key, payload, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(&entry.ID, &entry.EventType, &entry.Topic, &entry.Key,
			&entry.Payload, &entry.CreatedAt, &entry.RetryCount, &entry.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *Relay) publish(ctx context.Context, entry *Entry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_publish",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("topic", entry.Topic),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		errStr := err.Error()
		if _, updateErr := r.pool.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1
			WHERE id = $2`, errStr, entry.ID); updateErr != nil {
			r.logger.Error("update outbox retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := r.pool.Exec(ctx,
		"UPDATE outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}

	r.logger.Debug("outbox entry published",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))
	return nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead-letter topic and marks them processed.
func (r *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_type, topic, key, payload, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED`,
		r.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(&entry.ID, &entry.EventType, &entry.Topic, &entry.Key,
			&entry.Payload, &entry.CreatedAt, &entry.RetryCount, &entry.LastError); err != nil {
			continue
		}

		dlPayload, _ := json.Marshal(map[string]interface{}{
			"original_topic": entry.Topic,
			"event_type":     entry.EventType,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})
		if err := r.publisher.Publish(ctx, DeadLetterTopic, entry.Key, dlPayload); err != nil {
			r.logger.Error("publish to dead letter", zap.Error(err))
			continue
		}
		if _, err := r.pool.Exec(ctx,
			"UPDATE outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
			r.logger.Error("mark dead-letter entry", zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// CleanupProcessed removes processed entries older than the given age.
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

// Stats summarizes outbox health for the relay's admin endpoint.
type Stats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats reports pending, recently processed, and failed entry counts.
func (r *Relay) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	if err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count < $1",
		r.config.MaxRetries).Scan(&stats.Pending); err != nil {
		return nil, err
	}
	if err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'").
		Scan(&stats.Processed); err != nil {
		return nil, err
	}
	if err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count >= $1",
		r.config.MaxRetries).Scan(&stats.Failed); err != nil {
		return nil, err
	}
	r.pool.QueryRow(ctx, "SELECT MIN(created_at) FROM outbox WHERE processed_at IS NULL").Scan(&stats.OldestPending)
	return stats, nil
}
