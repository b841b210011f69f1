// Package postgres holds the PostgreSQL order event store and the
// transactional outbox that relays order events to Redpanda.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
)

// Headers set on every relayed record.
const (
	HeaderEventType = "event-type"
	HeaderOrderID   = "order-id"
	HeaderOutboxID  = "outbox-id"
)

// OutboxEntry is one order event waiting to be published.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// Record converts the entry into the record the relay publishes.
func (e *OutboxEntry) Record() *redpanda.Record {
	return &redpanda.Record{
		Topic: e.KafkaTopic,
		Key:   e.KafkaKey,
		Value: e.Payload,
		Headers: map[string]string{
			HeaderEventType: e.EventType,
			HeaderOrderID:   e.AggregateID,
			HeaderOutboxID:  strconv.FormatInt(e.ID, 10),
		},
	}
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// BatchSize is the number of entries to publish per poll
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxAttempts is how often an entry is tried before it is dead-lettered.
	MaxAttempts int
	// LockID is the advisory lock that elects a single relay.
	LockID int64
	// DeadLetterTopic receives entries that exhausted MaxAttempts.
	DeadLetterTopic string
	// Retention is how long published entries are kept.
	Retention time.Duration
	// MaintenanceInterval is how often dead-lettering and cleanup run.
	MaintenanceInterval time.Duration
}

// DefaultRelayConfig returns the production settings.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:           100,
		PollInterval:        100 * time.Millisecond,
		MaxAttempts:         5,
		LockID:              0x6d656473, // "meds"
		DeadLetterTopic:     redpanda.TopicDeadLetter,
		Retention:           72 * time.Hour,
		MaintenanceInterval: time.Minute,
	}
}

// Publisher sends one record and waits for its acknowledgment.
// *redpanda.Producer implements it.
type Publisher interface {
	PublishRecord(ctx context.Context, rec *redpanda.Record) error
}

// Relay publishes committed order events from the outbox table.
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	lastMaintenance time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay. m may be nil.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, m *metrics.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts entry inside tx, the transaction that stores the
// order events it describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling.
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop waits for the current poll to finish.
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
			r.tick(r.ctx)
		}
	}
}

// tick runs one poll while holding the relay lock. The advisory lock is
// session scoped, so lock and unlock run on one dedicated connection.
func (r *Relay) tick(ctx context.Context) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		r.logger.Error("failed to acquire connection", zap.Error(err))
		return
	}
	defer conn.Release()

	var leader bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", r.config.LockID).Scan(&leader); err != nil || !leader {
		return
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", r.config.LockID); err != nil {
			r.logger.Warn("failed to release relay lock", zap.Error(err))
		}
	}()

	r.relayPending(ctx)

	if time.Since(r.lastMaintenance) >= r.config.MaintenanceInterval {
		r.lastMaintenance = time.Now()
		r.maintain(ctx)
	}
}

func (r *Relay) relayPending(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	entries, err := r.fetchPending(ctx)
	if err != nil {
		r.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	out := relayBatch(ctx, r.publisher, entries)

	if len(out.Sent) > 0 {
		if _, err := r.pool.Exec(ctx,
			`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = ANY($1)`,
			out.Sent); err != nil {
			// The entries will be published again; consumers are idempotent.
			r.logger.Error("failed to mark entries published", zap.Error(err))
			span.RecordError(err)
		}
	}
	for id, cause := range out.Failed {
		if _, err := r.pool.Exec(ctx,
			`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2`,
			cause.Error(), id); err != nil {
			r.logger.Error("failed to record publish failure", zap.Int64("id", id), zap.Error(err))
		}
	}

	r.metrics.Produced(len(out.Sent))
	if len(out.Failed) > 0 || out.Held > 0 {
		r.logger.Warn("outbox batch partially published",
			zap.Int("sent", len(out.Sent)),
			zap.Int("failed", len(out.Failed)),
			zap.Int("held", out.Held))
	}
}

// batchOutcome is what happened to each entry of one batch.
type batchOutcome struct {
	Sent   []int64
	Failed map[int64]error
	// Held counts entries skipped because an earlier event of the same
	// order failed.
	Held int
}

// relayBatch publishes entries in order. Once an entry fails, later
// entries of the same order are held back so consumers never see an
// order's events out of sequence.
func relayBatch(ctx context.Context, p Publisher, entries []*OutboxEntry) batchOutcome {
	out := batchOutcome{Failed: make(map[int64]error)}
	blocked := make(map[string]bool)
	for _, e := range entries {
		if blocked[e.AggregateID] {
			out.Held++
			continue
		}
		if err := p.PublishRecord(ctx, e.Record()); err != nil {
			out.Failed[e.ID] = err
			blocked[e.AggregateID] = true
			continue
		}
		out.Sent = append(out.Sent, e.ID)
	}
	return out
}

func (r *Relay) fetchPending(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
	`
	return r.queryEntries(ctx, query, r.config.MaxAttempts, r.config.BatchSize)
}

func (r *Relay) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*OutboxEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType,
			&e.EventType, &e.Payload, &e.KafkaTopic,
			&e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Relay) maintain(ctx context.Context) {
	if n, err := r.deadLetterExhausted(ctx); err != nil {
		r.logger.Error("outbox dead-lettering failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
	}

	if n, err := r.purgePublished(ctx); err != nil {
		r.logger.Error("outbox cleanup failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Debug("published outbox entries removed", zap.Int64("count", n))
	}

	if stats, err := r.Stats(ctx); err != nil {
		r.logger.Warn("outbox stats failed", zap.Error(err))
	} else {
		r.metrics.SetOutboxPending(int(stats.Pending))
	}
}

// DeadLetteredEvent is the dead-letter payload for an order event that
// could not be published.
type DeadLetteredEvent struct {
	OutboxID      int64           `json:"outbox_id"`
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	OrderID       string          `json:"order_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func newDeadLetteredEvent(e *OutboxEntry) DeadLetteredEvent {
	d := DeadLetteredEvent{
		OutboxID:      e.ID,
		OriginalTopic: e.KafkaTopic,
		EventType:     e.EventType,
		OrderID:       e.AggregateID,
		Payload:       e.Payload,
		Attempts:      e.RetryCount,
		CreatedAt:     e.CreatedAt,
	}
	if e.LastError != nil {
		d.LastError = *e.LastError
	}
	return d
}

// deadLetterExhausted moves entries that ran out of attempts to the
// dead-letter topic.
func (r *Relay) deadLetterExhausted(ctx context.Context) (int64, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id ASC
		LIMIT $2
	`
	entries, err := r.queryEntries(ctx, query, r.config.MaxAttempts, r.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, e := range entries {
		value, err := json.Marshal(newDeadLetteredEvent(e))
		if err != nil {
			return moved, fmt.Errorf("encode dead letter: %w", err)
		}
		rec := &redpanda.Record{
			Topic:   r.config.DeadLetterTopic,
			Key:     e.KafkaKey,
			Value:   value,
			Headers: e.Record().Headers,
		}
		if err := r.publisher.PublishRecord(ctx, rec); err != nil {
			return moved, fmt.Errorf("publish dead letter %d: %w", e.ID, err)
		}
		if _, err := r.pool.Exec(ctx,
			`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			return moved, fmt.Errorf("mark dead letter %d: %w", e.ID, err)
		}
		moved++
	}
	return moved, nil
}

func (r *Relay) purgePublished(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1::interval`,
		r.config.Retention.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// RelayStats describes the outbox backlog.
type RelayStats struct {
	Pending       int64      `json:"pending"`
	Exhausted     int64      `json:"exhausted"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats reports the backlog.
func (r *Relay) Stats(ctx context.Context) (RelayStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1),
			MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL
	`
	var s RelayStats
	if err := r.pool.QueryRow(ctx, query, r.config.MaxAttempts).Scan(&s.Pending, &s.Exhausted, &s.OldestPending); err != nil {
		return RelayStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}
