package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/domain/order"
)

//go:embed schema.sql
var schema string

// EnsureSchema creates the event store, outbox and inbox tables.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

// DB is the part of *pgxpool.Pool the order repository uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// OrderRepository stores order event streams and writes one outbox entry
// per event in the same transaction.
type OrderRepository struct {
	pool   DB
	topic  string
	logger *zap.Logger
}

var _ order.Repository = (*OrderRepository)(nil)

// NewOrderRepository creates a repository publishing to topic through the outbox.
func NewOrderRepository(pool DB, topic string, logger *zap.Logger) *OrderRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderRepository{pool: pool, topic: topic, logger: logger}
}

// Save persists new events for an aggregate
func (r *OrderRepository) Save(ctx context.Context, agg *order.Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	expected := order.ExpectedVersion(agg)
	var stored int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM order_events WHERE aggregate_id = $1`,
		agg.ID()).Scan(&stored)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if stored != expected {
		return fmt.Errorf("%w: order %s was modified concurrently (stored version %d, expected %d)",
			medication.ErrStateConflict, agg.ID(), stored, expected)
	}

	for _, event := range changes {
		if err := insertEvent(ctx, tx, event); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: order %s version %d already written",
					medication.ErrStateConflict, agg.ID(), event.Version)
			}
			return fmt.Errorf("insert event: %w", err)
		}

		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    r.topic,
			KafkaKey:      event.AggregateID,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("order events saved",
		zap.String("order_id", agg.ID()),
		zap.Int("events", len(changes)),
		zap.Int("version", agg.Version()))
	agg.ClearChanges()
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, event *order.Event) error {
	query := `
		INSERT INTO order_events
		(id, aggregate_id, event_type, event_data, version, timestamp, prescriber_id, patient_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.PrescriberID,
		event.PatientID,
		event.CorrelationID,
	)
	return err
}

// Load retrieves an aggregate by ID
func (r *OrderRepository) Load(ctx context.Context, id string) (*order.Aggregate, error) {
	events, err := r.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	return order.Rebuild(id, events)
}

// Events retrieves all events for an order in version order.
func (r *OrderRepository) Events(ctx context.Context, aggregateID string) ([]*order.Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp,
		       prescriber_id, patient_id, correlation_id
		FROM order_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.pool.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*order.Event
	for rows.Next() {
		e := &order.Event{AggregateType: order.AggregateType}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.PrescriberID, &e.PatientID, &e.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
