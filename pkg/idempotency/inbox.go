// Package idempotency provides the Inbox pattern for exactly-once handling of
// consumed messages. Keys are deterministic hashes of the message identity so a
// redelivered status update maps onto the entry of its first delivery.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxEntry represents an idempotency inbox record
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL bounds how long a key is remembered.
	TTL time.Duration
	// MaintenanceInterval is how often expired entries are removed and
	// stale ones recovered.
	MaintenanceInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned.
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig keeps keys for a week, longer than any topic retention.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:                 7 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
		RecoveryTimeout:     5 * time.Minute,
	}
}

var (
	// ErrDuplicateMessage means another delivery claimed the key first.
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress means the key is being handled right now.
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means the key failed terminally before.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Processor runs handlers at most once per key. Inbox and MemoryInbox
// implement it.
type Processor interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error)
}

var (
	_ Processor = (*Inbox)(nil)
	_ Processor = (*MemoryInbox)(nil)
)

// ProcessResult is the outcome of one delivery. IsNew and WasRecovered are
// both false for a replayed result.
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// Ran reports whether the handler ran for this delivery.
func (r *ProcessResult) Ran() bool { return r.IsNew || r.WasRecovered }

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// decision is what a delivery does with the entry found for its key.
type decision int

const (
	decideRun decision = iota
	decideReplay
)

// decide applies the inbox state machine to the stored entry. A nil entry
// runs the handler; a STARTED entry older than recoveryTimeout is taken
// over.
func decide(entry *InboxEntry, now time.Time, recoveryTimeout time.Duration) (decision, error) {
	if entry == nil {
		return decideRun, nil
	}
	switch entry.Status {
	case StatusFinished:
		return decideReplay, nil
	case StatusFailed:
		return 0, fmt.Errorf("%w: %s", ErrPreviouslyFailed, entry.IdempotencyKey)
	case StatusStarted:
		if now.Sub(entry.UpdatedAt) <= recoveryTimeout {
			return 0, ErrMessageInProgress
		}
	}
	return decideRun, nil
}

// failureStatus is the status recorded after the handler returned err.
func failureStatus(err error) Status {
	if IsTerminal(err) {
		return StatusFailed
	}
	return StatusRecoverable
}

func errorResult(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

// Inbox is the PostgreSQL Processor shared by every replica of a consumer.
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	// Control for the maintenance goroutine
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox over the inbox table.
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn unless the key finished before, in which case the stored
// result is replayed. Terminal handler errors are remembered; other errors
// leave the key open for the next delivery.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	d, err := decide(entry, time.Now(), i.config.RecoveryTimeout)
	if err != nil {
		span.SetAttributes(attribute.String("refused", err.Error()))
		return nil, err
	}
	if d == decideReplay {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{Result: entry.Result}, nil
	}

	if err := i.claim(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		if err := i.setStatus(ctx, key, failureStatus(handlerErr), errorResult(handlerErr)); err != nil {
			i.logger.Error("failed to record handler error",
				zap.String("key", key),
				zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	// The handler succeeded; a lost status write only costs a rerun.
	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	recovered := entry != nil
	span.SetAttributes(attribute.Bool("recovered", recovered))
	return &ProcessResult{IsNew: !recovered, WasRecovered: recovered, Result: result}, nil
}

// GenerateKey hashes the identifying parts of a message into a key. Empty
// parts still occupy their position so ("a", "") and ("", "a") differ.
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*InboxEntry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`

	entry := &InboxEntry{}
	err := i.pool.QueryRow(ctx, query, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// claim marks the key STARTED. The upsert only takes over RECOVERABLE rows
// or STARTED rows past the recovery timeout, so two deliveries racing for
// the same key cannot both run.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	query := `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - $6::interval)
		RETURNING idempotency_key
	`

	var returned string
	err := i.pool.QueryRow(ctx, query,
		key, handlerName, StatusStarted, payload,
		time.Now().Add(i.config.TTL), i.config.RecoveryTimeout.String(),
	).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("failed to claim inbox key: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx,
		`UPDATE inbox SET status = $1, result = $2, updated_at = NOW() WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// StartMaintenance starts the background expiry and recovery loop.
func (i *Inbox) StartMaintenance() {
	go i.maintenanceLoop()
	i.logger.Info("inbox maintenance started", zap.Duration("interval", i.config.MaintenanceInterval))
}

// Stop stops the maintenance loop.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) maintenanceLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			i.maintain(i.ctx)
		}
	}
}

func (i *Inbox) maintain(ctx context.Context) {
	expired, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		i.logger.Error("inbox expiry failed", zap.Error(err))
	} else if expired.RowsAffected() > 0 {
		i.logger.Info("expired inbox entries removed", zap.Int64("deleted", expired.RowsAffected()))
	}

	if n, err := i.RecoverStaleEntries(ctx); err != nil {
		i.logger.Error("inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		i.logger.Warn("abandoned inbox entries recovered", zap.Int64("count", n))
	}
}

// RecoverStaleEntries marks STARTED entries past the recovery timeout as
// RECOVERABLE, e.g. after a crash mid-handler.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	query := `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::interval
	`

	result, err := i.pool.Exec(ctx, query, i.config.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// IsTerminal reports whether redelivering the message cannot succeed:
// malformed input, an unknown order, or a transition the order no longer
// allows.
func IsTerminal(err error) bool {
	return errors.Is(err, medication.ErrInvalidInput) ||
		errors.Is(err, medication.ErrUnsupportedUnit) ||
		errors.Is(err, medication.ErrNotFound) ||
		errors.Is(err, medication.ErrStateConflict)
}

// InboxStats counts entries by status
type InboxStats struct {
	Total       int64 `json:"total"`
	Started     int64 `json:"started"`
	Finished    int64 `json:"finished"`
	Recoverable int64 `json:"recoverable"`
	Failed      int64 `json:"failed"`
}

// Stats counts the entries of each status.
func (i *Inbox) Stats(ctx context.Context) (InboxStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox
	`

	var s InboxStats
	err := i.pool.QueryRow(ctx, query).Scan(&s.Total, &s.Started, &s.Finished, &s.Recoverable, &s.Failed)
	if err != nil {
		return InboxStats{}, fmt.Errorf("inbox stats: %w", err)
	}
	return s, nil
}
