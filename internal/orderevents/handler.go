// Package orderevents applies order status reports from the HIS, as read
// from the gateway status topic, to the order store. Each report is applied
// at most once.
package orderevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/domain/order"
	"github.com/drfirst/go-medsafe/pkg/idempotency"
)

// HandlerName identifies status reports in the inbox.
const HandlerName = "order-status"

// Outcomes of Handle.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeUnchanged = "unchanged"
)

// StatusMessage is a status report published by the HIS.
type StatusMessage struct {
	EventID    string    `json:"event_id"`
	OrderID    string    `json:"order_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Target returns the order status the report moves the order to.
func (m StatusMessage) Target() (order.Status, error) {
	switch s := order.Status(strings.ToLower(strings.TrimSpace(m.Status))); s {
	case order.StatusActive, order.StatusCompleted, order.StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("%w: unsupported status %q", medication.ErrInvalidInput, m.Status)
}

// Key is the idempotency key of the report.
func (m StatusMessage) Key() string {
	return idempotency.GenerateKey(m.OrderID, strings.ToLower(m.Status), m.EventID)
}

// Decode parses a record value into a status report.
func Decode(value []byte) (StatusMessage, error) {
	var msg StatusMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return msg, fmt.Errorf("%w: decode status message: %v", medication.ErrInvalidInput, err)
	}
	if msg.OrderID == "" {
		return msg, fmt.Errorf("%w: order_id is required", medication.ErrInvalidInput)
	}
	if _, err := msg.Target(); err != nil {
		return msg, err
	}
	return msg, nil
}

// Transitioner moves orders through their lifecycle. *lifecycle.Service
// implements it.
type Transitioner interface {
	Activate(ctx context.Context, orderID string) (order.Order, error)
	Complete(ctx context.Context, orderID string) (order.Order, error)
	Cancel(ctx context.Context, orderID, reason string) (order.Order, error)
	Get(ctx context.Context, orderID string) (order.Order, error)
}

// Handler applies status reports.
type Handler struct {
	orders Transitioner
	inbox  idempotency.Processor
	logger *zap.Logger
	tracer trace.Tracer
}

// NewHandler creates a Handler.
func NewHandler(orders Transitioner, inbox idempotency.Processor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		orders: orders,
		inbox:  inbox,
		logger: logger,
		tracer: otel.Tracer("orderevents"),
	}
}

type applied struct {
	Status  order.Status `json:"status"`
	Outcome string       `json:"outcome"`
}

// Handle applies msg once. A redelivered report returns OutcomeDuplicate. A
// report naming the status the order already has returns OutcomeUnchanged.
func (h *Handler) Handle(ctx context.Context, msg StatusMessage) (string, error) {
	ctx, span := h.tracer.Start(ctx, "orderevents.handle", trace.WithAttributes(
		attribute.String("order_id", msg.OrderID),
		attribute.String("status", msg.Status),
		attribute.String("event_id", msg.EventID),
	))
	defer span.End()

	target, err := msg.Target()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode status message: %w", err)
	}

	res, err := h.inbox.Process(ctx, msg.Key(), HandlerName, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		outcome, err := h.apply(ctx, msg.OrderID, target, msg.Reason)
		if err != nil {
			return nil, err
		}
		return json.Marshal(applied{Status: target, Outcome: outcome})
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if !res.Ran() {
		h.logger.Debug("duplicate status report", zap.String("order_id", msg.OrderID), zap.String("event_id", msg.EventID))
		return OutcomeDuplicate, nil
	}

	var out applied
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return "", fmt.Errorf("decode inbox result: %w", err)
	}
	h.logger.Info("status report applied",
		zap.String("order_id", msg.OrderID),
		zap.String("status", string(target)),
		zap.String("outcome", out.Outcome))
	return out.Outcome, nil
}

func (h *Handler) apply(ctx context.Context, orderID string, target order.Status, reason string) (string, error) {
	var err error
	switch target {
	case order.StatusActive:
		_, err = h.orders.Activate(ctx, orderID)
	case order.StatusCompleted:
		_, err = h.orders.Complete(ctx, orderID)
	case order.StatusCancelled:
		_, err = h.orders.Cancel(ctx, orderID, reason)
	}
	if err == nil {
		return OutcomeApplied, nil
	}
	if !errors.Is(err, medication.ErrStateConflict) {
		return "", err
	}

	cur, gerr := h.orders.Get(ctx, orderID)
	switch {
	case gerr != nil:
		return "", err
	case cur.Status == target:
		return OutcomeUnchanged, nil
	case order.CanTransition(cur.Status, target):
		// Lost a race with another writer; the transition is still valid.
		return "", fmt.Errorf("order %s modified concurrently: %v", orderID, err)
	}
	return "", err
}

// Permanent reports whether redelivering a failed report cannot succeed.
func Permanent(err error) bool {
	return idempotency.IsTerminal(err) || errors.Is(err, idempotency.ErrPreviouslyFailed)
}
