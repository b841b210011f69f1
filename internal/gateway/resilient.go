package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
	"github.com/drfirst/go-medsafe/pkg/retry"
)

// BreakerName names the circuit breaker guarding the HIS.
const BreakerName = "his-gateway"

// Resilient retries transient gateway failures and guards the HIS with a
// circuit breaker. Rejections are returned on the first attempt.
type Resilient struct {
	next    OrderGateway
	policy  retry.Policy
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

var _ OrderGateway = (*Resilient)(nil)

// NewResilient wraps next.
func NewResilient(next OrderGateway, policy retry.Policy, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) (*Resilient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}
	policy.Permanent = func(err error) bool {
		return IsRejection(err) || circuitbreaker.IsOpenError(err)
	}

	cfg := circuitbreaker.DefaultConfig(BreakerName)
	cfg.IsSuccessful = IsRejection
	cfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.BreakerState(name, circuitbreaker.StateValue(to))
	}
	breaker, err := breakers.GetOrCreate(BreakerName, cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway breaker: %w", err)
	}

	return &Resilient{
		next:    next,
		policy:  policy,
		breaker: breaker,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("order-gateway"),
	}, nil
}

// IsRejection reports whether err is a definitive HIS answer.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// CreateOrder places an order.
func (r *Resilient) CreateOrder(ctx context.Context, req CreateRequest) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "gateway.create_order",
		trace.WithAttributes(
			attribute.String("patient_id", req.PatientID),
			attribute.String("drug_code", req.DrugCode),
		))
	defer span.End()

	res, err := r.call(ctx, OpCreate, func(ctx context.Context) (Result, error) {
		return r.next.CreateOrder(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	span.SetAttributes(attribute.String("order_id", res.OrderID))
	return res, nil
}

// DiscontinueOrder stops an order.
func (r *Resilient) DiscontinueOrder(ctx context.Context, orderID, reason string) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "gateway.discontinue_order",
		trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	res, err := r.call(ctx, OpDiscontinue, func(ctx context.Context) (Result, error) {
		return r.next.DiscontinueOrder(ctx, orderID, reason)
	})
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (r *Resilient) call(ctx context.Context, op string, fn func(ctx context.Context) (Result, error)) (Result, error) {
	started := time.Now()
	defer r.metrics.ObserveGateway(op, started)

	res, err := retry.Do(ctx, r.policy, r.logger, func(ctx context.Context) (Result, error) {
		return circuitbreaker.Call(ctx, r.breaker, func() (Result, error) {
			return fn(ctx)
		})
	})
	if err == nil {
		return res, nil
	}

	var rej *RejectionError
	switch {
	case errors.As(err, &rej):
		return rej.Result(), err
	case ctx.Err() != nil:
		return Result{}, err
	case errors.Is(err, medication.ErrSourceUnavailable):
	default:
		err = fmt.Errorf("%w: his: %v", medication.ErrSourceUnavailable, err)
	}
	r.logger.Warn("order gateway unavailable",
		zap.String("operation", op),
		zap.Duration("elapsed", time.Since(started)),
		zap.Error(err))
	return Result{Success: false, Message: "order gateway unavailable", ErrorCode: CodeUnavailable}, err
}
