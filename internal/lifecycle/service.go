// Package lifecycle places, tracks and stops medication orders. Every
// submission is validated again here; an order reaches the gateway only
// when it has no errors and its warnings were acknowledged.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/domain/order"
	"github.com/drfirst/go-medsafe/internal/dosage"
	"github.com/drfirst/go-medsafe/internal/gateway"
	"github.com/drfirst/go-medsafe/internal/validation"
)

// SuggestOverride is the fix offered when warnings were not acknowledged.
const SuggestOverride = "set overrideWarnings=true to acknowledge the warnings and resubmit"

// Submission outcomes recorded in metrics.
const (
	OutcomeAccepted       = "accepted"
	OutcomeBlocked        = "blocked"
	OutcomeUnacknowledged = "unacknowledged"
	OutcomeRejected       = "rejected"
	OutcomeInvalidInput   = "invalid_input"
	OutcomeGatewayFailed  = "gateway_failed"
	OutcomeConflict       = "conflict"
	OutcomeNotFound       = "not_found"
	OutcomeError          = "error"
)

// SubmitRequest is an order as proposed by a prescriber.
type SubmitRequest struct {
	PatientID        string   `json:"patient_id"`
	PrescriberID     string   `json:"prescriber_id"`
	DrugCode         string   `json:"drug_code"`
	Dose             float64  `json:"dose"`
	Unit             string   `json:"unit"`
	Route            string   `json:"route"`
	Frequency        string   `json:"frequency"`
	DurationDays     int      `json:"duration_days"`
	CrCl             *float64 `json:"crcl,omitempty"`
	OverrideWarnings bool     `json:"override_warnings"`
	OverrideReason   string   `json:"override_reason,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

func (r SubmitRequest) check() error {
	var missing []string
	for name, v := range map[string]string{
		"patient_id":    r.PatientID,
		"prescriber_id": r.PrescriberID,
		"drug_code":     r.DrugCode,
		"route":         r.Route,
		"frequency":     r.Frequency,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing %s", medication.ErrInvalidInput, strings.Join(missing, ", "))
	}
	if r.DurationDays < 0 {
		return fmt.Errorf("%w: duration_days must not be negative", medication.ErrInvalidInput)
	}
	return nil
}

// OrderResult is the outcome of a submission.
type OrderResult struct {
	Success    bool               `json:"success"`
	OrderID    string             `json:"order_id,omitempty"`
	Status     order.Status       `json:"status,omitempty"`
	Message    string             `json:"message"`
	Errors     []string           `json:"errors,omitempty"`
	ErrorClass string             `json:"error_class,omitempty"`
	Suggestion string             `json:"suggestion,omitempty"`
	Validation *validation.Result `json:"validation,omitempty"`
}

// StopResult is the outcome of a discontinuation.
type StopResult struct {
	Success        bool       `json:"success"`
	OrderID        string     `json:"order_id"`
	Message        string     `json:"message"`
	ErrorClass     string     `json:"error_class,omitempty"`
	DiscontinuedAt *time.Time `json:"discontinued_at,omitempty"`
}

// Service runs the order state machine against the gateway and the
// order repository.
type Service struct {
	validator *validation.Validator
	gateway   gateway.OrderGateway
	repo      order.Repository
	patients  gateway.PatientDirectory
	metrics   Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Recorder receives lifecycle outcomes. *metrics.Metrics implements it.
type Recorder interface {
	SubmissionOutcome(outcome string)
	DiscontinueOutcome(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) SubmissionOutcome(string)  {}
func (nopRecorder) DiscontinueOutcome(string) {}

// Option configures a Service.
type Option func(*Service)

// WithPatientDirectory derives CrCl from HIS patient data when a
// submission does not carry one.
func WithPatientDirectory(d gateway.PatientDirectory) Option {
	return func(s *Service) { s.patients = d }
}

// WithRecorder records outcomes.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

// New creates the lifecycle service.
func New(v *validation.Validator, gw gateway.OrderGateway, repo order.Repository, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		validator: v,
		gateway:   gw,
		repo:      repo,
		metrics:   nopRecorder{},
		logger:    logger,
		tracer:    otel.Tracer("order-lifecycle"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates the request and, when allowed, places it with the
// gateway and records the new order as pending. The result always
// describes the outcome; the error carries its class for errors.Is.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (OrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.submit",
		trace.WithAttributes(
			attribute.String("patient_id", req.PatientID),
			attribute.String("drug_code", req.DrugCode),
			attribute.Bool("override_warnings", req.OverrideWarnings),
		))
	defer span.End()

	res, outcome, err := s.submit(ctx, req)
	s.metrics.SubmissionOutcome(outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		res.ErrorClass = medication.ErrorClass(err)
	}
	return res, err
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (OrderResult, string, error) {
	if err := req.check(); err != nil {
		return OrderResult{Message: "order request is incomplete", Errors: []string{err.Error()}}, OutcomeInvalidInput, err
	}

	if req.CrCl == nil {
		req.CrCl = s.patientCrCl(ctx, req.PatientID)
	}

	verdict := s.validator.Validate(ctx, validation.Request{
		DrugCode:  req.DrugCode,
		Dose:      req.Dose,
		Unit:      req.Unit,
		Route:     req.Route,
		Frequency: req.Frequency,
		CrCl:      req.CrCl,
	})

	if !verdict.Valid {
		err := fmt.Errorf("%w: %s", medication.ErrValidationBlocked, strings.Join(validation.Messages(verdict.Errors), "; "))
		return OrderResult{
			Message:    "order failed validation and was not submitted",
			Errors:     validation.Messages(verdict.Errors),
			Suggestion: firstSuggestion(verdict.Errors),
			Validation: &verdict,
		}, OutcomeBlocked, err
	}

	if verdict.HasWarnings() && !req.OverrideWarnings {
		err := fmt.Errorf("%w: %d warning(s) require acknowledgment", medication.ErrWarningsUnacknowledged, len(verdict.Warnings))
		return OrderResult{
			Message:    "order has warnings that must be acknowledged: " + strings.Join(validation.Messages(verdict.Warnings), "; "),
			Errors:     validation.Messages(verdict.Warnings),
			Suggestion: SuggestOverride,
			Validation: &verdict,
		}, OutcomeUnacknowledged, err
	}

	placed, err := s.gateway.CreateOrder(ctx, gateway.CreateRequest{
		PatientID:    req.PatientID,
		PrescriberID: req.PrescriberID,
		DrugCode:     verdict.DrugCode,
		DrugName:     verdict.DrugName,
		Dose:         req.Dose,
		Unit:         req.Unit,
		Route:        req.Route,
		Frequency:    req.Frequency,
		DurationDays: req.DurationDays,
		Notes:        req.Notes,
	})
	if err == nil && (!placed.Success || placed.OrderID == "") {
		err = fmt.Errorf("%w: gateway did not return an order id", medication.ErrSourceUnavailable)
	}
	if err != nil {
		outcome := OutcomeGatewayFailed
		if gateway.IsRejection(err) {
			outcome = OutcomeRejected
		}
		s.logger.Warn("order not placed",
			zap.String("patient_id", req.PatientID),
			zap.String("drug_code", req.DrugCode),
			zap.String("error_code", placed.ErrorCode),
			zap.Error(err))
		msg := placed.Message
		if msg == "" {
			msg = err.Error()
		}
		return OrderResult{
			Message:    "order gateway did not accept the order",
			Errors:     []string{msg},
			Validation: &verdict,
		}, outcome, err
	}

	agg := order.NewAggregate(placed.OrderID)
	created := &order.OrderCreatedData{
		PatientID:    req.PatientID,
		PrescriberID: req.PrescriberID,
		DrugCode:     verdict.DrugCode,
		DrugName:     verdict.DrugName,
		DoseValue:    req.Dose,
		DoseUnit:     req.Unit,
		Route:        req.Route,
		Frequency:    req.Frequency,
		DurationDays: req.DurationDays,
	}
	if verdict.HasWarnings() {
		created.OverrideReason = req.OverrideReason
		created.Warnings = validation.Messages(verdict.Warnings)
	}
	if err := agg.Create(created); err != nil {
		return s.compensate(ctx, placed.OrderID, verdict, err)
	}
	if err := s.repo.Save(ctx, agg); err != nil {
		return s.compensate(ctx, placed.OrderID, verdict, err)
	}

	s.logger.Info("order submitted",
		zap.String("order_id", placed.OrderID),
		zap.String("patient_id", req.PatientID),
		zap.String("drug_code", verdict.DrugCode),
		zap.Int("acknowledged_warnings", len(verdict.Warnings)))

	return OrderResult{
		Success:    true,
		OrderID:    placed.OrderID,
		Status:     agg.Status(),
		Message:    placed.Message,
		Validation: &verdict,
	}, OutcomeAccepted, nil
}

// compensate withdraws an order the gateway accepted but that could not be
// recorded locally.
func (s *Service) compensate(ctx context.Context, orderID string, verdict validation.Result, cause error) (OrderResult, string, error) {
	s.logger.Error("placed order could not be recorded, withdrawing it",
		zap.String("order_id", orderID),
		zap.Error(cause))
	if _, err := s.gateway.DiscontinueOrder(ctx, orderID, "order could not be recorded"); err != nil {
		s.logger.Error("withdrawing unrecorded order failed",
			zap.String("order_id", orderID),
			zap.Error(err))
	}
	return OrderResult{
		Message:    "order could not be recorded",
		Errors:     []string{cause.Error()},
		Validation: &verdict,
	}, OutcomeError, fmt.Errorf("record order %s: %w", orderID, cause)
}

// patientCrCl estimates CrCl from HIS patient data. Missing data yields nil
// and the renal check is skipped.
func (s *Service) patientCrCl(ctx context.Context, patientID string) *float64 {
	if s.patients == nil {
		return nil
	}
	p, err := s.patients.Patient(ctx, patientID)
	if err != nil {
		s.logger.Debug("patient lookup failed", zap.String("patient_id", patientID), zap.Error(err))
		return nil
	}
	sex, err := dosage.ParseSex(p.Sex)
	if err != nil {
		return nil
	}
	crcl, err := dosage.CreatinineClearance(p.AgeYears, p.WeightKg, p.CreatinineMgDL, sex)
	if err != nil {
		s.logger.Debug("crcl not derivable", zap.String("patient_id", patientID), zap.Error(err))
		return nil
	}
	v := crcl.Value
	return &v
}

// Discontinue stops a non-terminal order. Stopping a terminal order fails
// with StateConflict without calling the gateway, and concurrent stops of
// the same order succeed at most once.
func (s *Service) Discontinue(ctx context.Context, orderID, reason string) (StopResult, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.discontinue",
		trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	res, outcome, err := s.discontinue(ctx, orderID, reason)
	s.metrics.DiscontinueOutcome(outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		res.ErrorClass = medication.ErrorClass(err)
		res.Message = err.Error()
	}
	return res, err
}

func (s *Service) discontinue(ctx context.Context, orderID, reason string) (StopResult, string, error) {
	res := StopResult{OrderID: orderID}
	if strings.TrimSpace(orderID) == "" || strings.TrimSpace(reason) == "" {
		return res, OutcomeInvalidInput, fmt.Errorf("%w: order id and reason are required", medication.ErrInvalidInput)
	}

	agg, err := s.repo.Load(ctx, orderID)
	if err != nil {
		return res, outcomeFor(err), err
	}
	if err := agg.CheckTransition(order.StatusDiscontinued); err != nil {
		return res, OutcomeConflict, err
	}

	if _, err := s.gateway.DiscontinueOrder(ctx, orderID, reason); err != nil {
		s.logger.Warn("order not discontinued",
			zap.String("order_id", orderID),
			zap.Error(err))
		if gateway.IsRejection(err) {
			return res, outcomeFor(err), err
		}
		return res, OutcomeGatewayFailed, err
	}

	if err := agg.Discontinue(reason); err != nil {
		return res, OutcomeConflict, err
	}
	if err := s.repo.Save(ctx, agg); err != nil {
		return res, outcomeFor(err), err
	}

	snap := agg.Snapshot()
	s.logger.Info("order discontinued",
		zap.String("order_id", orderID),
		zap.String("reason", reason))

	res.Success = true
	res.Message = "order discontinued"
	res.DiscontinuedAt = snap.DiscontinuedAt
	return res, OutcomeAccepted, nil
}

// Activate records that the HIS started the order.
func (s *Service) Activate(ctx context.Context, orderID string) (order.Order, error) {
	return s.apply(ctx, "lifecycle.activate", orderID, func(agg *order.Aggregate) error {
		return agg.Activate()
	})
}

// Complete records that the order ran its course.
func (s *Service) Complete(ctx context.Context, orderID string) (order.Order, error) {
	return s.apply(ctx, "lifecycle.complete", orderID, func(agg *order.Aggregate) error {
		return agg.Complete()
	})
}

// Cancel records that the HIS cancelled a pending order.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (order.Order, error) {
	return s.apply(ctx, "lifecycle.cancel", orderID, func(agg *order.Aggregate) error {
		return agg.Cancel(reason)
	})
}

func (s *Service) apply(ctx context.Context, name, orderID string, fn func(*order.Aggregate) error) (order.Order, error) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	agg, err := s.repo.Load(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return order.Order{}, err
	}
	if err := fn(agg); err != nil {
		span.RecordError(err)
		return agg.Snapshot(), err
	}
	if err := s.repo.Save(ctx, agg); err != nil {
		span.RecordError(err)
		return order.Order{}, err
	}
	snap := agg.Snapshot()
	s.logger.Info("order status changed",
		zap.String("order_id", orderID),
		zap.String("status", string(snap.Status)))
	return snap, nil
}

// Get returns the current state of an order.
func (s *Service) Get(ctx context.Context, orderID string) (order.Order, error) {
	agg, err := s.repo.Load(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	return agg.Snapshot(), nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, medication.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, medication.ErrStateConflict):
		return OutcomeConflict
	case errors.Is(err, medication.ErrInvalidInput):
		return OutcomeInvalidInput
	}
	return OutcomeError
}

func firstSuggestion(issues []validation.Issue) string {
	for _, is := range issues {
		if is.Suggestion != "" {
			return is.Suggestion
		}
	}
	return ""
}
