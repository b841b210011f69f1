// Package validation decides whether a proposed medication order may be
// submitted. A result is valid exactly when it has no errors; warnings are
// for human review and never block on their own.
package validation

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/dosage"
	"github.com/drfirst/go-medsafe/internal/knowledge"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
)

// Issue codes.
const (
	CodeDrugNotFound         = "DRUG_NOT_FOUND"
	CodeRouteNotAllowed      = "ROUTE_NOT_ALLOWED"
	CodeDoseOutOfRange       = "DOSE_OUT_OF_RANGE"
	CodeDoseUnitUncomparable = "DOSE_UNIT_UNCOMPARABLE"
	CodeRenalAdjustment      = "RENAL_ADJUSTMENT"
	CodeHighAlertDrug        = "HIGH_ALERT_DRUG"
)

// Verdicts recorded in metrics.
const (
	VerdictValid    = "valid"
	VerdictWarnings = "warnings"
	VerdictInvalid  = "invalid"
)

// Request is a proposed order line.
type Request struct {
	DrugCode  string   `json:"drug_code"`
	Dose      float64  `json:"dose"`
	Unit      string   `json:"unit"`
	Route     string   `json:"route"`
	Frequency string   `json:"frequency"`
	CrCl      *float64 `json:"crcl,omitempty"`
}

// Issue is one error or warning.
type Issue struct {
	Code       string `json:"code"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Adjustment is the renal dosing suggested for the patient's clearance.
type Adjustment struct {
	CrCl            float64  `json:"crcl"`
	Band            string   `json:"band"`
	DoseFactor      float64  `json:"dose_factor,omitempty"`
	SuggestedDose   *float64 `json:"suggested_dose,omitempty"`
	Unit            string   `json:"unit,omitempty"`
	Frequency       string   `json:"frequency,omitempty"`
	Recommendation  string   `json:"recommendation"`
	Contraindicated bool     `json:"contraindicated,omitempty"`
}

// Result is built fresh for every call.
type Result struct {
	Valid               bool        `json:"valid"`
	DrugCode            string      `json:"drug_code"`
	DrugName            string      `json:"drug_name,omitempty"`
	Errors              []Issue     `json:"errors"`
	Warnings            []Issue     `json:"warnings"`
	SuggestedAdjustment *Adjustment `json:"suggested_adjustment,omitempty"`
}

// HasWarnings reports whether any warning was raised.
func (r Result) HasWarnings() bool { return len(r.Warnings) > 0 }

// Verdict summarizes the result as valid, warnings or invalid.
func (r Result) Verdict() string {
	switch {
	case !r.Valid:
		return VerdictInvalid
	case r.HasWarnings():
		return VerdictWarnings
	}
	return VerdictValid
}

// Messages flattens issues into human readable lines.
func Messages(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		if i.Suggestion != "" {
			out = append(out, fmt.Sprintf("%s: %s (%s)", i.Code, i.Message, i.Suggestion))
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", i.Code, i.Message))
	}
	return out
}

// Config holds validator policy.
type Config struct {
	// HighAlertWarnings adds a warning for ISMP high-alert drugs.
	HighAlertWarnings bool
	// BatchParallelism bounds ValidateBatch.
	BatchParallelism int
}

// DefaultConfig enables high-alert warnings.
func DefaultConfig() Config {
	return Config{
		HighAlertWarnings: true,
		BatchParallelism:  16,
	}
}

// Validator is stateless apart from the shared read-only store.
type Validator struct {
	cfg     Config
	store   *knowledge.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a validator over store.
func New(cfg Config, store *knowledge.Store, m *metrics.Metrics, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchParallelism <= 0 {
		cfg.BatchParallelism = 1
	}
	return &Validator{
		cfg:     cfg,
		store:   store,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("order-validator"),
	}
}

// Validate runs the checks in a fixed order: formulary membership, route,
// dose range, renal adjustment, high-alert status. An unknown drug stops
// after the first check.
func (v *Validator) Validate(ctx context.Context, req Request) Result {
	_, span := v.tracer.Start(ctx, "validation.validate",
		trace.WithAttributes(attribute.String("drug_code", req.DrugCode)))
	defer span.End()

	res := v.validate(req)

	span.SetAttributes(
		attribute.String("verdict", res.Verdict()),
		attribute.Int("errors", len(res.Errors)),
		attribute.Int("warnings", len(res.Warnings)),
	)
	v.metrics.ValidationVerdict(res.Verdict())
	v.logger.Debug("order validated",
		zap.String("drug_code", req.DrugCode),
		zap.String("verdict", res.Verdict()),
		zap.Int("errors", len(res.Errors)),
		zap.Int("warnings", len(res.Warnings)))
	return res
}

// ValidateBatch validates independent requests concurrently. Results are
// in request order.
func (v *Validator) ValidateBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.BatchParallelism)
	for i := range reqs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = v.Validate(gctx, reqs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (v *Validator) validate(req Request) Result {
	res := Result{
		DrugCode: knowledge.NormalizeCode(req.DrugCode),
		Errors:   []Issue{},
		Warnings: []Issue{},
	}

	item, ok := v.store.Formulary(req.DrugCode)
	if !ok {
		res.Errors = append(res.Errors, Issue{
			Code:       CodeDrugNotFound,
			Kind:       medication.ErrorClass(medication.ErrNotFound),
			Message:    fmt.Sprintf("drug %q is not on the formulary", req.DrugCode),
			Suggestion: "search the formulary for an orderable product",
		})
		return res
	}
	res.DrugName = item.DrugName

	if !item.AllowsRoute(req.Route) {
		res.Errors = append(res.Errors, Issue{
			Code:       CodeRouteNotAllowed,
			Kind:       medication.ErrorClass(medication.ErrInvalidInput),
			Message:    fmt.Sprintf("route %q is not allowed for %s", req.Route, item.DrugName),
			Suggestion: "use one of: " + strings.Join(item.Routes, ", "),
		})
	}

	v.checkDose(&res, item, req)
	v.checkRenal(&res, item, req)

	if v.cfg.HighAlertWarnings && item.HighAlert {
		res.Warnings = append(res.Warnings, Issue{
			Code:       CodeHighAlertDrug,
			Kind:       "Warning",
			Message:    fmt.Sprintf("%s is a high-alert medication", item.DrugName),
			Suggestion: "independent double check required before administration",
		})
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// normalizedDose returns the requested dose in the formulary unit.
func normalizedDose(item knowledge.FormularyItem, req Request) (float64, bool) {
	unit := strings.TrimSpace(req.Unit)
	if unit == "" || strings.EqualFold(unit, item.Unit) {
		return req.Dose, true
	}
	if !dosage.Compatible(unit, item.Unit) {
		return 0, false
	}
	converted, err := dosage.ConvertUnits(req.Dose, unit, item.Unit)
	if err != nil {
		return 0, false
	}
	return converted.Value, true
}

func (v *Validator) checkDose(res *Result, item knowledge.FormularyItem, req Request) {
	dose, ok := normalizedDose(item, req)
	if !ok {
		res.Warnings = append(res.Warnings, Issue{
			Code:       CodeDoseUnitUncomparable,
			Kind:       medication.ErrorClass(medication.ErrUnsupportedUnit),
			Message:    fmt.Sprintf("dose unit %q cannot be compared with formulary unit %q", req.Unit, item.Unit),
			Suggestion: fmt.Sprintf("express the dose in %s to enable range checking", item.Unit),
		})
		return
	}
	// NaN fails both comparisons and is reported as out of range.
	if dose >= item.MinDose && dose <= item.MaxDose {
		return
	}
	res.Warnings = append(res.Warnings, Issue{
		Code: CodeDoseOutOfRange,
		Kind: "Warning",
		Message: fmt.Sprintf("dose %s %s is outside the usual range %s-%s %s",
			formatNumber(req.Dose), req.Unit, formatNumber(item.MinDose), formatNumber(item.MaxDose), item.Unit),
		Suggestion: "confirm the dose or adjust it into the usual range",
	})
}

func (v *Validator) checkRenal(res *Result, item knowledge.FormularyItem, req Request) {
	if req.CrCl == nil {
		return
	}
	crcl := *req.CrCl
	rule, band, ok := v.store.RenalBand(item.DrugCode, crcl)
	if !ok || !band.NeedsAdjustment(rule.NormalFrequency) {
		return
	}

	adj := &Adjustment{
		CrCl:            dosage.Round(crcl, 1),
		Band:            bandLabel(band),
		DoseFactor:      band.DoseFactor,
		Unit:            item.Unit,
		Frequency:       band.Frequency,
		Recommendation:  band.Recommendation,
		Contraindicated: band.Contraindicated,
	}
	if dose, ok := normalizedDose(item, req); ok && band.DoseFactor > 0 && !band.Contraindicated {
		suggested := dosage.Round(dose*band.DoseFactor, 2)
		adj.SuggestedDose = &suggested
	}
	res.SuggestedAdjustment = adj

	msg := fmt.Sprintf("CrCl %s mL/min falls in renal band %s for %s", formatNumber(adj.CrCl), adj.Band, item.DrugName)
	if band.Contraindicated {
		msg = fmt.Sprintf("%s is contraindicated at CrCl %s mL/min", item.DrugName, formatNumber(adj.CrCl))
	}
	res.Warnings = append(res.Warnings, Issue{
		Code:       CodeRenalAdjustment,
		Kind:       "Warning",
		Message:    msg,
		Suggestion: "adjust dose per renal recommendation: " + band.Recommendation,
	})
}

func bandLabel(b knowledge.RenalBand) string {
	if b.MaxCrCl == nil {
		return fmt.Sprintf("[%s, +inf)", formatNumber(b.MinCrCl))
	}
	return fmt.Sprintf("[%s, %s)", formatNumber(b.MinCrCl), formatNumber(*b.MaxCrCl))
}

func formatNumber(f float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", f), "0"), ".")
}
