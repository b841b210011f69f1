package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/domain/order"
	"github.com/drfirst/go-medsafe/internal/gateway"
	"github.com/drfirst/go-medsafe/internal/knowledge"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/internal/validation"
)

// countingGateway records calls before delegating to the in-memory HIS.
type countingGateway struct {
	next         gateway.OrderGateway
	creates      atomic.Int32
	discontinues atomic.Int32
	createErr    error
}

func (g *countingGateway) CreateOrder(ctx context.Context, req gateway.CreateRequest) (gateway.Result, error) {
	g.creates.Add(1)
	if g.createErr != nil {
		return gateway.Result{Message: "his unreachable"}, g.createErr
	}
	return g.next.CreateOrder(ctx, req)
}

func (g *countingGateway) DiscontinueOrder(ctx context.Context, orderID, reason string) (gateway.Result, error) {
	g.discontinues.Add(1)
	return g.next.DiscontinueOrder(ctx, orderID, reason)
}

type fixture struct {
	svc       *Service
	gw        *countingGateway
	his       *gateway.MockGateway
	repo      *order.MemoryRepository
	published atomic.Int32
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := knowledge.Load(context.Background(), knowledge.EmbeddedSource{}, nil)
	require.NoError(t, err)

	f := &fixture{his: gateway.NewMockGateway(nil), repo: order.NewMemoryRepository()}
	f.gw = &countingGateway{next: f.his}
	f.repo.Published = func(*order.Event) { f.published.Add(1) }
	f.svc = New(validation.New(validation.DefaultConfig(), store, nil, nil), f.gw, f.repo, nil, opts...)
	return f
}

func crcl(v float64) *float64 { return &v }

func vancomycin() SubmitRequest {
	return SubmitRequest{
		PatientID:    "P001",
		PrescriberID: "DR-7",
		DrugCode:     "VANCO-INJ",
		Dose:         1000,
		Unit:         "mg",
		Route:        "IV",
		Frequency:    "Q12H",
		DurationDays: 7,
		CrCl:         crcl(85),
	}
}

func TestSubmitCleanOrder(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Submit(context.Background(), vancomycin())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, order.StatusPending, res.Status)
	require.Regexp(t, `^ORD-\d{8}-[0-9A-F]{8}$`, res.OrderID)
	require.EqualValues(t, 1, f.gw.creates.Load())

	o, err := f.svc.Get(context.Background(), res.OrderID)
	require.NoError(t, err)
	require.Equal(t, "VANCO-INJ", o.DrugCode)
	require.Equal(t, order.StatusPending, o.Status)
	require.Empty(t, o.Warnings)
}

func TestSubmitUnknownDrugIsBlocked(t *testing.T) {
	f := newFixture(t)
	req := vancomycin()
	req.DrugCode = "NOPE-TAB"
	req.OverrideWarnings = true

	res, err := f.svc.Submit(context.Background(), req)
	require.ErrorIs(t, err, medication.ErrValidationBlocked)
	require.False(t, res.Success)
	require.Equal(t, "ValidationBlocked", res.ErrorClass)
	require.NotEmpty(t, res.Suggestion)
	require.Empty(t, res.Validation.Warnings)
	require.EqualValues(t, 0, f.gw.creates.Load())
	require.EqualValues(t, 0, f.published.Load())
}

func TestSubmitWarningsNeedAcknowledgment(t *testing.T) {
	f := newFixture(t)
	req := SubmitRequest{
		PatientID: "P002", PrescriberID: "DR-7", DrugCode: "KCL-INJ",
		Dose: 20, Unit: "mEq", Route: "IV", Frequency: "ONCE",
	}

	res, err := f.svc.Submit(context.Background(), req)
	require.ErrorIs(t, err, medication.ErrWarningsUnacknowledged)
	require.False(t, res.Success)
	require.Contains(t, res.Suggestion, "overrideWarnings=true")
	require.Empty(t, res.OrderID)
	require.EqualValues(t, 0, f.gw.creates.Load())

	req.OverrideWarnings = true
	req.OverrideReason = "hypokalemia, monitored infusion"
	res, err = f.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.EqualValues(t, 1, f.gw.creates.Load())

	o, err := f.svc.Get(context.Background(), res.OrderID)
	require.NoError(t, err)
	require.Equal(t, "hypokalemia, monitored infusion", o.OverrideReason)
	require.Len(t, o.Warnings, 1)
	require.Contains(t, o.Warnings[0], validation.CodeHighAlertDrug)
}

func TestSubmitDerivesCrClFromPatient(t *testing.T) {
	req := vancomycin()
	req.CrCl = nil

	f := newFixture(t)
	res, err := f.svc.Submit(context.Background(), req)
	require.NoError(t, err, "without patient data the renal check is skipped")
	require.True(t, res.Success)

	f = newFixture(t)
	f.svc = New(f.svc.validator, f.gw, f.repo, nil, WithPatientDirectory(f.his))
	res, err = f.svc.Submit(context.Background(), req)
	require.ErrorIs(t, err, medication.ErrWarningsUnacknowledged)
	require.NotNil(t, res.Validation.SuggestedAdjustment)
	require.Equal(t, "[10, 50)", res.Validation.SuggestedAdjustment.Band)
}

func TestSubmitGatewayFailureCreatesNoOrder(t *testing.T) {
	f := newFixture(t)
	f.gw.createErr = fmt.Errorf("%w: his: connection refused", medication.ErrSourceUnavailable)

	res, err := f.svc.Submit(context.Background(), vancomycin())
	require.ErrorIs(t, err, medication.ErrSourceUnavailable)
	require.False(t, res.Success)
	require.Empty(t, res.OrderID)
	require.Equal(t, []string{"his unreachable"}, res.Errors)
	require.EqualValues(t, 0, f.published.Load())
}

func TestSubmitGatewayRejection(t *testing.T) {
	f := newFixture(t)
	req := vancomycin()
	req.PatientID = "P404"

	res, err := f.svc.Submit(context.Background(), req)
	require.ErrorIs(t, err, medication.ErrNotFound)
	require.True(t, gateway.IsRejection(err))
	require.False(t, res.Success)
	require.EqualValues(t, 0, f.published.Load())
}

func TestSubmitRejectsIncompleteRequest(t *testing.T) {
	f := newFixture(t)
	req := vancomycin()
	req.PatientID = ""
	req.Route = " "

	res, err := f.svc.Submit(context.Background(), req)
	require.ErrorIs(t, err, medication.ErrInvalidInput)
	require.Contains(t, res.Errors[0], "patient_id, route")
	require.EqualValues(t, 0, f.gw.creates.Load())
}

func TestDiscontinue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	placed, err := f.svc.Submit(ctx, vancomycin())
	require.NoError(t, err)

	res, err := f.svc.Discontinue(ctx, placed.OrderID, "culture negative")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.DiscontinuedAt)
	stoppedAt := *res.DiscontinuedAt

	res, err = f.svc.Discontinue(ctx, placed.OrderID, "again")
	require.ErrorIs(t, err, medication.ErrStateConflict)
	require.False(t, res.Success)
	require.Equal(t, "StateConflict", res.ErrorClass)
	require.EqualValues(t, 1, f.gw.discontinues.Load())

	o, err := f.svc.Get(ctx, placed.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusDiscontinued, o.Status)
	require.Equal(t, stoppedAt, *o.DiscontinuedAt)
	require.Equal(t, "culture negative", o.DiscontinueReason)
}

func TestDiscontinueUnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Discontinue(context.Background(), "ORD-20260101-DEADBEEF", "stop")
	require.ErrorIs(t, err, medication.ErrNotFound)
	require.EqualValues(t, 0, f.gw.discontinues.Load())

	_, err = f.svc.Discontinue(context.Background(), "ORD-1", " ")
	require.ErrorIs(t, err, medication.ErrInvalidInput)
}

func TestConcurrentDiscontinueSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	placed, err := f.svc.Submit(ctx, vancomycin())
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		mu        sync.Mutex
		failures  []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Discontinue(ctx, placed.OrderID, "stop")
			if err == nil {
				successes.Add(1)
				return
			}
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, successes.Load())
	for _, err := range failures {
		require.True(t, errors.Is(err, medication.ErrStateConflict), "unexpected error %v", err)
	}
	o, err := f.svc.Get(ctx, placed.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusDiscontinued, o.Status)
	require.Equal(t, 2, o.Version)
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	placed, err := f.svc.Submit(ctx, vancomycin())
	require.NoError(t, err)

	o, err := f.svc.Activate(ctx, placed.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusActive, o.Status)

	_, err = f.svc.Cancel(ctx, placed.OrderID, "late")
	require.ErrorIs(t, err, medication.ErrStateConflict)

	o, err = f.svc.Complete(ctx, placed.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCompleted, o.Status)
	require.NotNil(t, o.ClosedAt)

	_, err = f.svc.Discontinue(ctx, placed.OrderID, "too late")
	require.ErrorIs(t, err, medication.ErrStateConflict)
	require.EqualValues(t, 0, f.gw.discontinues.Load())

	_, err = f.svc.Activate(ctx, "ORD-missing")
	require.ErrorIs(t, err, medication.ErrNotFound)
}

func TestOutcomesAreRecorded(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	f := newFixture(t, WithRecorder(m))
	ctx := context.Background()

	placed, err := f.svc.Submit(ctx, vancomycin())
	require.NoError(t, err)
	bad := vancomycin()
	bad.DrugCode = "NOPE"
	_, _ = f.svc.Submit(ctx, bad)
	_, _ = f.svc.Discontinue(ctx, placed.OrderID, "stop")
	_, _ = f.svc.Discontinue(ctx, placed.OrderID, "stop")

	require.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues(OutcomeAccepted)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues(OutcomeBlocked)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Discontinuations.WithLabelValues(OutcomeAccepted)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Discontinuations.WithLabelValues(OutcomeConflict)))
}
