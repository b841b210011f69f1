package orderevents

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/domain/order"
	"github.com/drfirst/go-medsafe/internal/gateway"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsafe/internal/knowledge"
	"github.com/drfirst/go-medsafe/internal/lifecycle"
	"github.com/drfirst/go-medsafe/internal/validation"
	"github.com/drfirst/go-medsafe/pkg/idempotency"
	"github.com/drfirst/go-medsafe/pkg/workerpool"
)

type fixture struct {
	svc     *lifecycle.Service
	inbox   *idempotency.MemoryInbox
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := knowledge.Load(context.Background(), knowledge.EmbeddedSource{}, nil)
	require.NoError(t, err)

	svc := lifecycle.New(validation.New(validation.DefaultConfig(), store, nil, nil),
		gateway.NewMockGateway(nil), order.NewMemoryRepository(), nil)
	inbox := idempotency.NewMemoryInbox()
	return &fixture{svc: svc, inbox: inbox, handler: NewHandler(svc, inbox, nil)}
}

func (f *fixture) submit(t *testing.T) string {
	t.Helper()
	crcl := 85.0
	res, err := f.svc.Submit(context.Background(), lifecycle.SubmitRequest{
		PatientID:        "P001",
		PrescriberID:     "DR-7",
		DrugCode:         "VANCO-INJ",
		Dose:             1000,
		Unit:             "mg",
		Route:            "IV",
		Frequency:        "Q12H",
		DurationDays:     7,
		CrCl:             &crcl,
		OverrideWarnings: true,
		OverrideReason:   "reviewed",
	})
	require.NoError(t, err)
	return res.OrderID
}

func report(orderID, status, eventID string) StatusMessage {
	return StatusMessage{EventID: eventID, OrderID: orderID, Status: status, OccurredAt: time.Now().UTC()}
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"event_id":"e1","order_id":"ORD-1","status":"Active"}`))
	require.NoError(t, err)
	target, err := msg.Target()
	require.NoError(t, err)
	require.Equal(t, order.StatusActive, target)

	_, err = Decode([]byte(`{"order_id":"ORD-1","status":"discontinued"}`))
	require.ErrorIs(t, err, medication.ErrInvalidInput)

	_, err = Decode([]byte(`{"status":"active"}`))
	require.ErrorIs(t, err, medication.ErrInvalidInput)

	_, err = Decode([]byte(`not json`))
	require.ErrorIs(t, err, medication.ErrInvalidInput)
}

func TestKeyDependsOnEvent(t *testing.T) {
	a := report("ORD-1", "active", "e1")
	b := report("ORD-1", "ACTIVE", "e1")
	c := report("ORD-1", "active", "e2")
	require.Equal(t, a.Key(), b.Key())
	require.NotEqual(t, a.Key(), c.Key())
}

func TestHandleAppliesOnce(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t)
	ctx := context.Background()

	outcome, err := f.handler.Handle(ctx, report(id, "active", "e1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	outcome, err = f.handler.Handle(ctx, report(id, "active", "e1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)

	o, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, order.StatusActive, o.Status)
	require.Equal(t, 2, o.Version)
}

func TestHandleSameStatusFromNewEvent(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t)
	ctx := context.Background()

	_, err := f.handler.Handle(ctx, report(id, "active", "e1"))
	require.NoError(t, err)

	outcome, err := f.handler.Handle(ctx, report(id, "active", "e2"))
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, outcome)
}

func TestHandleFullLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t)
	ctx := context.Background()

	_, err := f.handler.Handle(ctx, report(id, "active", "e1"))
	require.NoError(t, err)
	_, err = f.handler.Handle(ctx, report(id, "completed", "e2"))
	require.NoError(t, err)

	o, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, order.StatusCompleted, o.Status)
	require.NotNil(t, o.ClosedAt)
}

func TestHandleInvalidTransitionFailsPermanently(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t)
	ctx := context.Background()

	msg := report(id, "completed", "e1")
	_, err := f.handler.Handle(ctx, msg)
	require.ErrorIs(t, err, medication.ErrStateConflict)
	require.True(t, Permanent(err))

	status, ok := f.inbox.Status(msg.Key())
	require.True(t, ok)
	require.Equal(t, idempotency.StatusFailed, status)

	_, err = f.handler.Handle(ctx, msg)
	require.ErrorIs(t, err, idempotency.ErrPreviouslyFailed)
	require.True(t, Permanent(err))
}

func TestHandleUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.handler.Handle(context.Background(), report("ORD-NOPE", "cancelled", "e1"))
	require.ErrorIs(t, err, medication.ErrNotFound)
	require.True(t, Permanent(err))
}

func TestPermanent(t *testing.T) {
	require.False(t, Permanent(errors.New("timeout")))
	require.False(t, Permanent(idempotency.ErrMessageInProgress))
}

func TestConsumerHandlerRunsThroughPool(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t)

	cfg := workerpool.DefaultConfig()
	cfg.Workers = 2
	cfg.RetryDelay = time.Millisecond
	var runs atomic.Int32
	handle := WorkerFunc(f.handler)
	pool, err := workerpool.New(PoolConfig(cfg), func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		runs.Add(1)
		return handle(ctx, task)
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	consume := ConsumerHandler(pool, nil)
	ctx := context.Background()

	err = consume(ctx, &redpanda.ConsumedMessage{
		Value: []byte(`{"event_id":"e1","order_id":"` + id + `","status":"cancelled","reason":"patient transferred"}`),
	})
	require.NoError(t, err)

	o, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, order.StatusCancelled, o.Status)

	// Cancelled is terminal: activating fails without retries.
	err = consume(ctx, &redpanda.ConsumedMessage{
		Value: []byte(`{"event_id":"e2","order_id":"` + id + `","status":"active"}`),
	})
	require.ErrorIs(t, err, medication.ErrStateConflict)
	require.EqualValues(t, 2, runs.Load())

	err = consume(ctx, &redpanda.ConsumedMessage{Value: []byte(`{}`)})
	require.ErrorIs(t, err, medication.ErrInvalidInput)
	require.EqualValues(t, 2, runs.Load())
}
