package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
)

type fakePublisher struct {
	fail map[string]bool
	sent []*redpanda.Record
}

func (f *fakePublisher) PublishRecord(_ context.Context, rec *redpanda.Record) error {
	if f.fail[rec.Headers[HeaderOutboxID]] {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, rec)
	return nil
}

func entry(id int64, orderID, eventType string) *OutboxEntry {
	return &OutboxEntry{
		ID:          id,
		AggregateID: orderID,
		EventType:   eventType,
		Payload:     []byte(`{}`),
		KafkaTopic:  redpanda.TopicOrderEvents,
		KafkaKey:    orderID,
	}
}

func TestEntryRecord(t *testing.T) {
	rec := entry(42, "ORD-1", "OrderCreated").Record()
	require.Equal(t, redpanda.TopicOrderEvents, rec.Topic)
	require.Equal(t, "ORD-1", rec.Key)
	require.Equal(t, map[string]string{
		HeaderEventType: "OrderCreated",
		HeaderOrderID:   "ORD-1",
		HeaderOutboxID:  "42",
	}, rec.Headers)
}

func TestRelayBatchPublishesInOrder(t *testing.T) {
	pub := &fakePublisher{}
	out := relayBatch(context.Background(), pub, []*OutboxEntry{
		entry(1, "ORD-1", "OrderCreated"),
		entry(2, "ORD-2", "OrderCreated"),
		entry(3, "ORD-1", "OrderActivated"),
	})

	require.Equal(t, []int64{1, 2, 3}, out.Sent)
	require.Empty(t, out.Failed)
	require.Zero(t, out.Held)
	require.Len(t, pub.sent, 3)
}

func TestRelayBatchHoldsBackEventsOfAFailedOrder(t *testing.T) {
	pub := &fakePublisher{fail: map[string]bool{"1": true}}
	out := relayBatch(context.Background(), pub, []*OutboxEntry{
		entry(1, "ORD-1", "OrderCreated"),
		entry(2, "ORD-2", "OrderCreated"),
		entry(3, "ORD-1", "OrderActivated"),
		entry(4, "ORD-1", "OrderCompleted"),
	})

	require.Equal(t, []int64{2}, out.Sent)
	require.Len(t, out.Failed, 1)
	require.Contains(t, out.Failed, int64(1))
	require.Equal(t, 2, out.Held)
}

func TestNewDeadLetteredEvent(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	msg := "broker unavailable"
	e := entry(7, "ORD-7", "OrderDiscontinued")
	e.RetryCount = 5
	e.LastError = &msg
	e.CreatedAt = created

	d := newDeadLetteredEvent(e)
	require.Equal(t, int64(7), d.OutboxID)
	require.Equal(t, redpanda.TopicOrderEvents, d.OriginalTopic)
	require.Equal(t, "ORD-7", d.OrderID)
	require.Equal(t, 5, d.Attempts)
	require.Equal(t, msg, d.LastError)
	require.Equal(t, created, d.CreatedAt)

	e.LastError = nil
	require.Empty(t, newDeadLetteredEvent(e).LastError)
}
