package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/domain/order"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
)

var (
	selectVersion = regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM order_events`)
	insertOrder   = regexp.QuoteMeta(`INSERT INTO order_events`)
	insertOutbox  = regexp.QuoteMeta(`INSERT INTO outbox`)
	selectEvents  = regexp.QuoteMeta(`FROM order_events`)
)

var eventColumns = []string{
	"id", "aggregate_id", "event_type", "event_data", "version", "timestamp",
	"prescriber_id", "patient_id", "correlation_id",
}

func newOrder(t *testing.T, id string) *order.Aggregate {
	t.Helper()
	agg := order.NewAggregate(id)
	require.NoError(t, agg.Create(&order.OrderCreatedData{
		PatientID:    "P001",
		PrescriberID: "DR-7",
		DrugCode:     "VANCO-INJ",
		DoseValue:    1000,
		DoseUnit:     "mg",
		Route:        "IV",
		Frequency:    "Q12H",
		DurationDays: 7,
	}))
	return agg
}

// storedOrder returns an order as loaded at version 1 together with the
// stored row of its creation event.
func storedOrder(t *testing.T, id string) (*order.Aggregate, *order.Event) {
	t.Helper()
	agg := newOrder(t, id)
	created := agg.Changes()[0]
	agg.ClearChanges()
	return agg, created
}

func eventRows(events ...*order.Event) *pgxmock.Rows {
	rows := pgxmock.NewRows(eventColumns)
	for _, e := range events {
		rows.AddRow(e.ID, e.AggregateID, e.EventType, e.EventData, e.Version, e.Timestamp,
			e.PrescriberID, e.PatientID, e.CorrelationID)
	}
	return rows
}

func newMockRepository(t *testing.T) (pgxmock.PgxPoolIface, *OrderRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewOrderRepository(mock, redpanda.TopicOrderEvents, nil)
}

func TestSaveWritesEventAndOutboxEntry(t *testing.T) {
	mock, repo := newMockRepository(t)
	agg := newOrder(t, "ORD-1")

	mock.ExpectBegin()
	mock.ExpectQuery(selectVersion).WithArgs("ORD-1").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectExec(insertOrder).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(insertOutbox).
		WithArgs("ORD-1", order.AggregateType, string(order.EventOrderCreated), pgxmock.AnyArg(), redpanda.TopicOrderEvents, "ORD-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(11), time.Now()))
	mock.ExpectCommit()

	require.NoError(t, repo.Save(context.Background(), agg))
	require.Empty(t, agg.Changes())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRejectsStaleVersion(t *testing.T) {
	mock, repo := newMockRepository(t)
	agg, _ := storedOrder(t, "ORD-2")
	require.NoError(t, agg.Discontinue("duplicate therapy"))

	mock.ExpectBegin()
	mock.ExpectQuery(selectVersion).WithArgs("ORD-2").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), agg)
	require.ErrorIs(t, err, medication.ErrStateConflict)
	require.Contains(t, err.Error(), "modified concurrently")
	require.Len(t, agg.Changes(), 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMapsUniqueViolationToConflict(t *testing.T) {
	mock, repo := newMockRepository(t)
	agg, _ := storedOrder(t, "ORD-3")
	require.NoError(t, agg.Discontinue("allergy"))

	mock.ExpectBegin()
	mock.ExpectQuery(selectVersion).WithArgs("ORD-3").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(insertOrder).WillReturnError(&pgconn.PgError{Code: uniqueViolation})
	mock.ExpectRollback()

	err := repo.Save(context.Background(), agg)
	require.ErrorIs(t, err, medication.ErrStateConflict)
	require.Contains(t, err.Error(), "already written")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRebuildsOrder(t *testing.T) {
	mock, repo := newMockRepository(t)
	_, created := storedOrder(t, "ORD-4")

	mock.ExpectQuery(selectEvents).WithArgs("ORD-4").WillReturnRows(eventRows(created))

	agg, err := repo.Load(context.Background(), "ORD-4")
	require.NoError(t, err)
	require.Equal(t, order.StatusPending, agg.Status())
	require.Equal(t, 1, agg.Version())
	require.Equal(t, "VANCO-INJ", agg.Snapshot().DrugCode)

	var data order.OrderCreatedData
	require.NoError(t, json.Unmarshal(created.EventData, &data))
	require.Equal(t, data.PatientID, agg.Snapshot().PatientID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadUnknownOrder(t *testing.T) {
	mock, repo := newMockRepository(t)
	mock.ExpectQuery(selectEvents).WithArgs("ORD-404").WillReturnRows(eventRows())

	_, err := repo.Load(context.Background(), "ORD-404")
	require.ErrorIs(t, err, medication.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
