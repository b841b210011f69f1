package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

func created(t *testing.T, id string) *Aggregate {
	t.Helper()
	agg := NewAggregate(id)
	require.NoError(t, agg.Create(&OrderCreatedData{
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

func TestCreateStartsPending(t *testing.T) {
	agg := created(t, "ORD-1")
	require.Equal(t, StatusPending, agg.Status())
	require.Equal(t, 1, agg.Version())
	require.Len(t, agg.Changes(), 1)
	require.Equal(t, EventOrderCreated, agg.Changes()[0].EventType)
	require.Equal(t, 1, agg.Changes()[0].Version)
	require.Equal(t, "P001", agg.Changes()[0].PatientID)

	err := agg.Create(&OrderCreatedData{})
	require.ErrorIs(t, err, medication.ErrStateConflict)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusDiscontinued, true},
		{StatusPending, StatusCompleted, false},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusDiscontinued, true},
		{StatusActive, StatusCancelled, false},
		{StatusCompleted, StatusDiscontinued, false},
		{StatusDiscontinued, StatusDiscontinued, false},
		{StatusCancelled, StatusActive, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	for _, s := range []Status{StatusCompleted, StatusDiscontinued, StatusCancelled} {
		require.True(t, s.IsTerminal())
	}
	require.False(t, StatusActive.IsTerminal())
}

func TestDiscontinueIsFinal(t *testing.T) {
	agg := created(t, "ORD-2")
	require.NoError(t, agg.Activate())
	require.NoError(t, agg.Discontinue("adverse reaction"))

	snap := agg.Snapshot()
	require.Equal(t, StatusDiscontinued, snap.Status)
	require.NotNil(t, snap.DiscontinuedAt)
	require.Equal(t, "adverse reaction", snap.DiscontinueReason)
	stoppedAt := *snap.DiscontinuedAt

	err := agg.Discontinue("again")
	require.ErrorIs(t, err, medication.ErrStateConflict)
	require.Equal(t, stoppedAt, *agg.Snapshot().DiscontinuedAt)
	require.Equal(t, "adverse reaction", agg.Snapshot().DiscontinueReason)
	require.Len(t, agg.Changes(), 3)

	require.ErrorIs(t, agg.Activate(), medication.ErrStateConflict)
	require.ErrorIs(t, agg.Complete(), medication.ErrStateConflict)
}

func TestTransitionOnEmptyAggregate(t *testing.T) {
	err := NewAggregate("ORD-X").Discontinue("x")
	require.ErrorIs(t, err, medication.ErrNotFound)
}

func TestLoadFromHistoryRebuildsState(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	restore := now
	now = func() time.Time { return fixed }
	defer func() { now = restore }()

	agg := created(t, "ORD-3")
	require.NoError(t, agg.Activate())
	require.NoError(t, agg.Complete())

	rebuilt, err := Rebuild("ORD-3", agg.Changes())
	require.NoError(t, err)
	require.Equal(t, agg.Snapshot(), rebuilt.Snapshot())
	require.Equal(t, StatusCompleted, rebuilt.Status())
	require.Equal(t, 3, rebuilt.Version())
	require.Empty(t, rebuilt.Changes())
	require.Equal(t, "VANCO-INJ", rebuilt.Snapshot().DrugCode)
	require.Equal(t, fixed, *rebuilt.Snapshot().ActivatedAt)
}

func TestRebuildEmptyStreamIsNotFound(t *testing.T) {
	_, err := Rebuild("ORD-none", nil)
	require.ErrorIs(t, err, medication.ErrNotFound)
}

func TestMemoryRepositoryOptimisticConcurrency(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	var published []EventType
	repo.Published = func(e *Event) { published = append(published, e.EventType) }

	require.NoError(t, repo.Save(ctx, created(t, "ORD-4")))

	first, err := repo.Load(ctx, "ORD-4")
	require.NoError(t, err)
	second, err := repo.Load(ctx, "ORD-4")
	require.NoError(t, err)

	require.NoError(t, first.Discontinue("stop"))
	require.NoError(t, second.Discontinue("stop too"))

	require.NoError(t, repo.Save(ctx, first))
	err = repo.Save(ctx, second)
	require.ErrorIs(t, err, medication.ErrStateConflict)

	stored, err := repo.Load(ctx, "ORD-4")
	require.NoError(t, err)
	require.Equal(t, StatusDiscontinued, stored.Status())
	require.Equal(t, "stop", stored.Snapshot().DiscontinueReason)
	require.Equal(t, []EventType{EventOrderCreated, EventOrderDiscontinued}, published)

	_, err = repo.Load(ctx, "missing")
	require.ErrorIs(t, err, medication.ErrNotFound)
}

func TestMemoryRepositoryConcurrentSaves(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, created(t, "ORD-5")))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		agg, err := repo.Load(ctx, "ORD-5")
		require.NoError(t, err)
		require.NoError(t, agg.Discontinue("stop"))
		wg.Add(1)
		go func(agg *Aggregate) {
			defer wg.Done()
			if repo.Save(ctx, agg) == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(agg)
	}
	wg.Wait()
	require.Equal(t, 1, successes)
}
