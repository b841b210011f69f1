package order

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

// Repository persists order aggregates as event streams. Save must reject
// a stream whose stored version moved since the aggregate was loaded, with
// an error wrapping medication.ErrStateConflict.
type Repository interface {
	Save(ctx context.Context, agg *Aggregate) error
	Load(ctx context.Context, id string) (*Aggregate, error)
}

// Rebuild creates an aggregate from a stored stream.
func Rebuild(id string, events []*Event) (*Aggregate, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: order %s", medication.ErrNotFound, id)
	}
	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

// ExpectedVersion is the stored version the aggregate was loaded at.
func ExpectedVersion(agg *Aggregate) int {
	return agg.Version() - len(agg.Changes())
}

// MemoryRepository keeps event streams in process. It backs the engine when
// no database is configured and in tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	streams map[string][]*Event
	// Published receives every committed event, in commit order, when set.
	Published func(*Event)
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{streams: make(map[string][]*Event)}
}

// Save appends the aggregate's changes if the stream is still at the
// version the aggregate was loaded from.
func (r *MemoryRepository) Save(_ context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	r.mu.Lock()
	stream := r.streams[agg.ID()]
	if expected := ExpectedVersion(agg); len(stream) != expected {
		r.mu.Unlock()
		return fmt.Errorf("%w: order %s was modified concurrently (stored version %d, expected %d)",
			medication.ErrStateConflict, agg.ID(), len(stream), expected)
	}
	committed := make([]*Event, 0, len(changes))
	for _, e := range changes {
		cp := *e
		cp.EventData = append(json.RawMessage(nil), e.EventData...)
		committed = append(committed, &cp)
	}
	r.streams[agg.ID()] = append(stream, committed...)
	publish := r.Published
	r.mu.Unlock()

	if publish != nil {
		for _, e := range committed {
			publish(e)
		}
	}
	agg.ClearChanges()
	return nil
}

// Load rebuilds the aggregate from its stream.
func (r *MemoryRepository) Load(_ context.Context, id string) (*Aggregate, error) {
	r.mu.RLock()
	stream := append([]*Event(nil), r.streams[id]...)
	r.mu.RUnlock()
	return Rebuild(id, stream)
}
