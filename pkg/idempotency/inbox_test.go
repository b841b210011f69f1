package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

func TestGenerateKeyIsDeterministic(t *testing.T) {
	a := GenerateKey("ORD-1", "active", "evt-1")
	require.Equal(t, a, GenerateKey("ORD-1", "active", "evt-1"))
	require.Len(t, a, 64)
	require.NotEqual(t, a, GenerateKey("ORD-1", "completed", "evt-1"))
	require.NotEqual(t, GenerateKey("a", ""), GenerateKey("", "a"))
}

func TestIsTerminal(t *testing.T) {
	require.True(t, IsTerminal(fmt.Errorf("%w: order ORD-1", medication.ErrNotFound)))
	require.True(t, IsTerminal(fmt.Errorf("wrap: %w", medication.ErrStateConflict)))
	require.True(t, IsTerminal(medication.ErrInvalidInput))
	require.False(t, IsTerminal(medication.ErrSourceUnavailable))
	require.False(t, IsTerminal(errors.New("invalid connection")), "matching is by sentinel, not text")
}

func TestMemoryInboxRunsOnce(t *testing.T) {
	inbox := NewMemoryInbox()
	var calls atomic.Int32
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"ok":true}`), nil
	}

	res, err := inbox.Process(context.Background(), "k1", "test", nil, fn)
	require.NoError(t, err)
	require.True(t, res.IsNew)

	res, err = inbox.Process(context.Background(), "k1", "test", nil, fn)
	require.NoError(t, err)
	require.False(t, res.IsNew)
	require.JSONEq(t, `{"ok":true}`, string(res.Result))
	require.EqualValues(t, 1, calls.Load())
}

func TestMemoryInboxRetriesRecoverableFailures(t *testing.T) {
	inbox := NewMemoryInbox()
	attempt := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		attempt++
		if attempt == 1 {
			return nil, medication.ErrSourceUnavailable
		}
		return nil, nil
	}

	_, err := inbox.Process(context.Background(), "k", "test", nil, fn)
	require.ErrorIs(t, err, medication.ErrSourceUnavailable)
	status, _ := inbox.Status("k")
	require.Equal(t, StatusRecoverable, status)

	res, err := inbox.Process(context.Background(), "k", "test", nil, fn)
	require.NoError(t, err)
	require.True(t, res.WasRecovered)
	status, _ = inbox.Status("k")
	require.Equal(t, StatusFinished, status)
}

func TestMemoryInboxTerminalFailureSticks(t *testing.T) {
	inbox := NewMemoryInbox()
	var calls atomic.Int32
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, fmt.Errorf("%w: order ORD-9", medication.ErrNotFound)
	}

	_, err := inbox.Process(context.Background(), "k", "test", nil, fn)
	require.ErrorIs(t, err, medication.ErrNotFound)

	_, err = inbox.Process(context.Background(), "k", "test", nil, fn)
	require.ErrorIs(t, err, ErrPreviouslyFailed)
	require.EqualValues(t, 1, calls.Load())
}

func TestMemoryInboxConcurrentDeliveries(t *testing.T) {
	inbox := NewMemoryInbox()
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return nil, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		_, err := inbox.Process(context.Background(), "k", "test", nil, fn)
		errs <- err
	}()
	<-started
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := inbox.Process(context.Background(), "k", "test", nil, fn)
		require.ErrorIs(t, err, ErrMessageInProgress)
	}
	close(release)
	wg.Wait()
	require.NoError(t, <-errs)
	require.EqualValues(t, 1, calls.Load())
}

func TestDecide(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	timeout := 5 * time.Minute

	d, err := decide(nil, now, timeout)
	require.NoError(t, err)
	require.Equal(t, decideRun, d)

	d, err = decide(&InboxEntry{Status: StatusFinished}, now, timeout)
	require.NoError(t, err)
	require.Equal(t, decideReplay, d)

	_, err = decide(&InboxEntry{IdempotencyKey: "k", Status: StatusFailed}, now, timeout)
	require.ErrorIs(t, err, ErrPreviouslyFailed)

	_, err = decide(&InboxEntry{Status: StatusStarted, UpdatedAt: now.Add(-time.Minute)}, now, timeout)
	require.ErrorIs(t, err, ErrMessageInProgress)

	d, err = decide(&InboxEntry{Status: StatusStarted, UpdatedAt: now.Add(-10 * time.Minute)}, now, timeout)
	require.NoError(t, err)
	require.Equal(t, decideRun, d)

	d, err = decide(&InboxEntry{Status: StatusRecoverable}, now, timeout)
	require.NoError(t, err)
	require.Equal(t, decideRun, d)
}

func TestMemoryInboxTakesOverAbandonedEntry(t *testing.T) {
	inbox := NewMemoryInbox()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inbox.now = func() time.Time { return clock }
	inbox.entries["k"] = &InboxEntry{IdempotencyKey: "k", Status: StatusStarted, UpdatedAt: clock.Add(-time.Hour)}

	res, err := inbox.Process(context.Background(), "k", "test", nil, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	require.True(t, res.WasRecovered)
	require.True(t, res.Ran())
}
