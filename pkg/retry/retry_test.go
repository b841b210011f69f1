package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		AttemptTimeout:  time.Second,
	}
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	transient := errors.New("503")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(), nil, func(context.Context) (int, error) {
		calls++
		return 0, transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("err = %v, want transient", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastPolicy(), nil, func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("reset")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Do = %q, %v", v, err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	rejected := errors.New("unknown patient")
	p := fastPolicy()
	p.Permanent = func(err error) bool { return errors.Is(err, rejected) }

	calls := 0
	_, err := Do(context.Background(), p, nil, func(context.Context) (int, error) {
		calls++
		return 0, rejected
	})
	if !errors.Is(err, rejected) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	calls = 0
	_, err = Do(context.Background(), fastPolicy(), nil, func(context.Context) (int, error) {
		calls++
		return 0, Permanent(rejected)
	})
	if !errors.Is(err, rejected) || calls != 1 {
		t.Errorf("explicit Permanent: err=%v calls=%d", err, calls)
	}
}

func TestDoAppliesAttemptTimeout(t *testing.T) {
	p := fastPolicy()
	p.AttemptTimeout = 5 * time.Millisecond
	p.MaxAttempts = 2

	_, err := Do(context.Background(), p, nil, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, fastPolicy(), nil, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
