package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUnknownDrug = errors.New("unknown drug")

func testConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.FailureThreshold = 2
	cfg.MinRequests = 100
	cfg.Timeout = time.Hour
	return cfg
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := testConfig("rxnorm")
	cfg.OnStateChange = func(_ string, _, to State) { transitions = append(transitions, to) }

	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	fail := func() (interface{}, error) { return nil, errors.New("503") }
	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(context.Background(), fail)
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	_, err = cb.Execute(context.Background(), func() (interface{}, error) { return "ok", nil })
	if !IsOpenError(err) {
		t.Errorf("expected open-state error, got %v", err)
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
	if StateValue(cb.State()) != 1 {
		t.Errorf("gauge value = %v", StateValue(cb.State()))
	}
}

func TestBreakerIgnoresClassifiedErrors(t *testing.T) {
	cfg := testConfig("openfda")
	cfg.IsSuccessful = func(err error) bool { return errors.Is(err, errUnknownDrug) }
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func() (interface{}, error) { return nil, errUnknownDrug })
		if !errors.Is(err, errUnknownDrug) {
			t.Fatalf("err = %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCallReturnsTypedResult(t *testing.T) {
	cb, err := New(testConfig("gateway"), nil)
	if err != nil {
		t.Fatal(err)
	}
	v, err := Call(context.Background(), cb, func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("Call = %d, %v", v, err)
	}
}

func TestManagerHealthIsSortedAndReflectsState(t *testing.T) {
	m := NewManager(nil)
	first, err := m.GetOrCreate("rxnorm", testConfig(""))
	if err != nil {
		t.Fatal(err)
	}
	again, err := m.GetOrCreate("rxnorm", testConfig(""))
	if err != nil {
		t.Fatal(err)
	}
	if again != first {
		t.Fatal("expected the registered breaker to be reused")
	}
	gw, err := m.GetOrCreate("gateway", testConfig(""))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		_, _ = gw.Execute(context.Background(), func() (interface{}, error) { return nil, errors.New("timeout") })
	}

	statuses := m.Health()
	if len(statuses) != 2 {
		t.Fatalf("statuses = %+v", statuses)
	}
	if statuses[0].Name != "gateway" || statuses[0].Healthy || statuses[0].State != StateOpen {
		t.Errorf("gateway = %+v", statuses[0])
	}
	if statuses[1].Name != "rxnorm" || !statuses[1].Healthy {
		t.Errorf("rxnorm = %+v", statuses[1])
	}
	if _, ok := m.Get("openfda"); ok {
		t.Error("unexpected breaker for openfda")
	}
}
