package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ValidationVerdict("valid")
	m.CacheResult("rxnorm", true)
	m.ObserveGateway("create", time.Now())
	m.BreakerState("rxnorm", 1)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ValidationVerdict("invalid")
	m.ValidationVerdict("invalid")
	m.CacheResult("openfda", false)
	m.SubmissionOutcome("accepted")

	if got := testutil.ToFloat64(m.Validations.WithLabelValues("invalid")); got != 2 {
		t.Errorf("invalid validations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheRequests.WithLabelValues("openfda", "miss")); got != 1 {
		t.Errorf("cache misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Submissions.WithLabelValues("accepted")); got != 1 {
		t.Errorf("accepted submissions = %v, want 1", got)
	}
}
