// Package lookup resolves drugs and fetches remote interaction evidence from
// RxNorm and openFDA. Remote calls are cached, retried with capped
// exponential backoff, and guarded by a circuit breaker per source.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

// ExternalLookup is the remote reference data the engine consumes.
type ExternalLookup interface {
	// ResolveDrug maps an identifier or name onto a DrugReference.
	ResolveDrug(ctx context.Context, identifier string) (medication.DrugReference, error)
	// FetchInteractionSignals returns remote interaction evidence for a drug.
	FetchInteractionSignals(ctx context.Context, drug string) ([]medication.InteractionSignal, error)
}

// Source names.
const (
	SourceRxNorm  = "rxnorm"
	SourceOpenFDA = "openfda"
)

// HTTPError is a non-2xx answer from a remote source.
type HTTPError struct {
	Source     string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.Source, e.StatusCode)
}

// Retryable reports whether the status indicates a transient condition.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// isPermanent reports errors that retrying cannot fix.
func isPermanent(err error) bool {
	if errors.Is(err, medication.ErrNotFound) || errors.Is(err, medication.ErrInvalidInput) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.Retryable()
	}
	return false
}

// healthNeutral reports errors that say nothing about remote health.
func healthNeutral(err error) bool {
	return errors.Is(err, medication.ErrNotFound) || errors.Is(err, medication.ErrInvalidInput)
}
