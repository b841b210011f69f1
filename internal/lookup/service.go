package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/cache"
	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
	"github.com/drfirst/go-medsafe/pkg/retry"
)

// Resolver resolves drug identities. RxNormClient implements it.
type Resolver interface {
	ResolveDrug(ctx context.Context, identifier string) (medication.DrugReference, error)
}

// SignalSource fetches interaction evidence. OpenFDAClient implements it.
type SignalSource interface {
	FetchInteractionSignals(ctx context.Context, drug string) ([]medication.InteractionSignal, error)
}

// Config holds the remote source settings.
type Config struct {
	RxNormBaseURL  string
	OpenFDABaseURL string
	OpenFDAAPIKey  string
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	Retry   retry.Policy
}

// DefaultConfig returns the public NLM and FDA endpoints.
func DefaultConfig() Config {
	return Config{
		RxNormBaseURL:  "https://rxnav.nlm.nih.gov/REST",
		OpenFDABaseURL: "https://api.fda.gov",
		Timeout:        30 * time.Second,
		Retry:          retry.DefaultPolicy(),
	}
}

// Service is the cached, retried and breaker-guarded ExternalLookup.
// Errors other than NotFound and InvalidInput are reported as
// medication.ErrSourceUnavailable once retries are exhausted.
type Service struct {
	resolver Resolver
	signals  SignalSource
	searcher DrugSearcher
	labels   LabelSource
	cache    *cache.Cache
	policy   retry.Policy
	rxBreak  *circuitbreaker.CircuitBreaker
	fdaBreak *circuitbreaker.CircuitBreaker
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

var _ ExternalLookup = (*Service)(nil)

// NewService builds the lookup service from the HTTP clients for cfg.
func NewService(cfg Config, c *cache.Cache, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	return NewServiceWith(
		NewRxNormClient(cfg.RxNormBaseURL, cfg.Timeout, logger),
		NewOpenFDAClient(cfg.OpenFDABaseURL, cfg.OpenFDAAPIKey, cfg.Timeout, logger),
		cfg.Retry, c, breakers, m, logger)
}

// NewServiceWith wires explicit resolver and signal sources. Drug search
// and label lookups are served when resolver implements DrugSearcher and
// signals implements LabelSource.
func NewServiceWith(resolver Resolver, signals SignalSource, policy retry.Policy, c *cache.Cache, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = cache.New(cache.DefaultConfig(), nil, m, logger)
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}
	policy.Permanent = func(err error) bool {
		return isPermanent(err) || circuitbreaker.IsOpenError(err)
	}

	breakerCfg := func() circuitbreaker.Config {
		cfg := circuitbreaker.DefaultConfig("")
		cfg.IsSuccessful = healthNeutral
		cfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
			m.BreakerState(name, circuitbreaker.StateValue(to))
		}
		return cfg
	}
	rxBreak, err := breakers.GetOrCreate(SourceRxNorm, breakerCfg())
	if err != nil {
		return nil, fmt.Errorf("rxnorm breaker: %w", err)
	}
	fdaBreak, err := breakers.GetOrCreate(SourceOpenFDA, breakerCfg())
	if err != nil {
		return nil, fmt.Errorf("openfda breaker: %w", err)
	}

	searcher, _ := resolver.(DrugSearcher)
	labels, _ := signals.(LabelSource)

	return &Service{
		resolver: resolver,
		signals:  signals,
		searcher: searcher,
		labels:   labels,
		cache:    c,
		policy:   policy,
		rxBreak:  rxBreak,
		fdaBreak: fdaBreak,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("lookup"),
	}, nil
}

// ResolveDrug resolves through the cache and RxNorm.
func (s *Service) ResolveDrug(ctx context.Context, identifier string) (medication.DrugReference, error) {
	ctx, span := s.tracer.Start(ctx, "lookup.resolve_drug",
		trace.WithAttributes(attribute.String("drug", identifier)))
	defer span.End()

	key := medication.NormalizeTerm(identifier)
	ref, err := guarded(ctx, s, s.rxBreak, cache.NamespaceRxNorm, key, func(ctx context.Context) (medication.DrugReference, error) {
		return s.resolver.ResolveDrug(ctx, identifier)
	})
	if err != nil {
		span.RecordError(err)
		return medication.DrugReference{}, s.classify(SourceRxNorm, identifier, err)
	}
	return ref, nil
}

// FetchInteractionSignals fetches through the cache and openFDA.
func (s *Service) FetchInteractionSignals(ctx context.Context, drug string) ([]medication.InteractionSignal, error) {
	ctx, span := s.tracer.Start(ctx, "lookup.interaction_signals",
		trace.WithAttributes(attribute.String("drug", drug)))
	defer span.End()

	key := medication.NormalizeTerm(drug)
	signals, err := guarded(ctx, s, s.fdaBreak, cache.NamespaceOpenFDA, key, func(ctx context.Context) ([]medication.InteractionSignal, error) {
		return s.signals.FetchInteractionSignals(ctx, drug)
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.classify(SourceOpenFDA, drug, err)
	}
	span.SetAttributes(attribute.Int("signals", len(signals)))
	return signals, nil
}

// SearchDrugs searches RxNorm through the cache.
func (s *Service) SearchDrugs(ctx context.Context, query string, limit int) ([]DrugConcept, error) {
	if s.searcher == nil {
		return nil, fmt.Errorf("%w: drug search is not configured", medication.ErrSourceUnavailable)
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	ctx, span := s.tracer.Start(ctx, "lookup.search_drugs",
		trace.WithAttributes(attribute.String("query", query), attribute.Int("limit", limit)))
	defer span.End()

	key := fmt.Sprintf("search:%s:%d", medication.NormalizeTerm(query), limit)
	concepts, err := guarded(ctx, s, s.rxBreak, cache.NamespaceRxNorm, key, func(ctx context.Context) ([]DrugConcept, error) {
		return s.searcher.SearchDrugs(ctx, query, limit)
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.classify(SourceRxNorm, query, err)
	}
	span.SetAttributes(attribute.Int("concepts", len(concepts)))
	return concepts, nil
}

// DrugLabel fetches the openFDA label through the cache.
func (s *Service) DrugLabel(ctx context.Context, drug string) (Label, error) {
	if s.labels == nil {
		return Label{}, fmt.Errorf("%w: label lookup is not configured", medication.ErrSourceUnavailable)
	}
	ctx, span := s.tracer.Start(ctx, "lookup.drug_label",
		trace.WithAttributes(attribute.String("drug", drug)))
	defer span.End()

	key := "label:" + medication.NormalizeTerm(drug)
	label, err := guarded(ctx, s, s.fdaBreak, cache.NamespaceOpenFDA, key, func(ctx context.Context) (Label, error) {
		return s.labels.FetchLabel(ctx, drug)
	})
	if err != nil {
		span.RecordError(err)
		return Label{}, s.classify(SourceOpenFDA, drug, err)
	}
	return label, nil
}

// DrugInfo combines the best RxNorm concept and the label of a drug.
type DrugInfo struct {
	Drug   string       `json:"drug"`
	RxNorm *DrugConcept `json:"rxnorm,omitempty"`
	Label  *Label       `json:"label,omitempty"`
	Notes  []string     `json:"notes,omitempty"`
}

// DrugInfo reports whatever the two sources know about drug. A source
// that is down is noted; the call fails only when neither answered.
func (s *Service) DrugInfo(ctx context.Context, drug string) (DrugInfo, error) {
	info := DrugInfo{Drug: strings.TrimSpace(drug)}
	if info.Drug == "" {
		return info, fmt.Errorf("%w: empty drug name", medication.ErrInvalidInput)
	}

	concepts, searchErr := s.SearchDrugs(ctx, info.Drug, 1)
	switch {
	case searchErr == nil && len(concepts) > 0:
		info.RxNorm = &concepts[0]
	case searchErr != nil:
		info.Notes = append(info.Notes, fmt.Sprintf("%s: %v", SourceRxNorm, searchErr))
	}

	label, labelErr := s.DrugLabel(ctx, info.Drug)
	switch {
	case labelErr == nil:
		info.Label = &label
	case errors.Is(labelErr, medication.ErrNotFound):
		labelErr = nil
	default:
		info.Notes = append(info.Notes, fmt.Sprintf("%s: %v", SourceOpenFDA, labelErr))
	}

	if info.RxNorm == nil && info.Label == nil {
		if searchErr != nil {
			return info, searchErr
		}
		if labelErr != nil {
			return info, labelErr
		}
		return info, fmt.Errorf("%w: no reference data for %q", medication.ErrNotFound, info.Drug)
	}
	return info, nil
}

// guarded runs call through the cache, the retry policy and the breaker.
func guarded[T any](ctx context.Context, s *Service, cb *circuitbreaker.CircuitBreaker, namespace, key string, call func(context.Context) (T, error)) (T, error) {
	return cache.Fetch(ctx, s.cache, namespace, key, func(ctx context.Context) (T, error) {
		return retry.Do(ctx, s.policy, s.logger, func(ctx context.Context) (T, error) {
			return circuitbreaker.Call(ctx, cb, func() (T, error) {
				return call(ctx)
			})
		})
	})
}

func (s *Service) classify(source, drug string, err error) error {
	if errors.Is(err, medication.ErrNotFound) || errors.Is(err, medication.ErrInvalidInput) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.metrics.LookupFailed(source)
	s.logger.Warn("remote lookup unavailable",
		zap.String("source", source),
		zap.String("drug", drug),
		zap.Error(err))
	return fmt.Errorf("%w: %s: %v", medication.ErrSourceUnavailable, source, err)
}
