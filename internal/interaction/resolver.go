// Package interaction resolves drug-drug interactions by merging the local
// curated table with label evidence from the remote lookup. Every result
// names its provenance, and an unreachable remote source degrades the
// result instead of failing it.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/knowledge"
	"github.com/drfirst/go-medsafe/internal/lookup"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
)

// NoKnownInteraction is the mechanism reported when no source has evidence.
const NoKnownInteraction = "No known interaction"

const (
	maxRemoteExcerpts = 3
	maxExcerptLen     = 280
)

// Config controls remote evidence gathering.
type Config struct {
	// Parallelism bounds concurrent remote lookups per request.
	Parallelism int
	// RemoteEnabled turns openFDA label evidence on.
	RemoteEnabled bool
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Parallelism:   8,
		RemoteEnabled: true,
	}
}

// Resolver is safe for concurrent use.
type Resolver struct {
	cfg     Config
	store   *knowledge.Store
	remote  lookup.ExternalLookup
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a resolver. remote may be nil for local-only resolution.
func New(cfg Config, store *knowledge.Store, remote lookup.ExternalLookup, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Resolver{
		cfg:     cfg,
		store:   store,
		remote:  remote,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("interaction-resolver"),
	}
}

// profile is everything known about one drug of a request.
type profile struct {
	id      string
	query   string
	terms   []string
	signals []medication.InteractionSignal
	notes   []string
}

// Check resolves the interaction between two drugs. The result does not
// depend on argument order. Only empty identifiers and cancellation are
// errors; unreachable sources are reported in the result's notes.
func (r *Resolver) Check(ctx context.Context, drugA, drugB string) (medication.InteractionPair, error) {
	ctx, span := r.tracer.Start(ctx, "interaction.check",
		trace.WithAttributes(
			attribute.String("drug_a", drugA),
			attribute.String("drug_b", drugB),
		))
	defer span.End()

	profiles, err := r.profiles(ctx, []string{drugA, drugB})
	if err != nil {
		span.RecordError(err)
		return medication.InteractionPair{}, err
	}
	if len(profiles) < 2 {
		return medication.InteractionPair{}, fmt.Errorf("%w: a drug cannot be checked against itself", medication.ErrInvalidInput)
	}

	pair := r.pair(profiles[0], profiles[1])
	span.SetAttributes(
		attribute.String("severity", pair.Severity.String()),
		attribute.String("source", string(pair.Source)),
	)
	return pair, nil
}

// CheckMany resolves every unordered pair of distinct drugs exactly once
// and returns them most severe first. Repeated identifiers are collapsed.
func (r *Resolver) CheckMany(ctx context.Context, drugs []string) ([]medication.InteractionPair, error) {
	ctx, span := r.tracer.Start(ctx, "interaction.check_many",
		trace.WithAttributes(attribute.Int("drugs", len(drugs))))
	defer span.End()

	profiles, err := r.profiles(ctx, drugs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(profiles) < 2 {
		return nil, fmt.Errorf("%w: at least two distinct drugs are required", medication.ErrInvalidInput)
	}

	pairs := make([]medication.InteractionPair, 0, len(profiles)*(len(profiles)-1)/2)
	for i := 0; i < len(profiles); i++ {
		for j := i + 1; j < len(profiles); j++ {
			pairs = append(pairs, r.pair(profiles[i], profiles[j]))
		}
	}
	medication.SortPairs(pairs)

	span.SetAttributes(attribute.Int("pairs", len(pairs)))
	r.logger.Debug("interactions resolved",
		zap.Int("drugs", len(profiles)),
		zap.Int("pairs", len(pairs)))
	return pairs, nil
}

// FoodInteractions returns the curated food interactions for a drug.
func (r *Resolver) FoodInteractions(drug string) ([]knowledge.FoodInteraction, error) {
	id := strings.TrimSpace(drug)
	if id == "" {
		return nil, fmt.Errorf("%w: empty drug identifier", medication.ErrInvalidInput)
	}
	return r.store.FoodInteractions(r.localProfile(id).terms), nil
}

// profiles builds one profile per distinct identifier, in input order.
// Remote lookups run concurrently.
func (r *Resolver) profiles(ctx context.Context, drugs []string) ([]*profile, error) {
	seen := make(map[string]struct{}, len(drugs))
	var out []*profile
	for _, d := range drugs {
		id := strings.TrimSpace(d)
		if id == "" {
			return nil, fmt.Errorf("%w: empty drug identifier", medication.ErrInvalidInput)
		}
		key := medication.NormalizeTerm(id)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r.localProfile(id))
	}

	if r.remote == nil || !r.cfg.RemoteEnabled {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for _, p := range out {
		p := p
		g.Go(func() error {
			return r.enrich(gctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// localProfile derives terms from the identifier and the formulary.
func (r *Resolver) localProfile(id string) *profile {
	p := &profile{id: id, query: id}
	terms := []string{id}
	if item, ok := r.store.Formulary(id); ok {
		terms = append(terms, item.Terms()...)
		if item.GenericName != "" {
			p.query = item.GenericName
		}
	}
	p.terms = r.store.ExpandTerms(terms)
	return p
}

// enrich adds the resolved identity and label signals. Only cancellation
// is returned; every other failure becomes a note on the profile.
func (r *Resolver) enrich(ctx context.Context, p *profile) error {
	ref, err := r.remote.ResolveDrug(ctx, p.query)
	switch {
	case err == nil:
		p.terms = r.store.ExpandTerms(append(p.terms, ref.Terms()...))
		if !strings.EqualFold(ref.Name, p.query) && ref.Name != "" && p.query == p.id {
			p.query = ref.Name
		}
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, medication.ErrNotFound):
	default:
		p.notes = append(p.notes, unavailableNote(lookup.SourceRxNorm, p.id))
		r.logger.Warn("drug name resolution degraded",
			zap.String("drug", p.id),
			zap.String("error_class", medication.ErrorClass(err)),
			zap.Error(err))
	}

	signals, err := r.remote.FetchInteractionSignals(ctx, p.query)
	switch {
	case err == nil:
		p.signals = signals
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, medication.ErrNotFound):
	default:
		p.notes = append(p.notes, unavailableNote(lookup.SourceOpenFDA, p.id))
		r.logger.Warn("interaction evidence degraded",
			zap.String("drug", p.id),
			zap.String("error_class", medication.ErrorClass(err)),
			zap.Error(err))
	}
	return nil
}

func unavailableNote(source, drug string) string {
	return fmt.Sprintf("SourceUnavailable: %s data for %s could not be retrieved; result uses local data only", source, drug)
}

// remoteEvidence is what the label signals of two drugs say about each other.
type remoteEvidence struct {
	severity medication.Severity
	excerpts []string
	sources  []string
}

func (e remoteEvidence) found() bool { return len(e.excerpts) > 0 }

// gather collects signals of one drug that mention the other.
func (e *remoteEvidence) gather(from, about *profile) {
	for _, s := range from.signals {
		term, ok := s.Mentions(about.terms)
		if !ok {
			continue
		}
		e.severity = e.severity.Max(s.Severity)
		if len(e.excerpts) < maxRemoteExcerpts {
			e.excerpts = append(e.excerpts, excerpt(s.Text))
		}
		e.sources = append(e.sources, fmt.Sprintf("%s label for %s (%s, mentions %s)", s.Source, from.id, s.Section, term))
	}
}

func excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxExcerptLen {
		return text
	}
	cut := strings.LastIndex(text[:maxExcerptLen], " ")
	if cut <= 0 {
		cut = maxExcerptLen
	}
	return text[:cut] + "..."
}

// pair merges local and remote evidence for two profiles.
func (r *Resolver) pair(a, b *profile) medication.InteractionPair {
	if medication.NormalizeTerm(b.id) < medication.NormalizeTerm(a.id) {
		a, b = b, a
	}

	result := medication.InteractionPair{
		DrugA:    a.id,
		DrugB:    b.id,
		Severity: medication.SeverityNone,
	}
	result.Notes = append(result.Notes, a.notes...)
	result.Notes = append(result.Notes, b.notes...)
	result.Degraded = len(result.Notes) > 0

	local, hasLocal := r.store.CuratedInteraction(a.terms, b.terms)

	remote := remoteEvidence{severity: medication.SeverityNone}
	remote.gather(a, b)
	remote.gather(b, a)
	sort.Strings(remote.sources)

	switch {
	case hasLocal && remote.found():
		result.Severity = local.Severity.Max(remote.severity)
		result.Mechanism = local.Mechanism + " | Label: " + strings.Join(remote.excerpts, " | ")
		result.Management = local.Management
		result.Source = medication.SourceMerged
		result.Notes = append(result.Notes,
			fmt.Sprintf("local: curated pair %s/%s (%s)", local.DrugA, local.DrugB, local.Severity))
		result.Notes = append(result.Notes, prefixed("remote: ", remote.sources)...)
	case hasLocal:
		result.Severity = local.Severity
		result.Mechanism = local.Mechanism
		result.Management = local.Management
		result.Source = medication.SourceLocal
		result.Notes = append(result.Notes,
			fmt.Sprintf("local: curated pair %s/%s (%s)", local.DrugA, local.DrugB, local.Severity))
	case remote.found():
		result.Severity = remote.severity
		result.Mechanism = strings.Join(remote.excerpts, " | ")
		result.Management = "Review the product labeling before co-administration."
		result.Source = medication.SourceRemote
		result.Notes = append(result.Notes, prefixed("remote: ", remote.sources)...)
	default:
		result.Mechanism = NoKnownInteraction
		result.Source = medication.SourceNone
	}

	r.metrics.InteractionResolved(string(result.Source))
	return result
}

func prefixed(prefix string, items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = prefix + s
	}
	return out
}
