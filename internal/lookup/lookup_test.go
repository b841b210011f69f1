package lookup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/pkg/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		AttemptTimeout:  time.Second,
	}
}

func rxnormServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/drugs.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("name") != "warfarin" {
			_, _ = w.Write([]byte(`{"drugGroup":{"name":null}}`))
			return
		}
		_, _ = w.Write([]byte(`{"drugGroup":{"name":"warfarin","conceptGroup":[
			{"tty":"SCD","conceptProperties":[{"rxcui":"855332","name":"warfarin sodium 5 MG Oral Tablet","tty":"SCD"}]},
			{"tty":"IN","conceptProperties":[{"rxcui":"11289","name":"warfarin","tty":"IN"}]}]}}`))
	})
	mux.HandleFunc("/rxcui/11289/related.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"relatedGroup":{"conceptGroup":[{"tty":"IN","conceptProperties":[{"rxcui":"11289","name":"Warfarin"}]}]}}`))
	})
	mux.HandleFunc("/rxcui/11289/properties.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"properties":{"rxcui":"11289","name":"warfarin","tty":"IN"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRxNormResolveByName(t *testing.T) {
	srv := rxnormServer(t)
	client := NewRxNormClient(srv.URL, time.Second, nil)

	ref, err := client.ResolveDrug(context.Background(), "warfarin")
	require.NoError(t, err)
	require.Equal(t, "11289", ref.ID)
	require.Equal(t, "warfarin", ref.Name)
	require.Equal(t, []string{"warfarin"}, ref.Ingredients)
	require.Equal(t, SourceRxNorm, ref.Source)

	ref, err = client.ResolveDrug(context.Background(), "11289")
	require.NoError(t, err)
	require.Equal(t, "warfarin", ref.Name)

	_, err = client.ResolveDrug(context.Background(), "notadrug")
	require.ErrorIs(t, err, medication.ErrNotFound)
}

func TestOpenFDASignals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/drug/label.json" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("limit") != "1" {
			t.Errorf("limit = %q", r.URL.Query().Get("limit"))
		}
		_, _ = w.Write([]byte(`{"results":[{
			"drug_interactions":["Concomitant use with aspirin increases the risk of serious bleeding.", "Monitor INR with fluconazole."],
			"contraindications":[]
		}]}`))
	}))
	defer srv.Close()

	client := NewOpenFDAClient(srv.URL, "", time.Second, nil)
	signals, err := client.FetchInteractionSignals(context.Background(), "warfarin")
	require.NoError(t, err)
	require.Len(t, signals, 2)
	require.Equal(t, medication.SeverityMajor, signals[0].Severity)
	require.Equal(t, medication.SeverityModerate, signals[1].Severity)

	term, ok := signals[0].Mentions([]string{"ASA-TAB", "aspirin"})
	require.True(t, ok)
	require.Equal(t, "aspirin", term)
}

func TestOpenFDANoLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	signals, err := NewOpenFDAClient(srv.URL, "", time.Second, nil).FetchInteractionSignals(context.Background(), "zzz")
	require.NoError(t, err)
	require.Empty(t, signals)
}

func TestInferSeverity(t *testing.T) {
	require.Equal(t, medication.SeverityContraindicated, InferSeverity("Use is contraindicated with nitrates"))
	require.Equal(t, medication.SeverityMajor, InferSeverity("Avoid concomitant use"))
	require.Equal(t, medication.SeverityModerate, InferSeverity("Use caution"))
	require.Equal(t, medication.SeverityMinor, InferSeverity("May alter absorption"))
}

func TestServiceRetriesThenReportsUnavailable(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RxNormBaseURL = srv.URL
	cfg.OpenFDABaseURL = srv.URL
	cfg.Timeout = time.Second
	cfg.Retry = fastPolicy()

	svc, err := NewService(cfg, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = svc.FetchInteractionSignals(context.Background(), "warfarin")
	require.ErrorIs(t, err, medication.ErrSourceUnavailable)
	require.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

type fakeResolver struct {
	calls int32
	err   error
}

func (f *fakeResolver) ResolveDrug(_ context.Context, id string) (medication.DrugReference, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return medication.DrugReference{}, f.err
	}
	return medication.DrugReference{ID: id, Name: id, Source: "fake"}, nil
}

type fakeSignals struct{}

func (fakeSignals) FetchInteractionSignals(context.Context, string) ([]medication.InteractionSignal, error) {
	return nil, nil
}

func TestServiceDoesNotRetryNotFound(t *testing.T) {
	res := &fakeResolver{err: medication.ErrNotFound}
	svc, err := NewServiceWith(res, fakeSignals{}, fastPolicy(), nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = svc.ResolveDrug(context.Background(), "ghost")
	require.ErrorIs(t, err, medication.ErrNotFound)
	require.False(t, errors.Is(err, medication.ErrSourceUnavailable))
	require.EqualValues(t, 1, atomic.LoadInt32(&res.calls))
}

func TestServiceCachesResolvedDrugs(t *testing.T) {
	res := &fakeResolver{}
	svc, err := NewServiceWith(res, fakeSignals{}, fastPolicy(), nil, nil, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ref, err := svc.ResolveDrug(context.Background(), "Aspirin")
		require.NoError(t, err)
		require.Equal(t, "Aspirin", ref.ID)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&res.calls))
}

func TestRxNormSearchExactThenApproximate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/drugs.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("name") != "warfarin" {
			_, _ = w.Write([]byte(`{"drugGroup":{"name":null}}`))
			return
		}
		_, _ = w.Write([]byte(`{"drugGroup":{"name":"warfarin","conceptGroup":[
			{"tty":"IN","conceptProperties":[{"rxcui":"11289","name":"warfarin","tty":"IN"}]},
			{"tty":"SCD","conceptProperties":[
				{"rxcui":"855332","name":"warfarin sodium 5 MG Oral Tablet","tty":"SCD"},
				{"rxcui":"855318","name":"warfarin sodium 1 MG Oral Tablet","tty":"SCD"}]}]}}`))
	})
	mux.HandleFunc("/approximateTerm.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("maxEntries") != "5" {
			t.Errorf("maxEntries = %q", r.URL.Query().Get("maxEntries"))
		}
		_, _ = w.Write([]byte(`{"approximateGroup":{"candidate":[
			{"rxcui":"11289","name":"warfarin","source":"RXNORM"},
			{"rxcui":"11289","name":"warfarin","source":"RXNORM"},
			{"rxcui":"99999","name":"Coumadin","source":"MMSL"},
			{"rxcui":"202421","name":"Coumadin","source":"RXNORM"}]}}`))
	})
	mux.HandleFunc("/rxcui/11289/properties.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"properties":{"rxcui":"11289","name":"warfarin","tty":"IN"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewRxNormClient(srv.URL, time.Second, nil)
	ctx := context.Background()

	exact, err := client.SearchDrugs(ctx, "warfarin", 2)
	require.NoError(t, err)
	require.Len(t, exact, 2)
	require.Equal(t, DrugConcept{RxCUI: "11289", Name: "warfarin", TermType: "IN", Match: MatchExact}, exact[0])

	approx, err := client.SearchDrugs(ctx, "warfar", 5)
	require.NoError(t, err)
	require.Equal(t, []DrugConcept{
		{RxCUI: "11289", Name: "warfarin", Match: MatchApproximate},
		{RxCUI: "202421", Name: "Coumadin", Match: MatchApproximate},
	}, approx)

	byID, err := client.SearchDrugs(ctx, "11289", 0)
	require.NoError(t, err)
	require.Len(t, byID, 1)
	require.Equal(t, "warfarin", byID[0].Name)

	unknown, err := client.SearchDrugs(ctx, "424242", 0)
	require.NoError(t, err)
	require.Empty(t, unknown)

	_, err = client.SearchDrugs(ctx, "  ", 0)
	require.ErrorIs(t, err, medication.ErrInvalidInput)
}

func TestOpenFDAFetchLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !strings.Contains(r.URL.Query().Get("search"), `"warfarin"`) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{
			"boxed_warning":["WARNING: BLEEDING RISK"],
			"dosage_and_administration":["Individualize dosing based on INR."],
			"warnings_and_cautions":["Tissue necrosis."],
			"clinical_pharmacology":["Inhibits vitamin K dependent clotting factors."],
			"openfda":{"generic_name":["WARFARIN SODIUM"],"brand_name":["Coumadin"],"route":["ORAL"],"manufacturer_name":["Bristol-Myers Squibb"]}
		}]}`))
	}))
	defer srv.Close()

	client := NewOpenFDAClient(srv.URL, "", time.Second, nil)
	label, err := client.FetchLabel(context.Background(), "warfarin")
	require.NoError(t, err)
	require.Equal(t, "warfarin", label.Drug)
	require.Equal(t, []string{"Coumadin"}, label.BrandNames)
	require.Equal(t, []string{"ORAL"}, label.Dosage.Routes)
	require.Equal(t, []string{"Individualize dosing based on INR."}, label.Dosage.DosageAndAdministration)
	require.Equal(t, []string{"WARNING: BLEEDING RISK"}, label.Warnings.BoxedWarning)
	require.Equal(t, []string{"Tissue necrosis."}, label.Warnings.WarningsAndCautions)
	require.Len(t, label.Pharmacology.ClinicalPharmacology, 1)

	_, err = client.FetchLabel(context.Background(), "zzz")
	require.ErrorIs(t, err, medication.ErrNotFound)
}

type fakeReference struct {
	fakeResolver
	fakeSignals
	searches int32
	labels   int32
	labelErr error
}

func (f *fakeReference) SearchDrugs(_ context.Context, query string, limit int) ([]DrugConcept, error) {
	atomic.AddInt32(&f.searches, 1)
	return []DrugConcept{{RxCUI: "1", Name: query, Match: MatchExact}}, nil
}

func (f *fakeReference) FetchLabel(_ context.Context, drug string) (Label, error) {
	atomic.AddInt32(&f.labels, 1)
	if f.labelErr != nil {
		return Label{}, f.labelErr
	}
	return Label{Drug: drug, Warnings: LabelWarnings{BoxedWarning: []string{"boxed"}}}, nil
}

func TestServiceCachesSearchAndLabels(t *testing.T) {
	ref := &fakeReference{}
	svc, err := NewServiceWith(ref, ref, fastPolicy(), nil, nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		concepts, err := svc.SearchDrugs(ctx, "Warfarin", 5)
		require.NoError(t, err)
		require.Equal(t, "Warfarin", concepts[0].Name)

		label, err := svc.DrugLabel(ctx, "warfarin ")
		require.NoError(t, err)
		require.Equal(t, []string{"boxed"}, label.Warnings.BoxedWarning)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&ref.searches))
	require.EqualValues(t, 1, atomic.LoadInt32(&ref.labels))

	// A different limit is a different result set.
	_, err = svc.SearchDrugs(ctx, "warfarin", 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&ref.searches))
}

func TestServiceDrugLabelRetriesThenReportsUnavailable(t *testing.T) {
	ref := &fakeReference{labelErr: errors.New("connection reset")}
	svc, err := NewServiceWith(ref, ref, fastPolicy(), nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = svc.DrugLabel(context.Background(), "warfarin")
	require.ErrorIs(t, err, medication.ErrSourceUnavailable)
	require.EqualValues(t, 3, atomic.LoadInt32(&ref.labels))
}

func TestServiceDrugInfoNotesUnavailableLabel(t *testing.T) {
	ref := &fakeReference{labelErr: errors.New("connection reset")}
	svc, err := NewServiceWith(ref, ref, fastPolicy(), nil, nil, nil, nil)
	require.NoError(t, err)

	info, err := svc.DrugInfo(context.Background(), "warfarin")
	require.NoError(t, err)
	require.NotNil(t, info.RxNorm)
	require.Nil(t, info.Label)
	require.Len(t, info.Notes, 1)
	require.Contains(t, info.Notes[0], SourceOpenFDA)
}

func TestServiceWithoutSearchIsUnavailable(t *testing.T) {
	svc, err := NewServiceWith(&fakeResolver{}, fakeSignals{}, fastPolicy(), nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = svc.SearchDrugs(context.Background(), "warfarin", 5)
	require.ErrorIs(t, err, medication.ErrSourceUnavailable)
	_, err = svc.DrugLabel(context.Background(), "warfarin")
	require.ErrorIs(t, err, medication.ErrSourceUnavailable)
}
