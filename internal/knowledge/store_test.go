package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

func loadEmbedded(t *testing.T) *Store {
	t.Helper()
	store, err := Load(context.Background(), EmbeddedSource{}, nil)
	require.NoError(t, err)
	return store
}

func TestLoadEmbeddedBundle(t *testing.T) {
	store := loadEmbedded(t)

	item, ok := store.Formulary("genta-inj")
	require.True(t, ok)
	require.Equal(t, "GENTA-INJ", item.DrugCode)
	require.True(t, item.AllowsRoute("iv"))
	require.True(t, item.AllowsRoute("IM"))
	require.False(t, item.AllowsRoute("PO"))

	_, ok = store.Formulary("NONEXISTENT")
	require.False(t, ok)
}

func TestRenalBandContainment(t *testing.T) {
	store := loadEmbedded(t)

	cases := []struct {
		crcl       float64
		wantMin    float64
		wantAdjust bool
	}{
		{30.1, 10, true},
		{10, 10, true},
		{49.99, 10, true},
		{50, 50, false},
		{120, 50, false},
		{5, 0, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.crcl), func(t *testing.T) {
			rule, band, ok := store.RenalBand("VANCO-INJ", tc.crcl)
			require.True(t, ok)
			require.Equal(t, tc.wantMin, band.MinCrCl)
			require.Equal(t, tc.wantAdjust, band.NeedsAdjustment(rule.NormalFrequency))
		})
	}

	_, _, ok := store.RenalBand("WARF-TAB", 30)
	require.False(t, ok, "drug without a rule")

	_, band, ok := store.RenalBand("METFOR-TAB", 20)
	require.True(t, ok)
	require.True(t, band.Contraindicated)
}

func TestCuratedInteractionIsSymmetric(t *testing.T) {
	store := loadEmbedded(t)

	ab, ok := store.CuratedInteraction([]string{"warfarin"}, []string{"Aspirin"})
	require.True(t, ok)
	ba, ok := store.CuratedInteraction([]string{"aspirin"}, []string{"warfarin"})
	require.True(t, ok)
	require.Equal(t, ab, ba)
	require.Equal(t, medication.SeverityMajor, ab.Severity)
	require.Equal(t, "aspirin", ab.DrugA)
}

func TestCuratedInteractionMatchesDrugClasses(t *testing.T) {
	store := loadEmbedded(t)

	p, ok := store.CuratedInteraction([]string{"sildenafil"}, []string{"nitroglycerin"})
	require.True(t, ok)
	require.Equal(t, medication.SeverityContraindicated, p.Severity)

	p, ok = store.CuratedInteraction([]string{"IBU-TAB", "ibuprofen"}, []string{"lithium"})
	require.True(t, ok)
	require.Equal(t, "lithium", p.DrugA)
	require.Equal(t, "nsaids", p.DrugB)

	_, ok = store.CuratedInteraction([]string{"acetaminophen"}, []string{"omeprazole"})
	require.False(t, ok)
}

func TestSearchAndLists(t *testing.T) {
	store := loadEmbedded(t)

	res := store.SearchFormulary("vanco", 10)
	require.Len(t, res, 1)
	require.Equal(t, "VANCO-INJ", res[0].DrugCode)

	require.Len(t, store.SearchFormulary("", 3), 3)

	for _, item := range store.HighAlertDrugs() {
		require.True(t, item.HighAlert)
	}
	codes := map[string]bool{}
	for _, item := range store.RenalAdjustmentDrugs() {
		codes[item.DrugCode] = true
	}
	require.True(t, codes["VANCO-INJ"])
	require.True(t, codes["METFOR-TAB"])

	food := store.FoodInteractions([]string{"phenelzine"})
	require.NotEmpty(t, food)
	require.Equal(t, medication.SeverityContraindicated, food[0].Severity)
}

func writeBundle(t *testing.T, formulary, renal, interactions string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FormularyFile), []byte(formulary), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, RenalFile), []byte(renal), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, InteractionsFile), []byte(interactions), 0o600))
	return dir
}

const minimalFormulary = `
items:
  - drug_code: X-TAB
    drug_name: X
    generic_name: x
    unit: mg
    routes: [PO]
    min_dose: 1
    max_dose: 2
`

func TestLoadRejectsOverlappingBands(t *testing.T) {
	dir := writeBundle(t, minimalFormulary, `
rules:
  - drug_code: X-TAB
    bands:
      - {crcl_min: 0, crcl_max: 40, dose_factor: 0.5}
      - {crcl_min: 30, dose_factor: 1}
`, "pairs: []\n")

	_, err := Load(context.Background(), DirSource{Dir: dir}, nil)
	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	require.Contains(t, loadErr.Error(), "overlap")
}

func TestLoadRejectsEmptyBandAndBadSeverity(t *testing.T) {
	dir := writeBundle(t, minimalFormulary, `
rules:
  - drug_code: X-TAB
    bands:
      - {crcl_min: 40, crcl_max: 40}
`, `
pairs:
  - {drug_a: x, drug_b: y, severity: catastrophic}
`)

	_, err := Load(context.Background(), DirSource{Dir: dir}, nil)
	require.Error(t, err)
}

func TestLoadRejectsDuplicatePairInEitherOrder(t *testing.T) {
	dir := writeBundle(t, minimalFormulary, "rules: []\n", `
pairs:
  - {drug_a: x, drug_b: y, severity: minor}
  - {drug_a: Y, drug_b: x, severity: major}
`)

	_, err := Load(context.Background(), DirSource{Dir: dir}, nil)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	require.Len(t, loadErr.Problems, 1)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := writeBundle(t, `
items:
  - drug_code: X-TAB
    drug_name: X
    generic_name: x
    unit: mg
    routes: [PO]
    min_dose: 1
    max_dose: 2
    high_alret: true
`, `
rules:
  - drug_code: X-TAB
    bands:
      - {crcl_min: 0, crcl_max: 10, contraindicatd: true}
`, "pairs: []\n")

	_, err := Load(context.Background(), DirSource{Dir: dir}, nil)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	require.Contains(t, loadErr.Error(), "high_alret")
}

func TestLoadAcceptsEmptyDocument(t *testing.T) {
	dir := writeBundle(t, minimalFormulary, "", "pairs: []\n")
	store, err := Load(context.Background(), DirSource{Dir: dir}, nil)
	require.NoError(t, err)
	_, ok := store.RenalRule("X-TAB")
	require.False(t, ok)
}

func TestReturnedItemsDoNotAliasStore(t *testing.T) {
	store, err := Load(context.Background(), EmbeddedSource{}, nil)
	require.NoError(t, err)

	item, ok := store.Formulary("VANCO-INJ")
	require.True(t, ok)
	require.NotEmpty(t, item.Routes)
	original := item.Routes[0]
	item.Routes[0] = "XX"
	for _, f := range store.HighAlertDrugs() {
		if len(f.Routes) > 0 {
			f.Routes[0] = "XX"
		}
	}

	again, _ := store.Formulary("VANCO-INJ")
	require.Equal(t, original, again.Routes[0])
	for _, f := range store.HighAlertDrugs() {
		require.NotContains(t, f.Routes, "XX")
	}

	rule, ok := store.RenalRule("VANCO-INJ")
	require.True(t, ok)
	rule.Bands[0].MinCrCl = -1
	fresh, _ := store.RenalRule("VANCO-INJ")
	require.NotEqual(t, -1.0, fresh.Bands[0].MinCrCl)
}

func TestLoadMissingDocument(t *testing.T) {
	_, err := Load(context.Background(), DirSource{Dir: t.TempDir()}, nil)
	require.Error(t, err)
}

func TestParseSourceURI(t *testing.T) {
	src, err := ParseSourceURI("", ObjectStoreConfig{})
	require.NoError(t, err)
	require.Equal(t, "embedded", src.String())

	src, err = ParseSourceURI("dir:/etc/medsafe", ObjectStoreConfig{})
	require.NoError(t, err)
	require.Equal(t, "dir:/etc/medsafe", src.String())

	_, err = ParseSourceURI("s3://", ObjectStoreConfig{Endpoint: "localhost:9000"})
	require.Error(t, err, "bucket required")

	_, err = ParseSourceURI("ftp://x", ObjectStoreConfig{})
	require.Error(t, err)
}
