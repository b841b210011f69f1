package lookup

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

// Label sections scanned for interaction evidence.
const (
	SectionDrugInteractions  = "drug_interactions"
	SectionContraindications = "contraindications"
	SectionBoxedWarning      = "boxed_warning"
)

// OpenFDAClient reads structured product labels from api.fda.gov.
type OpenFDAClient struct {
	http   *resty.Client
	apiKey string
	logger *zap.Logger
}

type fdaLabel struct {
	IndicationsAndUsage     []string `json:"indications_and_usage"`
	DosageAndAdministration []string `json:"dosage_and_administration"`
	Contraindications       []string `json:"contraindications"`
	Warnings                []string `json:"warnings"`
	WarningsAndCautions     []string `json:"warnings_and_cautions"`
	BoxedWarning            []string `json:"boxed_warning"`
	AdverseReactions        []string `json:"adverse_reactions"`
	DrugInteractions        []string `json:"drug_interactions"`
	ClinicalPharmacology    []string `json:"clinical_pharmacology"`
	MechanismOfAction       []string `json:"mechanism_of_action"`
	Pharmacokinetics        []string `json:"pharmacokinetics"`
	PediatricUse            []string `json:"pediatric_use"`
	GeriatricUse            []string `json:"geriatric_use"`
	Pregnancy               []string `json:"pregnancy"`
	Overdosage              []string `json:"overdosage"`
	OpenFDA                 struct {
		GenericName      []string `json:"generic_name"`
		BrandName        []string `json:"brand_name"`
		ManufacturerName []string `json:"manufacturer_name"`
		Route            []string `json:"route"`
	} `json:"openfda"`
}

type fdaLabelResponse struct {
	Results []fdaLabel `json:"results"`
}

// NewOpenFDAClient creates a client for baseURL, e.g. https://api.fda.gov.
// apiKey may be empty.
func NewOpenFDAClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *OpenFDAClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &OpenFDAClient{http: client, apiKey: apiKey, logger: logger}
}

// label returns the first product label matching drug by generic or
// brand name, or nil when openFDA has none.
func (c *OpenFDAClient) label(ctx context.Context, name string) (*fdaLabel, error) {
	query := map[string]string{
		"search": fmt.Sprintf(`openfda.generic_name:"%s" OR openfda.brand_name:"%s"`, name, name),
		"limit":  "1",
	}
	if c.apiKey != "" {
		query["api_key"] = c.apiKey
	}

	var out fdaLabelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		ForceContentType("application/json").
		SetResult(&out).
		Get("/drug/label.json")
	if err != nil {
		return nil, fmt.Errorf("openfda label %s: %w", name, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, &HTTPError{Source: SourceOpenFDA, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if len(out.Results) == 0 {
		return nil, nil
	}
	return &out.Results[0], nil
}

// FetchInteractionSignals returns one signal per paragraph of the label's
// interaction, contraindication and boxed warning sections. A drug with
// no label yields no signals.
func (c *OpenFDAClient) FetchInteractionSignals(ctx context.Context, drug string) ([]medication.InteractionSignal, error) {
	name := strings.TrimSpace(drug)
	if name == "" {
		return nil, fmt.Errorf("%w: empty drug name", medication.ErrInvalidInput)
	}

	label, err := c.label(ctx, name)
	if err != nil || label == nil {
		return nil, err
	}

	var signals []medication.InteractionSignal
	add := func(section string, paragraphs []string, floor medication.Severity) {
		for _, p := range paragraphs {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			signals = append(signals, medication.InteractionSignal{
				DrugID:   medication.NormalizeTerm(name),
				Section:  section,
				Text:     p,
				Severity: InferSeverity(p).Max(floor),
				Source:   SourceOpenFDA,
			})
		}
	}
	add(SectionContraindications, label.Contraindications, medication.SeverityContraindicated)
	add(SectionBoxedWarning, label.BoxedWarning, medication.SeverityMajor)
	add(SectionDrugInteractions, label.DrugInteractions, medication.SeverityMinor)

	c.logger.Debug("openfda label signals",
		zap.String("drug", name),
		zap.Int("signals", len(signals)))

	return signals, nil
}

var severityKeywords = []struct {
	severity medication.Severity
	words    []string
}{
	{medication.SeverityContraindicated, []string{"contraindicated", "do not use", "must not be"}},
	{medication.SeverityMajor, []string{"avoid", "serious", "fatal", "life-threatening", "severe"}},
	{medication.SeverityModerate, []string{"monitor", "caution", "adjust", "reduce the dose"}},
}

// InferSeverity grades free label text by its strongest keyword.
func InferSeverity(text string) medication.Severity {
	lower := strings.ToLower(text)
	for _, k := range severityKeywords {
		for _, w := range k.words {
			if strings.Contains(lower, w) {
				return k.severity
			}
		}
	}
	return medication.SeverityMinor
}
