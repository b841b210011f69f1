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

// RxNormClient talks to the NLM RxNav REST API.
type RxNormClient struct {
	http   *resty.Client
	logger *zap.Logger
}

type rxConceptProperties struct {
	RxCUI   string `json:"rxcui"`
	Name    string `json:"name"`
	Synonym string `json:"synonym"`
	TTY     string `json:"tty"`
}

type rxConceptGroup struct {
	TTY               string                `json:"tty"`
	ConceptProperties []rxConceptProperties `json:"conceptProperties"`
}

type rxDrugsResponse struct {
	DrugGroup struct {
		Name         string           `json:"name"`
		ConceptGroup []rxConceptGroup `json:"conceptGroup"`
	} `json:"drugGroup"`
}

type rxPropertiesResponse struct {
	Properties *rxConceptProperties `json:"properties"`
}

type rxRelatedResponse struct {
	RelatedGroup struct {
		ConceptGroup []rxConceptGroup `json:"conceptGroup"`
	} `json:"relatedGroup"`
}

// NewRxNormClient creates a client for baseURL, e.g. https://rxnav.nlm.nih.gov/REST.
func NewRxNormClient(baseURL string, timeout time.Duration, logger *zap.Logger) *RxNormClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &RxNormClient{http: client, logger: logger}
}

func isRxCUI(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ResolveDrug resolves a numeric RxCUI or a drug name. The preferred
// concept is an ingredient (IN), then the first concept returned.
func (c *RxNormClient) ResolveDrug(ctx context.Context, identifier string) (medication.DrugReference, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return medication.DrugReference{}, fmt.Errorf("%w: empty drug identifier", medication.ErrInvalidInput)
	}

	var concept *rxConceptProperties
	if isRxCUI(identifier) {
		var out rxPropertiesResponse
		if err := c.get(ctx, "/rxcui/"+identifier+"/properties.json", nil, &out); err != nil {
			return medication.DrugReference{}, err
		}
		concept = out.Properties
	} else {
		var out rxDrugsResponse
		if err := c.get(ctx, "/drugs.json", map[string]string{"name": identifier}, &out); err != nil {
			return medication.DrugReference{}, err
		}
		concept = preferredConcept(out.DrugGroup.ConceptGroup)
	}
	if concept == nil || concept.RxCUI == "" {
		return medication.DrugReference{}, fmt.Errorf("%w: rxnorm has no concept for %q", medication.ErrNotFound, identifier)
	}

	ingredients, err := c.ingredients(ctx, concept.RxCUI)
	if err != nil {
		c.logger.Debug("rxnorm ingredient lookup failed",
			zap.String("rxcui", concept.RxCUI),
			zap.Error(err))
	}

	return medication.DrugReference{
		ID:          concept.RxCUI,
		Name:        concept.Name,
		Ingredients: ingredients,
		Source:      SourceRxNorm,
	}, nil
}

func preferredConcept(groups []rxConceptGroup) *rxConceptProperties {
	var first *rxConceptProperties
	for gi := range groups {
		for pi := range groups[gi].ConceptProperties {
			p := &groups[gi].ConceptProperties[pi]
			if p.TTY == "IN" {
				return p
			}
			if first == nil {
				first = p
			}
		}
	}
	return first
}

func (c *RxNormClient) ingredients(ctx context.Context, rxcui string) ([]string, error) {
	var out rxRelatedResponse
	if err := c.get(ctx, "/rxcui/"+rxcui+"/related.json", map[string]string{"tty": "IN"}, &out); err != nil {
		return nil, err
	}
	var names []string
	for _, g := range out.RelatedGroup.ConceptGroup {
		for _, p := range g.ConceptProperties {
			if p.Name != "" {
				names = append(names, strings.ToLower(p.Name))
			}
		}
	}
	return names, nil
}

func (c *RxNormClient) get(ctx context.Context, path string, query map[string]string, out interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		ForceContentType("application/json").
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("rxnorm %s: %w", path, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: rxnorm %s", medication.ErrNotFound, path)
	}
	if resp.IsError() {
		return &HTTPError{Source: SourceRxNorm, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}
