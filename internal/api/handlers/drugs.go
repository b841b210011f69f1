package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/lookup"
)

// DrugReference answers drug search and label questions from the remote
// reference sources. lookup.Service implements it.
type DrugReference interface {
	SearchDrugs(ctx context.Context, query string, limit int) ([]lookup.DrugConcept, error)
	DrugLabel(ctx context.Context, drug string) (lookup.Label, error)
	DrugInfo(ctx context.Context, drug string) (lookup.DrugInfo, error)
}

const maxDrugSearchLimit = 50

// DrugHandler serves drug search and label sections.
type DrugHandler struct {
	ref    DrugReference
	logger *zap.Logger
}

// NewDrugHandler creates a new handler
func NewDrugHandler(ref DrugReference, logger *zap.Logger) *DrugHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DrugHandler{ref: ref, logger: logger}
}

// Routes returns the handler routes
func (h *DrugHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Search)
	r.Get("/{name}/info", h.Info)
	r.Get("/{name}/dosage", h.Dosage)
	r.Get("/{name}/warnings", h.Warnings)
	r.Get("/{name}/pharmacology", h.Pharmacology)
	return r
}

// SearchResponse is the body of GET /drugs.
type SearchResponse struct {
	Query   string               `json:"query"`
	Results []lookup.DrugConcept `json:"results"`
	Count   int                  `json:"count"`
}

// Search handles GET /drugs?q=&limit=
func (h *DrugHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		engineError(w, r, h.logger, fmt.Errorf("%w: q is required", medication.ErrInvalidInput))
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDrugSearchLimit {
			engineError(w, r, h.logger, fmt.Errorf("%w: limit must be between 1 and %d", medication.ErrInvalidInput, maxDrugSearchLimit))
			return
		}
		limit = n
	}

	results, err := h.ref.SearchDrugs(r.Context(), q, limit)
	if err != nil {
		engineError(w, r, h.logger, err)
		return
	}
	if results == nil {
		results = []lookup.DrugConcept{}
	}
	WriteJSON(w, http.StatusOK, SearchResponse{Query: q, Results: results, Count: len(results)})
}

// Info handles GET /drugs/{name}/info
func (h *DrugHandler) Info(w http.ResponseWriter, r *http.Request) {
	info, err := h.ref.DrugInfo(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		engineError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

// LabelSectionResponse carries one part of a drug label.
type LabelSectionResponse struct {
	Drug         string   `json:"drug"`
	BrandNames   []string `json:"brand_names,omitempty"`
	GenericNames []string `json:"generic_names,omitempty"`
	Section      any      `json:"section"`
}

func (h *DrugHandler) section(w http.ResponseWriter, r *http.Request, pick func(lookup.Label) any) {
	label, err := h.ref.DrugLabel(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		engineError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, LabelSectionResponse{
		Drug:         label.Drug,
		BrandNames:   label.BrandNames,
		GenericNames: label.GenericNames,
		Section:      pick(label),
	})
}

// Dosage handles GET /drugs/{name}/dosage
func (h *DrugHandler) Dosage(w http.ResponseWriter, r *http.Request) {
	h.section(w, r, func(l lookup.Label) any { return l.Dosage })
}

// Warnings handles GET /drugs/{name}/warnings
func (h *DrugHandler) Warnings(w http.ResponseWriter, r *http.Request) {
	h.section(w, r, func(l lookup.Label) any { return l.Warnings })
}

// Pharmacology handles GET /drugs/{name}/pharmacology
func (h *DrugHandler) Pharmacology(w http.ResponseWriter, r *http.Request) {
	h.section(w, r, func(l lookup.Label) any { return l.Pharmacology })
}
