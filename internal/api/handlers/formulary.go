package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/dosage"
	"github.com/drfirst/go-medsafe/internal/knowledge"
)

const defaultSearchLimit = 20

// FormularyHandler serves read-only formulary and renal rule lookups.
type FormularyHandler struct {
	store  *knowledge.Store
	logger *zap.Logger
}

// NewFormularyHandler creates a new handler
func NewFormularyHandler(store *knowledge.Store, logger *zap.Logger) *FormularyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormularyHandler{store: store, logger: logger}
}

// Routes returns the handler routes
func (h *FormularyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Search)
	r.Get("/high-alert", h.HighAlert)
	r.Get("/renal-adjustment", h.RenalAdjustment)
	r.Get("/{code}", h.Get)
	r.Get("/{code}/renal", h.Renal)
	return r
}

// ListResponse wraps formulary listings.
type ListResponse struct {
	Items []knowledge.FormularyItem `json:"items"`
	Count int                       `json:"count"`
}

func list(items []knowledge.FormularyItem) ListResponse {
	if items == nil {
		items = []knowledge.FormularyItem{}
	}
	return ListResponse{Items: items, Count: len(items)}
}

// Search handles GET /formulary?q=&limit=
func (h *FormularyHandler) Search(w http.ResponseWriter, r *http.Request) {
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			engineError(w, r, h.logger, fmt.Errorf("%w: limit must be a positive integer", medication.ErrInvalidInput))
			return
		}
		limit = n
	}
	WriteJSON(w, http.StatusOK, list(h.store.SearchFormulary(r.URL.Query().Get("q"), limit)))
}

// HighAlert handles GET /formulary/high-alert
func (h *FormularyHandler) HighAlert(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, list(h.store.HighAlertDrugs()))
}

// RenalAdjustment handles GET /formulary/renal-adjustment
func (h *FormularyHandler) RenalAdjustment(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, list(h.store.RenalAdjustmentDrugs()))
}

// Get handles GET /formulary/{code}
func (h *FormularyHandler) Get(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	item, ok := h.store.Formulary(code)
	if !ok {
		engineError(w, r, h.logger, fmt.Errorf("%w: drug %q is not in the formulary", medication.ErrNotFound, code))
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

// RenalResponse is the body of GET /formulary/{code}/renal. Band is set
// only when a crcl was given and a band covers it.
type RenalResponse struct {
	Rule     knowledge.RenalRule  `json:"rule"`
	CrCl     *float64             `json:"crcl,omitempty"`
	Category string               `json:"category,omitempty"`
	Band     *knowledge.RenalBand `json:"band,omitempty"`
}

// Renal handles GET /formulary/{code}/renal?crcl=
func (h *FormularyHandler) Renal(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rule, ok := h.store.RenalRule(code)
	if !ok {
		engineError(w, r, h.logger, fmt.Errorf("%w: no renal rule for %q", medication.ErrNotFound, code))
		return
	}

	resp := RenalResponse{Rule: rule}
	if raw := r.URL.Query().Get("crcl"); raw != "" {
		crcl, err := strconv.ParseFloat(raw, 64)
		if err != nil || crcl < 0 {
			engineError(w, r, h.logger, fmt.Errorf("%w: crcl must be a non-negative number", medication.ErrInvalidInput))
			return
		}
		resp.CrCl = &crcl
		resp.Category = dosage.RenalCategory(crcl)
		if _, band, found := h.store.RenalBand(code, crcl); found {
			resp.Band = &band
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}
