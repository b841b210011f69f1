package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/interaction"
	"github.com/drfirst/go-medsafe/internal/knowledge"
)

// InteractionHandler handles interaction endpoints
type InteractionHandler struct {
	resolver *interaction.Resolver
	logger   *zap.Logger
}

// NewInteractionHandler creates a new handler
func NewInteractionHandler(resolver *interaction.Resolver, logger *zap.Logger) *InteractionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InteractionHandler{resolver: resolver, logger: logger}
}

// Routes returns the handler routes
func (h *InteractionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/check", h.Check)
	r.Post("/check-multi", h.CheckMulti)
	r.Get("/food", h.Food)
	return r
}

// CheckRequest is the body of POST /interactions/check.
type CheckRequest struct {
	DrugA string `json:"drug_a"`
	DrugB string `json:"drug_b"`
}

// Check handles POST /interactions/check
func (h *InteractionHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := decode(r, &req); err != nil {
		engineError(w, r, h.logger, err)
		return
	}

	pair, err := h.resolver.Check(r.Context(), req.DrugA, req.DrugB)
	if err != nil {
		engineError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, pair)
}

// CheckMultiRequest is the body of POST /interactions/check-multi.
type CheckMultiRequest struct {
	Drugs []string `json:"drugs"`
}

// CheckMultiResponse lists every pair with the highest severity found.
type CheckMultiResponse struct {
	Interactions    []medication.InteractionPair `json:"interactions"`
	HighestSeverity medication.Severity          `json:"highest_severity"`
}

// CheckMulti handles POST /interactions/check-multi
func (h *InteractionHandler) CheckMulti(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("interaction-handler").Start(r.Context(), "check_multi")
	defer span.End()

	var req CheckMultiRequest
	if err := decode(r, &req); err != nil {
		engineError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(attribute.Int("drugs", len(req.Drugs)))

	pairs, err := h.resolver.CheckMany(ctx, req.Drugs)
	if err != nil {
		span.RecordError(err)
		engineError(w, r, h.logger, err)
		return
	}

	resp := CheckMultiResponse{Interactions: pairs, HighestSeverity: medication.SeverityNone}
	if resp.Interactions == nil {
		resp.Interactions = []medication.InteractionPair{}
	}
	for _, p := range pairs {
		resp.HighestSeverity = resp.HighestSeverity.Max(p.Severity)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// FoodResponse is the body of GET /interactions/food.
type FoodResponse struct {
	Drug         string                      `json:"drug"`
	Interactions []knowledge.FoodInteraction `json:"interactions"`
}

// Food handles GET /interactions/food?drug=
func (h *InteractionHandler) Food(w http.ResponseWriter, r *http.Request) {
	drug := r.URL.Query().Get("drug")
	found, err := h.resolver.FoodInteractions(drug)
	if err != nil {
		engineError(w, r, h.logger, err)
		return
	}
	if found == nil {
		found = []knowledge.FoodInteraction{}
	}
	WriteJSON(w, http.StatusOK, FoodResponse{Drug: drug, Interactions: found})
}
