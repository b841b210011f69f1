package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/api/middleware"
	"github.com/drfirst/go-medsafe/internal/lifecycle"
	"github.com/drfirst/go-medsafe/internal/validation"
)

// OrderHandler handles order validation, submission and discontinuation.
type OrderHandler struct {
	validator *validation.Validator
	orders    *lifecycle.Service
	logger    *zap.Logger
}

// NewOrderHandler creates a new handler
func NewOrderHandler(v *validation.Validator, orders *lifecycle.Service, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{validator: v, orders: orders, logger: logger}
}

// Routes returns the handler routes
func (h *OrderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/validate", h.Validate)
	r.Post("/validate-batch", h.ValidateBatch)
	r.Post("/", h.Submit)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/discontinue", h.Discontinue)
	return r
}

// Validate handles POST /orders/validate. The verdict is returned with 200
// whatever it is; nothing is placed.
func (h *OrderHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validation.Request
	if err := decode(r, &req); err != nil {
		engineError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.validator.Validate(r.Context(), req))
}

// BatchRequest is the body of POST /orders/validate-batch.
type BatchRequest struct {
	Orders []validation.Request `json:"orders"`
}

// BatchResponse pairs each order with its verdict, in request order.
type BatchResponse struct {
	Results []validation.Result `json:"results"`
	Valid   int                 `json:"valid"`
	Invalid int                 `json:"invalid"`
}

// ValidateBatch handles POST /orders/validate-batch
func (h *OrderHandler) ValidateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decode(r, &req); err != nil {
		engineError(w, r, h.logger, err)
		return
	}

	results, err := h.validator.ValidateBatch(r.Context(), req.Orders)
	if err != nil {
		engineError(w, r, h.logger, err)
		return
	}
	resp := BatchResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []validation.Result{}
	}
	for _, res := range results {
		if res.Valid {
			resp.Valid++
		} else {
			resp.Invalid++
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Submit handles POST /orders
func (h *OrderHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("order-handler").Start(r.Context(), "submit_order")
	defer span.End()

	var req lifecycle.SubmitRequest
	if err := decode(r, &req); err != nil {
		engineError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(
		attribute.String("drug_code", req.DrugCode),
		attribute.String("client_id", middleware.GetClientID(ctx)),
	)

	res, err := h.orders.Submit(ctx, req)
	if err != nil {
		h.logger.Info("order not placed",
			zap.String("drug_code", req.DrugCode),
			zap.String("error_class", res.ErrorClass),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		WriteJSON(w, StatusFor(err), res)
		return
	}
	span.SetAttributes(attribute.String("order_id", res.OrderID))
	w.Header().Set("Location", "/api/v1/orders/"+res.OrderID)
	WriteJSON(w, http.StatusCreated, res)
}

// Get handles GET /orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		engineError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, o)
}

// DiscontinueRequest is the body of POST /orders/{id}/discontinue.
type DiscontinueRequest struct {
	Reason string `json:"reason"`
}

// Discontinue handles POST /orders/{id}/discontinue
func (h *OrderHandler) Discontinue(w http.ResponseWriter, r *http.Request) {
	var req DiscontinueRequest
	if err := decode(r, &req); err != nil {
		engineError(w, r, h.logger, err)
		return
	}

	res, err := h.orders.Discontinue(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		WriteJSON(w, StatusFor(err), res)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}
