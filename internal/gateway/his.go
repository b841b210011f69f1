package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/fhir/r5"
)

// HISClient places orders through the HIS FHIR endpoint. Orders are sent
// as MedicationRequest resources and rejections come back as
// OperationOutcome.
type HISClient struct {
	http   *resty.Client
	now    func() time.Time
	logger *zap.Logger
}

var _ OrderGateway = (*HISClient)(nil)

// NewHISClient creates a client for the FHIR base URL of the HIS.
func NewHISClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HISClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/fhir+json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}
	return &HISClient{http: client, now: time.Now, logger: logger}
}

// CreateOrder posts a MedicationRequest.
func (c *HISClient) CreateOrder(ctx context.Context, req CreateRequest) (Result, error) {
	mr := r5.NewMedicationRequest(r5.MedicationOrder{
		PatientID:    req.PatientID,
		PrescriberID: req.PrescriberID,
		DrugCode:     req.DrugCode,
		DrugName:     req.DrugName,
		Dose:         req.Dose,
		Unit:         req.Unit,
		Route:        req.Route,
		Frequency:    req.Frequency,
		DurationDays: req.DurationDays,
		Notes:        nonEmpty(req.Notes),
		AuthoredOn:   c.now().UTC(),
	})

	var created r5.MedicationRequest
	var outcome r5.OperationOutcome
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/fhir+json").
		SetBody(mr).
		SetResult(&created).
		SetError(&outcome).
		Post("/MedicationRequest")
	if err != nil {
		return Result{}, fmt.Errorf("%w: his create order: %v", medication.ErrSourceUnavailable, err)
	}
	if resp.IsError() {
		return c.failure(resp, &outcome, CodePatientNotFound)
	}

	orderID := created.GetOrderID()
	if orderID == "" {
		return Result{}, fmt.Errorf("%w: his accepted the order without an id", medication.ErrSourceUnavailable)
	}
	c.logger.Debug("his order created",
		zap.String("order_id", orderID),
		zap.String("patient_id", req.PatientID))
	return Result{Success: true, OrderID: orderID, Message: "order created"}, nil
}

// DiscontinueOrder patches the order status to stopped.
func (c *HISClient) DiscontinueOrder(ctx context.Context, orderID, reason string) (Result, error) {
	patch := map[string]interface{}{
		"status":       r5.StatusStopped,
		"statusReason": r5.CodeableConcept{Text: reason},
	}
	var outcome r5.OperationOutcome
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/merge-patch+json").
		SetBody(patch).
		SetError(&outcome).
		Patch("/MedicationRequest/" + url.PathEscape(orderID))
	if err != nil {
		return Result{}, fmt.Errorf("%w: his discontinue order: %v", medication.ErrSourceUnavailable, err)
	}
	if resp.IsError() {
		return c.failure(resp, &outcome, CodeOrderNotFound)
	}
	return Result{Success: true, OrderID: orderID, Message: "order discontinued"}, nil
}

// failure turns a non-2xx answer into a rejection or a transient error.
func (c *HISClient) failure(resp *resty.Response, outcome *r5.OperationOutcome, notFoundCode string) (Result, error) {
	status := resp.StatusCode()
	if status == http.StatusTooManyRequests || status >= 500 {
		return Result{}, fmt.Errorf("%w: his returned HTTP %d", medication.ErrSourceUnavailable, status)
	}

	code := outcomeCode(outcome)
	if code == "" {
		switch status {
		case http.StatusNotFound:
			code = notFoundCode
		case http.StatusConflict, http.StatusPreconditionFailed:
			code = CodeAlreadyDiscontinued
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			code = CodeInvalidOrder
		default:
			code = CodeRejected
		}
	}
	msg := outcome.Message()
	if msg == "" {
		msg = fmt.Sprintf("his returned HTTP %d", status)
	}
	c.logger.Warn("his rejected request",
		zap.Int("status", status),
		zap.String("code", code),
		zap.String("message", msg))

	err := &RejectionError{Code: code, Message: msg, StatusCode: status}
	return err.Result(), err
}

// outcomeCode returns the first coded rejection reason in outcome.
func outcomeCode(o *r5.OperationOutcome) string {
	for _, is := range o.Issue {
		if is.Details == nil {
			continue
		}
		for _, c := range is.Details.Coding {
			if c.Code != "" {
				return c.Code
			}
		}
	}
	return ""
}

func nonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return []string{s}
}
