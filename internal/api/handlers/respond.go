// Package handlers provides the HTTP handlers of the medication safety API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/api/middleware"
	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string   `json:"error"`
	ErrorClass string   `json:"error_class"`
	Details    []string `json:"details,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
}

// StatusFor maps an engine error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, medication.ErrInvalidInput), errors.Is(err, medication.ErrUnsupportedUnit):
		return http.StatusBadRequest
	case errors.Is(err, medication.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, medication.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, medication.ErrValidationBlocked), errors.Is(err, medication.ErrWarningsUnacknowledged):
		return http.StatusUnprocessableEntity
	case errors.Is(err, medication.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, r *http.Request, msg, class string, status int) {
	WriteJSON(w, status, ErrorResponse{
		Error:      msg,
		ErrorClass: class,
		RequestID:  middleware.GetRequestID(r.Context()),
	})
}

// engineError writes err with its mapped status. Internal errors are
// logged and their text withheld from the client.
func engineError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		msg = "internal error"
	}
	jsonError(w, r, msg, medication.ErrorClass(err), status)
}

// decode reads a JSON body into dst, rejecting unknown fields.
func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", medication.ErrInvalidInput, err)
	}
	return nil
}
