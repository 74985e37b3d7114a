// Package transport contains the HTTP router, middleware chain, and the
// table and session handlers of the BFF API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

var statusForCode = map[string]int{
	model.ErrBadRequest:      http.StatusBadRequest,
	model.ErrUnknownAction:   http.StatusBadRequest,
	model.ErrUnauthorized:    http.StatusUnauthorized,
	model.ErrForbidden:       http.StatusForbidden,
	model.ErrNotFound:        http.StatusNotFound,
	model.ErrSessionNotFound: http.StatusNotFound,
	model.ErrSessionClosed:   http.StatusGone,
	model.ErrValidationError: http.StatusUnprocessableEntity,
	model.ErrSessionLimit:    http.StatusTooManyRequests,

	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON encodes body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes err as an error envelope. An error that wraps no
// envelope is reported as INTERNAL_ERROR without its text.
func WriteError(w http.ResponseWriter, err error) {
	ee := envelopeOf(err, "")
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// respondError is WriteError stamped with the request's trace id, which
// users can quote to support.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	ee := envelopeOf(err, observability.TraceIDFromContext(r.Context()))
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// envelopeOf copies the envelope err wraps so a shared value is never
// mutated.
func envelopeOf(err error, traceID string) *model.ErrorEnvelope {
	var out model.ErrorEnvelope
	if ee := (*model.ErrorEnvelope)(nil); errors.As(err, &ee) {
		out = *ee
	} else {
		out = *model.NewInternalError()
	}
	if out.TraceID == "" {
		out.TraceID = traceID
	}
	return &out
}

// StatusFor maps an envelope code to its HTTP status; unknown codes are
// 500s.
func StatusFor(ee *model.ErrorEnvelope) int {
	if status, ok := statusForCode[ee.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
