// Package errors defines the JSON error envelope of the HTTP API.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3leaps/gojobs/pkg/job"
	"github.com/3leaps/gojobs/pkg/profile"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorDetail is the body of an error response.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the envelope every API error is wrapped in.
type HTTPErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// NewHTTPError builds an envelope.
func NewHTTPError(code, message string) *HTTPErrorResponse {
	return &HTTPErrorResponse{Error: ErrorDetail{Code: code, Message: message}}
}

// WithDetails attaches structured context.
func (e *HTTPErrorResponse) WithDetails(details map[string]any) *HTTPErrorResponse {
	e.Error.Details = details
	return e
}

// WithRequestID attaches the request correlation ID.
func (e *HTTPErrorResponse) WithRequestID(id string) *HTTPErrorResponse {
	e.Error.RequestID = id
	return e
}

// Write sends the envelope with the given status.
func (e *HTTPErrorResponse) Write(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// StatusFor maps an error from the job or profile packages to an HTTP
// status and error code.
func StatusFor(err error) (int, string) {
	var patternErr *profile.PatternError
	switch {
	case job.IsShutdown(err):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	case errors.Is(err, profile.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case job.IsInvalidHandle(err), errors.As(err, &patternErr),
		errors.Is(err, profile.ErrInvalidURI), errors.Is(err, profile.ErrInvalidFormat):
		return http.StatusBadRequest, CodeBadRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError writes err as an envelope, picking the status with
// StatusFor. The request ID, when the request carries one, is echoed.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	resp := NewHTTPError(code, err.Error())
	if r != nil {
		resp.WithRequestID(r.Header.Get(RequestIDHeader))
	}
	resp.Write(w, status)
}

// RequestIDHeader carries the request correlation ID.
const RequestIDHeader = "X-Request-ID"
