// Package middleware holds the HTTP middleware of the API server.
package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/gojobs/internal/errors"
	"github.com/3leaps/gojobs/internal/observability"
)

// ErrorResponse is the envelope written for recovered panics.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 error envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			msg := fmt.Sprintf("panic: %v", rec)
			observability.CLILogger.Error("HTTP handler panicked",
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
				zap.Any("panic", rec),
			)
			resp := apperrors.NewHTTPError(apperrors.CodeInternal, msg).
				WithRequestID(RequestIDFromContext(r.Context()))
			writeErrorResponse(w, resp, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, resp *ErrorResponse, status int) {
	resp.Write(w, status)
}
