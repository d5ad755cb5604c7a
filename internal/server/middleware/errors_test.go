package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/3leaps/gojobs/internal/errors"
	"github.com/3leaps/gojobs/internal/observability"
	"github.com/3leaps/gojobs/pkg/job"
)

func TestRecovery(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantCode  int
		wantBody  string
		wantInMsg string
	}{
		{
			name: "no panic passes through",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("ok"))
			},
			wantCode: http.StatusOK,
			wantBody: "ok",
		},
		{
			name:      "string panic",
			handler:   func(w http.ResponseWriter, r *http.Request) { panic("stats snapshot") },
			wantCode:  http.StatusInternalServerError,
			wantInMsg: "panic: stats snapshot",
		},
		{
			name: "job panic error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic(&job.PanicError{Label: "physics/step", Value: "nil body"})
			},
			wantCode:  http.StatusInternalServerError,
			wantInMsg: `job "physics/step" panicked: nil body`,
		},
		{
			name: "fatal pool exhaustion",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic(&job.FatalError{Err: job.ErrPoolExhausted})
			},
			wantCode:  http.StatusInternalServerError,
			wantInMsg: "panic:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			require.NotPanics(t, func() {
				Recovery(tt.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
			})
			require.Equal(t, tt.wantCode, rec.Code)

			if tt.wantInMsg == "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var response ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
			assert.Equal(t, apperrors.CodeInternal, response.Error.Code)
			assert.Contains(t, response.Error.Message, tt.wantInMsg)
		})
	}
}

func TestRecoveryRepanicsAbortHandler(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	})
}

func TestRecoveryCarriesRequestID(t *testing.T) {
	h := RequestID(ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(job.ErrShutdown)
	})))

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set(apperrors.RequestIDHeader, "tick-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "tick-42", response.Error.RequestID)
	assert.Contains(t, response.Error.Message, job.ErrShutdown.Error())
}

func TestRecoveryLogsPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	orig := observability.CLILogger
	observability.CLILogger = zap.New(core)
	defer func() { observability.CLILogger = orig }()

	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/stats", nil))

	entries := logs.FilterMessage("HTTP handler panicked").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/stats", entries[0].ContextMap()["path"])
	assert.Equal(t, http.MethodPost, entries[0].ContextMap()["method"])
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		resp       *ErrorResponse
		statusCode int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "basic error",
			resp:       apperrors.NewHTTPError("TEST_ERROR", "test message"),
			statusCode: http.StatusBadRequest,
			wantCode:   "TEST_ERROR",
			wantMsg:    "test message",
		},
		{
			name:       "internal error",
			resp:       apperrors.NewHTTPError(apperrors.CodeInternal, "something went wrong"),
			statusCode: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
			wantMsg:    "something went wrong",
		},
		{
			name:       "error with request ID",
			resp:       apperrors.NewHTTPError(apperrors.CodeNotFound, "resource not found").WithRequestID("corr-123"),
			statusCode: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
			wantMsg:    "resource not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()

			writeErrorResponse(rec, tt.resp, tt.statusCode)

			assert.Equal(t, tt.statusCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var response ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

			assert.Equal(t, tt.wantCode, response.Error.Code)
			assert.Equal(t, tt.wantMsg, response.Error.Message)
		})
	}
}

func TestWriteErrorResponse_WithDetails(t *testing.T) {
	resp := apperrors.NewHTTPError("VALIDATION_ERROR", "invalid input").WithDetails(map[string]any{
		"field": "label",
		"value": "[a",
	})

	rec := httptest.NewRecorder()
	writeErrorResponse(rec, resp, http.StatusBadRequest)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	assert.Equal(t, "label", response.Error.Details["field"])
	assert.Equal(t, "[a", response.Error.Details["value"])
}

func TestRequestID_Generated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(apperrors.RequestIDHeader))
}

func TestLogger_RecordsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := RequestID(Logger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/profile", nil))

	entries := logs.FilterMessage("HTTP request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, "/profile", fields["path"])
	assert.NotEmpty(t, fields["request_id"])
}
