// Package httpapi exposes the scheduler's and validator's HTTP surface (spec §6) over
// gorilla/mux, translating internal/errors.ServiceError into the stable code/message/details
// envelope spec §7 requires. Grounded on the teacher's infrastructure/httputil package, trimmed
// of the mTLS/service-identity machinery the spec explicitly excludes ("authenticated transport
// between agent and scheduler" is a Non-goal, §1).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/volcompute/orchestrator/internal/errors"
	"github.com/volcompute/orchestrator/internal/logging"
)

// contextWithTimeout derives a bounded context from the request for outbound-call timeouts
// (spec §5: "every outbound call ... has a bounded timeout; defaults are conservative (5-15s)").
func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

// ErrorResponse is the stable envelope spec §7 requires for 4xx/5xx responses.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError maps any error to the taxonomy's stable envelope (spec §7: "a request handler MUST
// NOT surface a raw internal error; it maps to one of the taxonomy categories").
func WriteError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal("internal error", err)
	}
	if logger != nil {
		logger.WithContext(r.Context()).WithError(se).Warn("request failed")
	}
	WriteJSON(w, se.HTTPStatus, ErrorResponse{
		Code:    string(se.Code),
		Message: se.Message,
		Details: se.Details,
		TraceID: logging.GetTraceID(r.Context()),
	})
}

// DecodeJSON decodes a JSON request body, writing a validation error response on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, logger *logging.Logger, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, r, logger, errors.InvalidInput("body", "malformed JSON"))
		return false
	}
	return true
}

// QueryInt extracts an integer query parameter with a default value.
func QueryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(val); err == nil {
		return n
	}
	return defaultVal
}

// QueryInt64 extracts an int64 query parameter with a default value.
func QueryInt64(r *http.Request, key string, defaultVal int64) int64 {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		return n
	}
	return defaultVal
}
