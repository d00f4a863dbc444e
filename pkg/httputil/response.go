package httputil

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Generic error codes. Domain packages define their own next to the
// errors they map.
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeUnavailable  = "unavailable"
)

// ErrorResponse is the error envelope every endpoint answers with
type ErrorResponse struct {
	Error string `json:"error"`
	// Code is a stable machine-readable reason, e.g. "insufficient_credit"
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes 200 with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes 201 with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes 204
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteErrorResponse writes resp as the error envelope
func WriteErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	if resp.Code == "" {
		resp.Code = defaultCode(status)
	}
	// the status line is already out; an encode failure means the client left
	_ = WriteJSON(w, status, resp)
}

// WriteErrorCode writes an error envelope carrying a machine-readable code
func WriteErrorCode(w http.ResponseWriter, status int, code, message string) {
	WriteErrorResponse(w, status, ErrorResponse{Error: message, Code: code})
}

// WriteBadRequest writes 400
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusBadRequest, CodeBadRequest, message)
}

// WriteUnauthorized writes 401
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// WriteTooManyRequests writes 429 with a Retry-After header. An empty code
// means a plain request rate limit.
func WriteTooManyRequests(w http.ResponseWriter, retryAfter time.Duration, code, message string) {
	SetRetryAfter(w, retryAfter)
	WriteErrorCode(w, http.StatusTooManyRequests, code, message)
}

// WriteServiceUnavailable writes 503. Callers may retry.
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusServiceUnavailable, CodeUnavailable, message)
}

// SetRetryAfter writes a Retry-After header in whole seconds, rounded up,
// never less than one
func SetRetryAfter(w http.ResponseWriter, d time.Duration) {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
}

func defaultCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	}
	return ""
}
