package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, http.StatusOK, map[string]bool{"received": true})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
}

func TestWriteErrorCode(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorCode(w, http.StatusPaymentRequired, "insufficient_credit", "no credits left")

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, ErrorResponse{Error: "no credits left", Code: "insufficient_credit"}, decodeError(t, w))
}

func TestWriteErrorResponse_Details(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusUnprocessableEntity, ErrorResponse{
		Error:   "account not resolved",
		Code:    "unresolved_account",
		Details: map[string]string{"event_id": "evt_1"},
	})

	resp := decodeError(t, w)
	assert.Equal(t, "evt_1", resp.Details["event_id"])
}

func TestStatusHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		code   string
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "m") }, http.StatusBadRequest, CodeBadRequest},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "m") }, http.StatusUnauthorized, CodeUnauthorized},
		{"unavailable", func(w http.ResponseWriter) { WriteServiceUnavailable(w, "m") }, http.StatusServiceUnavailable, CodeUnavailable},
		{"default code", func(w http.ResponseWriter) { WriteErrorCode(w, http.StatusTooManyRequests, "", "m") }, http.StatusTooManyRequests, CodeRateLimited},
		{"no default", func(w http.ResponseWriter) { WriteErrorCode(w, http.StatusConflict, "", "m") }, http.StatusConflict, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, "m", resp.Error)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestWriteTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()
	WriteTooManyRequests(w, 6*time.Hour, "daily_limit_exceeded", "daily usage limit reached")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "21600", w.Header().Get("Retry-After"))
	assert.Equal(t, "daily_limit_exceeded", decodeError(t, w).Code)
}

func TestSetRetryAfter(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "1"},
		{-time.Second, "1"},
		{1500 * time.Millisecond, "2"},
		{time.Minute, "60"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		SetRetryAfter(w, tt.in)
		assert.Equal(t, tt.want, w.Header().Get("Retry-After"), tt.in.String())
	}
}

func TestWriteCreatedAndSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]string{"id": "acct-1"}))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	require.NoError(t, WriteSuccess(w, map[string]int{"credits": 5}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"credits":5}`, w.Body.String())

	w = httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, w.Body.Len())
}
