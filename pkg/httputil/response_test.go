package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteJSON(w, http.StatusCreated, map[string]string{"message": "success"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteErrorMessage_CodeFollowsStatus(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorMessage(w, http.StatusBadGateway, "payment provider request failed")

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "payment provider request failed", body.Error)
	assert.Equal(t, CodeProviderError, body.Code)
	assert.Nil(t, body.Details)
}

func TestWriteDetailedError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteDetailedError(w, http.StatusBadRequest, "validation failed", map[string]string{"plan_id": "required"})

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation failed", body.Error)
	assert.Equal(t, CodeInvalidRequest, body.Code)
	assert.Equal(t, "required", body.Details["plan_id"])
}

func TestStatusHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		body   string
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "nope") }, http.StatusBadRequest, `"code":"invalid_request"`},
		{"not found", func(w http.ResponseWriter) { WriteNotFoundError(w, "company not found") }, http.StatusNotFound, "company not found"},
		{"too large", func(w http.ResponseWriter) { WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "payload too large") }, http.StatusRequestEntityTooLarge, `"code":"payload_too_large"`},
		{"unclassified", func(w http.ResponseWriter) { WriteErrorMessage(w, http.StatusConflict, "exists") }, http.StatusConflict, `"code":"error"`},
		{"internal", WriteInternalError, http.StatusInternalServerError, "internal server error"},
		{"unavailable", func(w http.ResponseWriter) { WriteServiceUnavailable(w, "provider down") }, http.StatusServiceUnavailable, "provider down"},
		{"success", func(w http.ResponseWriter) { _ = WriteSuccess(w, map[string]int{"n": 1}) }, http.StatusOK, `"n":1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}
