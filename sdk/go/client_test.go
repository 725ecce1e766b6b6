package tierlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceRotationSendsTickAndKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/groups/g-rot/rotation/advance", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2025-02-01T00:00:00Z", body["tick"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"group":    map[string]any{"id": "g-rot", "current_approver_id": "r2"},
			"advanced": true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "secret"
	g, advanced, err := c.AdvanceRotation(context.Background(), "g-rot", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, "r2", g.CurrentApproverID)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"permission_denied","message":"nope"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).SetMode(context.Background(), "project")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "permission_denied", apiErr.Code)
	assert.Equal(t, "nope", apiErr.Message)
}
