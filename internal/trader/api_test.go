package trader

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAPIServer(t *testing.T) {
	r, _, _ := setupRunner(t)
	r.mu.Lock()
	r.lastRun, r.lastError = time.Now(), errors.New("bot 3 (eth): boom")
	r.mu.Unlock()
	h := NewAPIServer(r, 0, prometheus.NewRegistry(), zap.NewNop()).Handler()

	t.Run("Health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK\n", rec.Body.String())
	})

	t.Run("Status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, r.UUID, body["uuid"])
		assert.Equal(t, "bot 3 (eth): boom", body["last_error"])
		assert.NotEmpty(t, body["last_run"])
	})

	t.Run("Metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
