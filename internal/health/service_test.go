package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h *HealthHandler) (int, OverallHealth) {
	t.Helper()
	app := fiber.New()
	app.Get("/v1/health", h.HandleHealth)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out OverallHealth
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealthReportsStartingUntilReady(t *testing.T) {
	h := NewHealthHandler(map[string]Check{"redis": func(context.Context) error { return nil }})

	status, body := get(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "starting", body.OverallStatus)

	h.SetReady()
	status, body = get(t, h)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body.OverallStatus)
	assert.Equal(t, "ok", body.Components["redis"].Status)
}

func TestHealthReportsFailingComponent(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	h.SetReady()

	status, body := get(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "error", body.OverallStatus)
	assert.Equal(t, "connection refused", body.Components["postgres"].Error)
}
