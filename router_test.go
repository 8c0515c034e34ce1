package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/integrations-api/internal/app"
	"github.com/yourorg/integrations-api/internal/env"
	"github.com/yourorg/integrations-api/internal/logger"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	a, err := app.New(context.Background(), env.Config{
		CacheTTL:           time.Minute,
		SearchMaxWorkers:   2,
		SearchBudget:       time.Second,
		BreakerThreshold:   5,
		BreakerCooldown:    time.Second,
		RateLimitPerMinute: 1000,
	}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return BuildRouter(a)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	h := newTestRouter(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(logger.RequestIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRouter_RegisterThenList(t *testing.T) {
	h := newTestRouter(t)

	body := `{"name":"crm1","provider_type":"crm","base_url":"https://crm.example.com","api_key_or_credential":"tok","make_default":true}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/integrations", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/integrations", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"crm1"`)
	assert.NotContains(t, rec.Body.String(), "tok\"")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/properties/ghost/1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
