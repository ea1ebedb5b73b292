package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.Login(LoginSuccess)
	m.Login(LoginSuccess)
	m.Login(LoginInvalidState)
	m.Refresh(true)
	m.Refresh(false)
	m.LiveToken(TokenFresh)

	body := scrape(t, m)
	assert.Contains(t, body, `u5auth_logins_total{result="success"} 2`)
	assert.Contains(t, body, `u5auth_logins_total{result="invalid_state"} 1`)
	assert.Contains(t, body, `u5auth_token_refreshes_total{result="success"} 1`)
	assert.Contains(t, body, `u5auth_token_refreshes_total{result="failure"} 1`)
	assert.Contains(t, body, `u5auth_live_token_requests_total{state="fresh"} 1`)
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.ProviderCall("token", time.Now())
	m.HTTPRequest(http.MethodGet, "/login", http.StatusFound, time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, "u5auth_provider_request_duration_seconds")
	assert.Contains(t, body, `u5auth_http_requests_total{method="GET",path="/login",status="302"} 1`)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Login(LoginSuccess)
		m.Refresh(true)
		m.LiveToken(TokenFresh)
		m.ProviderCall("token", time.Now())
		m.HTTPRequest(http.MethodGet, "/", http.StatusOK, 0)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Nil(t, m.Registry())
}
