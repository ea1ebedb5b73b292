package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/u5auth/internal/metrics"
)

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name              string
		allowedOrigins    []string
		requestOrigin     string
		expectAllowOrigin string
		expectCredentials bool
	}{
		{
			name:              "allowed origin",
			allowedOrigins:    []string{"https://app.example", "https://admin.example"},
			requestOrigin:     "https://app.example",
			expectAllowOrigin: "https://app.example",
			expectCredentials: true,
		},
		{
			name:           "disallowed origin",
			allowedOrigins: []string{"https://app.example"},
			requestOrigin:  "https://evil.example",
		},
		{
			name:           "no origin header",
			allowedOrigins: []string{"https://app.example"},
		},
		{
			name:              "empty allowed origins",
			allowedOrigins:    nil,
			requestOrigin:     "https://app.example",
			expectAllowOrigin: "*",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCORSMiddleware(tt.allowedOrigins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/token", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusTeapot, rec.Code)
			assert.Equal(t, tt.expectAllowOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			if tt.expectCredentials {
				assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
			} else {
				assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(t, http.MethodOptions, "/api/token")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestRecoverMiddleware(t *testing.T) {
	handler := NewRecoverMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	m := metrics.New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	handler := ChainMiddleware(mux, NewMetricsMiddleware(m))

	for _, id := range []string{"1", "2"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
	}
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `u5auth_http_requests_total{method="GET",path="GET /items/{id}",status="202"} 2`)
	assert.Contains(t, body, `u5auth_http_requests_total{method="GET",path="unmatched",status="404"} 1`)
}

func TestResponseWriterDelegator(t *testing.T) {
	rec := httptest.NewRecorder()
	w := wrapResponseWriter(rec)

	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	w.WriteHeader(http.StatusTeapot)

	assert.Equal(t, http.StatusOK, w.Status(), "first status wins")
	assert.Equal(t, 5, w.BytesWritten())
	assert.Same(t, rec, w.Unwrap())
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHealthHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("dependency down", func(t *testing.T) {
		ping := func(context.Context) error { return errors.New("redis unreachable") }
		rec := httptest.NewRecorder()
		NewHealthHandler(ping).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"status":"unavailable"}`, rec.Body.String())
	})
}
