// Package metrics exposes Prometheus counters for the login and token
// lifecycle. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Login results
const (
	LoginSuccess      = "success"
	LoginInvalidState = "invalid_state"
	LoginConfig       = "config_error"
	LoginExchange     = "exchange_error"
	LoginIdentity     = "identity_error"
	LoginProvider     = "provider_denied"
	LoginStore        = "store_error"
)

// Live token outcomes
const (
	TokenFresh     = "fresh"
	TokenRefreshed = "refreshed"
	TokenReused    = "reused"
	TokenLoggedOut = "logged_out"
	TokenError     = "error"
)

// Metrics holds the collectors registered on its own registry
type Metrics struct {
	registry         *prometheus.Registry
	logins           *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	liveTokens       *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them with Go/process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "u5auth_logins_total",
			Help: "Completed login callbacks by result",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "u5auth_token_refreshes_total",
			Help: "Refresh-token grants by result",
		}, []string{"result"}),
		liveTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "u5auth_live_token_requests_total",
			Help: "Live access token requests by outcome",
		}, []string{"state"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "u5auth_provider_request_duration_seconds",
			Help:    "Latency of calls to the identity provider",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "u5auth_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "u5auth_http_request_duration_seconds",
			Help:    "Latency of HTTP requests served",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.logins,
		m.refreshes,
		m.liveTokens,
		m.providerDuration,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) Refresh(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) LiveToken(state string) {
	if m == nil {
		return
	}
	m.liveTokens.WithLabelValues(state).Inc()
}

// ProviderCall records the latency of one call to endpoint (token, userinfo)
func (m *Metrics) ProviderCall(endpoint string, started time.Time) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
}

// HTTPRequest records one served request. path should be the route pattern,
// not the raw URL, to keep label cardinality bounded.
func (m *Metrics) HTTPRequest(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
