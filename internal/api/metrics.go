package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

// Long-lived stream kinds.
const (
	streamSSE       = "sse"
	streamWebSocket = "websocket"
)

// streamRoutes hold a connection open for the life of an agent; their
// latency says nothing about the API and is kept out of the histogram.
var streamRoutes = map[string]bool{
	"/v1/agents/{id}/live":   true,
	"/v1/agents/{id}/events": true,
}

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_http_requests_total",
			Help: "HTTP requests by chi route pattern, method and status class.",
		},
		[]string{"route", "method", "class"},
	)

	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hermes_http_request_duration_seconds",
			Help:    "Latency of non-streaming API requests by chi route pattern.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"route"},
	)

	openStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hermes_http_open_streams",
			Help: "Agent live sockets and SSE review streams currently open.",
		},
		[]string{"kind"},
	)

	assignmentRefusals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_assignment_refusals_total",
			Help: "Assignment requests refused, by refusal code.",
		},
		[]string{"code"},
	)
)

func init() {
	prometheus.MustRegister(httpRequests, httpLatency, openStreams, assignmentRefusals)
}

// metricsMiddleware counts every request under its chi route pattern once
// routing has resolved it.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := routePattern(r)
		httpRequests.WithLabelValues(route, r.Method, statusClass(ww.Status())).Inc()
		if !streamRoutes[route] {
			httpLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// trackStream counts an open stream of the given kind until the returned
// func is called.
func trackStream(kind string) func() {
	g := openStreams.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// statusClass folds a status code into its class. A hijacked socket never
// writes a header through the wrapper and reports 0; it was answered 101.
func statusClass(status int) string {
	switch {
	case status == 0 || status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
