package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/librarylend/ledger/lending"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "library_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "route"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_lending_transitions_total",
		Help: "Borrow/return attempts, labeled by outcome code",
	}, []string{"action", "outcome"})

	transitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "library_lending_transition_duration_seconds",
		Help:    "Time spent applying a borrow/return, including lock waits and retries",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"action"})

	auditMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "library_audit_mismatches",
		Help: "Books whose cached availability disagreed with the ledger in the last audit",
	})

	auditBooksChecked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "library_audit_books_checked",
		Help: "Books checked by the last audit",
	})
)

// ObserveTransition records one guard outcome. It has the shape of
// lending.TransitionObserver.
func ObserveTransition(action lending.ActionType, outcome string, elapsed time.Duration) {
	transitionsTotal.WithLabelValues(string(action), outcome).Inc()
	transitionDuration.WithLabelValues(string(action)).Observe(elapsed.Seconds())
}

// ObserveAudit publishes an auditor report.
func ObserveAudit(r lending.Report) {
	auditMismatches.Set(float64(len(r.Mismatches)))
	auditBooksChecked.Set(float64(r.Checked))
}

// instrument counts and times every request by its route pattern, so
// /api/books/17 and /api/books/18 share one series.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := routePattern(r)
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(statusOf(ww))).Inc()
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func statusOf(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}
