package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	RendererRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_requests_total",
			Help: "Requests sent to the WeBWorK renderer by backend kind, action and outcome",
		},
		[]string{"kind", "action", "outcome"},
	)

	RendererDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renderer_request_duration_seconds",
			Help:    "Round trip time of renderer requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"kind"},
	)

	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submissions_total",
			Help: "Handled student requests by submit type and outcome",
		},
		[]string{"type", "outcome"},
	)

	GradePublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grade_publish_total",
			Help: "Grade publications to the gradebook by outcome",
		},
		[]string{"outcome"},
	)
)

// Register adds all collectors to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(RequestCounter, RequestDuration, RendererRequests, RendererDuration, Submissions, GradePublish)
}

// Middleware counts requests per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func Handler() http.Handler { return promhttp.Handler() }

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
