package gateway

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cleoai/cleo/board"
)

// metrics holds the per-gateway Prometheus registry. A private registry
// keeps repeated gateway construction (tests, restarts) from tripping
// duplicate registration.
type metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	tasksSubmitted prometheus.Counter
	sseClients     prometheus.Gauge
}

func newMetrics(b *board.TaskBoard) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cleo",
			Subsystem: "gateway",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route pattern and status code.",
		}, []string{"route", "code"}),
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cleo",
			Subsystem: "gateway",
			Name:      "tasks_submitted_total",
			Help:      "Root tasks accepted through POST /v1/task.",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cleo",
			Subsystem: "gateway",
			Name:      "sse_clients",
			Help:      "Connected event stream clients.",
		}),
	}
	m.registry.MustRegister(m.requests, m.tasksSubmitted, m.sseClients)
	m.registry.MustRegister(&boardCollector{board: b})
	return m
}

func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		g.metrics.requests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}

// boardCollector exports live task counts by status.
type boardCollector struct {
	board *board.TaskBoard
}

var boardTasksDesc = prometheus.NewDesc(
	"cleo_board_tasks",
	"Tasks on the board, by lifecycle status.",
	[]string{"status"}, nil,
)

func (c *boardCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- boardTasksDesc
}

func (c *boardCollector) Collect(ch chan<- prometheus.Metric) {
	for status, count := range c.board.StatusCounts() {
		ch <- prometheus.MustNewConstMetric(
			boardTasksDesc, prometheus.GaugeValue, float64(count), string(status))
	}
}
