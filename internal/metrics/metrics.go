package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"method", "endpoint"},
	)

	// RecorderWrites counts attempt store writes by kind (create, patch, finish)
	// and outcome (ok, retry, spilled, dropped).
	RecorderWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simulator_recorder_writes_total",
			Help: "Attempt store writes by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	RecorderLanes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "simulator_recorder_lanes",
			Help: "Attempts with writes waiting to be persisted",
		},
	)

	SpillReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simulator_spill_replays_total",
			Help: "Spilled writes replayed by the spill worker",
		},
		[]string{"outcome"},
	)

	PhaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simulator_phase_transitions_total",
			Help: "Exam phase transitions",
		},
		[]string{"phase"},
	)

	LiveExams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "simulator_live_exams",
			Help: "Exams currently held in memory",
		},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			RecorderWrites,
			RecorderLanes,
			SpillReplays,
			PhaseTransitions,
			LiveExams,
		)
	})
}

// MetricsMiddleware records request counts and latencies per route.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		RequestCounter.WithLabelValues(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			endpoint,
		).Observe(time.Since(start).Seconds())
	}
}

// PrometheusHandler exposes the default registry.
func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
