package monitoring

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
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	EnrollmentOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrollment_operation_duration_seconds",
			Help:    "Duration of enrollment aggregate writes",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation", "status"},
	)

	EnrollmentConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_version_conflicts_total",
			Help: "Optimistic concurrency conflicts on enrollment saves",
		},
		[]string{"operation"},
	)

	CertificateIssuance = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certificate_issuance_total",
			Help: "Certificate issuance attempts by result",
		},
		[]string{"mode", "result"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_events_published_total",
			Help: "Domain events relayed from the outbox",
		},
		[]string{"event", "result"},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestCounter)
		prometheus.MustRegister(RequestDuration)
		prometheus.MustRegister(EnrollmentOperationDuration)
		prometheus.MustRegister(EnrollmentConflicts)
		prometheus.MustRegister(CertificateIssuance)
		prometheus.MustRegister(EventsPublished)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RepositoryHooks 将仓储写操作上报到 Prometheus
type RepositoryHooks struct{}

func (RepositoryHooks) ObserveOperation(name, status string, dur time.Duration) {
	EnrollmentOperationDuration.WithLabelValues(name, status).Observe(dur.Seconds())
}

func (RepositoryHooks) IncConflict(name string) {
	EnrollmentConflicts.WithLabelValues(name).Inc()
}
