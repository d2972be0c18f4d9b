package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the service's Prometheus collectors.
type Registry struct {
	HTTPRequestsTotal         *prometheus.CounterVec
	HTTPRequestDuration       *prometheus.HistogramVec
	RPCRequestsTotal          *prometheus.CounterVec
	NotificationsTotal        *prometheus.CounterVec
	NotificationFailuresTotal prometheus.Counter
}

// NewRegistry creates and registers all collectors with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		RPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_requests_total",
				Help: "Total number of broker RPC requests",
			},
			[]string{"op", "status"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_published_total",
				Help: "Total number of published change notifications",
			},
			[]string{"type"},
		),
		NotificationFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "notification_publish_failures_total",
				Help: "Change notifications that could not be published",
			},
		),
	}

	reg.MustRegister(
		r.HTTPRequestsTotal,
		r.HTTPRequestDuration,
		r.RPCRequestsTotal,
		r.NotificationsTotal,
		r.NotificationFailuresTotal,
	)
	return r
}

// GinMiddleware records request totals and durations per route.
func (r *Registry) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		r.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		r.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
