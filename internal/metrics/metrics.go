package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nearme_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nearme_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nearme_api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// Presence store
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nearme_store_query_duration_seconds",
			Help:    "Duration of presence store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StoreQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nearme_store_query_errors_total",
			Help: "Total number of presence store query errors",
		},
		[]string{"operation"},
	)

	// Broadcast
	ObserversConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nearme_observers_connected",
			Help: "Current number of connected presence observers",
		},
	)

	ObserversDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nearme_observers_dropped_total",
			Help: "Total number of observers dropped for falling behind",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nearme_events_published_total",
			Help: "Total number of presence events published to the hub",
		},
		[]string{"type"},
	)
)

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordStoreQuery records a presence store call
func RecordStoreQuery(operation string, duration time.Duration, err error) {
	StoreQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		StoreQueryErrors.WithLabelValues(operation).Inc()
	}
}

// RecordEvent counts one published event
func RecordEvent(eventType string) {
	EventsPublished.WithLabelValues(eventType).Inc()
}

// SetObservers records the current observer count
func SetObservers(n int) {
	ObserversConnected.Set(float64(n))
}

// RecordDroppedObserver counts an observer dropped for a full buffer
func RecordDroppedObserver() {
	ObserversDropped.Inc()
}

// Middleware records request count and latency labeled by route template.
// Unmatched routes are grouped under "unmatched" to bound cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		RecordAPIRequest(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
