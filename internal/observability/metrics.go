package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graspd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "graspd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graspd",
			Subsystem: "wire",
			Name:      "messages_total",
			Help:      "GRASP messages sent and received.",
		},
		[]string{"direction", "type"},
	)
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graspd",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine API calls by outcome.",
		},
		[]string{"op", "result"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "graspd",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Engine API call duration in seconds.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)
	relays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graspd",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Multicasts considered for relaying.",
		},
		[]string{"type", "outcome"},
	)
	queueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graspd",
			Subsystem: "queue",
			Name:      "drops_total",
			Help:      "Items dropped because a bounded queue was full.",
		},
		[]string{"queue"},
	)
	cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "graspd",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current entries per engine cache.",
		},
		[]string{"cache"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			messages, operations, operationDuration,
			relays, queueDrops, cacheEntries,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordMessage counts one message; direction is "in" or "out".
func RecordMessage(direction, msgType string) {
	RegisterMetrics()
	messages.WithLabelValues(direction, msgType).Inc()
}

func RecordOperation(op, result string, duration time.Duration) {
	RegisterMetrics()
	operations.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordRelay(msgType, outcome string) {
	RegisterMetrics()
	relays.WithLabelValues(msgType, outcome).Inc()
}

func RecordQueueDrop(queue string) {
	RegisterMetrics()
	queueDrops.WithLabelValues(queue).Inc()
}

func SetCacheEntries(cache string, n int) {
	RegisterMetrics()
	cacheEntries.WithLabelValues(cache).Set(float64(n))
}
