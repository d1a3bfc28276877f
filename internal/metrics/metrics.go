package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts terminal delivery outcomes by event kind and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event kind and terminal status."},
		[]string{"event_kind", "status"},
	)
	// WebhookLatency tracks the duration of individual HTTP sends in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook send latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000}},
		[]string{"event_kind", "outcome"},
	)
	// WebhookSends counts every HTTP send including retries
	WebhookSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_sends_total", Help: "Webhook HTTP sends by outcome (ok, http_error, transport_error)."},
		[]string{"outcome"},
	)

	// DispatchQueueDepth is the number of queued delivery tasks
	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "webhook_dispatch_queue_depth", Help: "Delivery tasks waiting for a worker."},
	)
	// DispatchShed counts tasks refused without a delivery attempt
	DispatchShed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_dispatch_shed_total", Help: "Delivery tasks shed by reason."},
		[]string{"reason"},
	)
	// DispatchMatched counts subscriptions matched per event kind
	DispatchMatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_dispatch_matched_total", Help: "Subscriptions matched by event kind."},
		[]string{"event_kind"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(WebhookSends)
		Registry.MustRegister(DispatchQueueDepth)
		Registry.MustRegister(DispatchShed)
		Registry.MustRegister(DispatchMatched)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
