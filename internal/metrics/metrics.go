package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "onespark"

// Collectors owns the service registry and its counters.
type Collectors struct {
	registry        *prometheus.Registry
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	otpRequests     *prometheus.CounterVec
	ordersConfirmed *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	commentsPosted  prometheus.Counter
}

// New registers the service collectors on a fresh registry.
func New() *Collectors {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Collectors{
		registry: registry,
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"route"},
		),
		otpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "otp_requests_total",
				Help:      "One-time code sends and checks by contact method and outcome",
			},
			[]string{"method", "result"},
		),
		ordersConfirmed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_confirmed_total",
				Help:      "Orders recorded from payment confirmations",
			},
			[]string{"tier"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Outbound notifications by channel and outcome",
			},
			[]string{"channel", "result"},
		),
		commentsPosted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "comments_posted_total",
				Help:      "Comments posted to the product board",
			},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveHTTP records one completed request.
func (c *Collectors) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordOTP records a code send or check outcome.
func (c *Collectors) RecordOTP(method, result string) {
	c.otpRequests.WithLabelValues(method, result).Inc()
}

// RecordOrderConfirmed records an order created from a payment event.
func (c *Collectors) RecordOrderConfirmed(tier string) {
	c.ordersConfirmed.WithLabelValues(tier).Inc()
}

// RecordNotification records an outbound notification outcome.
func (c *Collectors) RecordNotification(channel, result string) {
	c.notifications.WithLabelValues(channel, result).Inc()
}

// RecordCommentPosted records a new comment.
func (c *Collectors) RecordCommentPosted() {
	c.commentsPosted.Inc()
}
