package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "exchange"
)

// Collector aggregates the exchange's Prometheus metrics. A nil *Collector
// is valid and records nothing, which keeps unit tests quiet.
type Collector struct {
	ordersAccepted *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	cancellations  prometheus.Counter
	tradesExecuted *prometheus.CounterVec
	sharesTraded   *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

var (
	instance *Collector
	once     sync.Once
)

// GetCollector returns the process-wide collector, registering all metrics
// on first use.
func GetCollector() *Collector {
	once.Do(func() {
		instance = newCollector()
		instance.register()
	})
	return instance
}

func newCollector() *Collector {
	return &Collector{
		ordersAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "orders_accepted_total",
				Help:      "Orders accepted by the matching engine.",
			},
			[]string{"symbol", "side", "type"},
		),
		ordersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "orders_rejected_total",
				Help:      "Orders rejected by the matching engine, by reason.",
			},
			[]string{"reason"},
		),
		cancellations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "cancellations_total",
				Help:      "Orders cancelled by their owner.",
			},
		),
		tradesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "trades_executed_total",
				Help:      "Trades executed.",
			},
			[]string{"symbol"},
		),
		sharesTraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "shares_traded_total",
				Help:      "Shares changing hands.",
			},
			[]string{"symbol"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests served.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func (c *Collector) register() {
	prometheus.MustRegister(
		c.ordersAccepted,
		c.ordersRejected,
		c.cancellations,
		c.tradesExecuted,
		c.sharesTraded,
		c.httpRequests,
		c.httpDuration,
	)
}

// RecordOrderAccepted counts one accepted submission.
func (c *Collector) RecordOrderAccepted(symbol, side, orderType string) {
	if c == nil {
		return
	}
	c.ordersAccepted.WithLabelValues(symbol, side, orderType).Inc()
}

// RecordOrderRejected counts one rejected submission by taxonomy kind.
func (c *Collector) RecordOrderRejected(reason string) {
	if c == nil {
		return
	}
	c.ordersRejected.WithLabelValues(reason).Inc()
}

// RecordCancellation counts one owner cancellation.
func (c *Collector) RecordCancellation() {
	if c == nil {
		return
	}
	c.cancellations.Inc()
}

// RecordTrade counts one execution and its share volume.
func (c *Collector) RecordTrade(symbol string, quantity int64) {
	if c == nil {
		return
	}
	c.tradesExecuted.WithLabelValues(symbol).Inc()
	c.sharesTraded.WithLabelValues(symbol).Add(float64(quantity))
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, path, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, status).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
