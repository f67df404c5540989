package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Exchange metrics
	ExchangesTotal   *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram
	BytesSent        prometheus.Histogram
	BytesReceived    prometheus.Histogram

	// Port right metrics
	PortsAllocated   prometheus.Counter
	PortsDeallocated prometheus.Counter
	PortsMoved       prometheus.Counter
	PortsLeaked      prometheus.Counter
	PortsActive      prometheus.Gauge
}

// New creates a metrics collector on the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates a metrics collector on the given registerer, so tests
// can use an isolated registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExchangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "machipc_exchanges_total",
				Help: "Total number of message exchanges by kernel status",
			},
			[]string{"status"},
		),
		ExchangeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "machipc_exchange_duration_seconds",
				Help:    "Message exchange duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		BytesSent: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "machipc_message_sent_bytes",
				Help:    "Encoded size of sent messages in bytes",
				Buckets: []float64{32, 64, 128, 256, 512, 1024, 4096, 16384},
			},
		),
		BytesReceived: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "machipc_message_received_bytes",
				Help:    "Size of received messages in bytes",
				Buckets: []float64{32, 64, 128, 256, 512, 1024, 4096, 16384},
			},
		),
		PortsAllocated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "machipc_ports_allocated_total",
				Help: "Total number of port rights allocated",
			},
		),
		PortsDeallocated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "machipc_ports_deallocated_total",
				Help: "Total number of port rights deallocated",
			},
		),
		PortsMoved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "machipc_ports_moved_total",
				Help: "Port rights moved out of their handle without a kernel release",
			},
		),
		PortsLeaked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "machipc_ports_leaked_total",
				Help: "Port rights released by the finalizer instead of an explicit deallocate",
			},
		),
		PortsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "machipc_ports_active",
				Help: "Port rights currently held by live handles",
			},
		),
	}
}

// RecordExchange records one exchange outcome.
func (m *Metrics) RecordExchange(status string, duration time.Duration, sent, received int) {
	if m == nil {
		return
	}
	m.ExchangesTotal.WithLabelValues(status).Inc()
	m.ExchangeDuration.Observe(duration.Seconds())
	if sent > 0 {
		m.BytesSent.Observe(float64(sent))
	}
	if received > 0 {
		m.BytesReceived.Observe(float64(received))
	}
}

// RecordPortAllocated records a new live right.
func (m *Metrics) RecordPortAllocated() {
	if m == nil {
		return
	}
	m.PortsAllocated.Inc()
	m.PortsActive.Inc()
}

// RecordPortDeallocated records an explicit release.
func (m *Metrics) RecordPortDeallocated() {
	if m == nil {
		return
	}
	m.PortsDeallocated.Inc()
	m.PortsActive.Dec()
}

// RecordPortMoved records a right whose ownership moved out of its
// handle. The right stays alive, so only the handle accounting changes;
// the deallocated counter is the new owner's to bump.
func (m *Metrics) RecordPortMoved() {
	if m == nil {
		return
	}
	m.PortsMoved.Inc()
	m.PortsActive.Dec()
}

// RecordPortLeaked records a right the finalizer had to release.
func (m *Metrics) RecordPortLeaked() {
	if m == nil {
		return
	}
	m.PortsLeaked.Inc()
	m.PortsDeallocated.Inc()
	m.PortsActive.Dec()
}
