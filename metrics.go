package handshaker

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	handshakes prometheus.Counter
	outcomes   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, pending func() float64) *metrics {
	m := &metrics{
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "handshaker",
			Name:      "handshakes_total",
			Help:      "Transport handshakes initiated.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handshaker",
			Name:      "handshake_outcomes_total",
			Help:      "Completed transport handshakes by outcome.",
		}, []string{"outcome"}),
	}
	if reg == nil {
		return m
	}
	m.handshakes = mustRegister(reg, m.handshakes).(prometheus.Counter)
	m.outcomes = mustRegister(reg, m.outcomes).(*prometheus.CounterVec)
	mustRegister(reg, newPendingCollector()).(*pendingCollector).add(pending)
	return m
}

// pendingCollector reports the handshakes pending across every Handshaker
// registered with the same registry.
type pendingCollector struct {
	desc *prometheus.Desc

	mu      sync.Mutex
	sources []func() float64
}

func newPendingCollector() *pendingCollector {
	return &pendingCollector{
		desc: prometheus.NewDesc("handshaker_pending_handshakes", "Transport handshakes awaiting a response.", nil, nil),
	}
}

func (c *pendingCollector) add(source func() float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, source)
}

func (c *pendingCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *pendingCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	sources := append([]func() float64(nil), c.sources...)
	c.mu.Unlock()

	var total float64
	for _, source := range sources {
		total += source()
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, total)
}

// mustRegister registers c, or returns the collector already registered in
// its place.
func mustRegister(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	err := reg.Register(c)
	are := prometheus.AlreadyRegisteredError{}
	if errors.As(err, &are) {
		return are.ExistingCollector
	}
	if err != nil {
		panic(err)
	}
	return c
}

func (m *metrics) succeeded() {
	m.outcomes.WithLabelValues("success").Inc()
}

func (m *metrics) failed(kind FailureKind) {
	m.outcomes.WithLabelValues(kind.String()).Inc()
}
