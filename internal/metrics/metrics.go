package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the protocol counters. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry      *prometheus.Registry
	activations   *prometheus.CounterVec
	verifications *prometheus.CounterVec
	burns         *prometheus.CounterVec
	adminOps      *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "license",
			Name:      "activations_total",
			Help:      "Activation attempts by outcome.",
		}, []string{"outcome"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "license",
			Name:      "verifications_total",
			Help:      "Verification attempts by outcome.",
		}, []string{"outcome"}),
		burns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "license",
			Name:      "burns_total",
			Help:      "Licenses burned by reason.",
		}, []string{"reason"}),
		adminOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "license",
			Name:      "admin_operations_total",
			Help:      "Admin operations by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
	c.registry.MustRegister(
		c.activations,
		c.verifications,
		c.burns,
		c.adminOps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Activation(outcome string) {
	if c == nil {
		return
	}
	c.activations.WithLabelValues(outcome).Inc()
}

func (c *Collector) Verification(outcome string) {
	if c == nil {
		return
	}
	c.verifications.WithLabelValues(outcome).Inc()
}

func (c *Collector) Burn(reason string) {
	if c == nil {
		return
	}
	c.burns.WithLabelValues(reason).Inc()
}

func (c *Collector) Admin(op, outcome string) {
	if c == nil {
		return
	}
	c.adminOps.WithLabelValues(op, outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
