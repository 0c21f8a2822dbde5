package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"proxysupervisor/internal/pool"
)

// poolCollector adapts live Supervisor state into Prometheus gauges on every
// scrape, the same pattern the wider container-orchestration stack in this
// pack uses for long-lived resource counts rather than hand-incremented
// counters (cuemby/warren wires prometheus/client_golang the same way over
// its own node/VM registry).
type poolCollector struct {
	sup *pool.Supervisor

	workersTotal *prometheus.Desc
	workersValid *prometheus.Desc
}

func newPoolCollector(sup *pool.Supervisor) *poolCollector {
	return &poolCollector{
		sup: sup,
		workersTotal: prometheus.NewDesc(
			"proxysupervisor_workers_total",
			"Workers currently tracked in the pool registry, valid or invalid.",
			nil, nil,
		),
		workersValid: prometheus.NewDesc(
			"proxysupervisor_workers_valid",
			"Workers currently valid and eligible for acquire.",
			nil, nil,
		),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workersTotal
	ch <- c.workersValid
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	list := c.sup.List()
	valid := 0
	for _, rec := range list {
		if rec.State == pool.StateValid {
			valid++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.workersTotal, prometheus.GaugeValue, float64(len(list)))
	ch <- prometheus.MustNewConstMetric(c.workersValid, prometheus.GaugeValue, float64(valid))
}
