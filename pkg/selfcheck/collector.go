// Package selfcheck exposes the health counters of a core.Core as Prometheus
// metrics and as a JSON health endpoint.
package selfcheck

import (
	"github.com/mbiondo/scLogger/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector reads Core.Stats on every scrape
type Collector struct {
	core *core.Core

	written      *prometheus.Desc
	dropped      *prometheus.Desc
	health       *prometheus.Desc
	unconfigured *prometheus.Desc
	postShutdown *prometheus.Desc
	state        *prometheus.Desc
}

// NewCollector creates a collector for c. Metric names are prefixed with namespace.
func NewCollector(c *core.Core, namespace string) *Collector {
	if namespace == "" {
		namespace = "sclogger"
	}
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, "selfcheck", n)
	}
	return &Collector{
		core:         c,
		written:      prometheus.NewDesc(name("sink_written_total"), "Records accepted by the sink", []string{"sink"}, nil),
		dropped:      prometheus.NewDesc(name("sink_dropped_total"), "Records the sink failed to write", []string{"sink"}, nil),
		health:       prometheus.NewDesc(name("sink_health"), "1 for the current health of the sink", []string{"sink", "health"}, nil),
		unconfigured: prometheus.NewDesc(name("unconfigured_total"), "Log calls made before the first Configure", nil, nil),
		postShutdown: prometheus.NewDesc(name("post_shutdown_total"), "Log calls made after Shutdown started", nil, nil),
		state:        prometheus.NewDesc(name("state"), "1 for the current lifecycle state", []string{"state"}, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.written
	ch <- c.dropped
	ch <- c.health
	ch <- c.unconfigured
	ch <- c.postShutdown
	ch <- c.state
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.core.Stats()

	ch <- prometheus.MustNewConstMetric(c.unconfigured, prometheus.CounterValue, float64(st.Unconfigured))
	ch <- prometheus.MustNewConstMetric(c.postShutdown, prometheus.CounterValue, float64(st.PostShutdown))
	ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, 1, st.State.String())

	for _, s := range st.Sinks {
		ch <- prometheus.MustNewConstMetric(c.written, prometheus.CounterValue, float64(s.Written), s.Name)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.Dropped), s.Name)
		ch <- prometheus.MustNewConstMetric(c.health, prometheus.GaugeValue, 1, s.Name, s.Health.String())
	}
}
