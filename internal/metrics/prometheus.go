package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aero_udp_broadcast_relay"

// Gauge is a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() float64
}

// collector exposes the counter registry as a single counter vector with an
// `event` label, plus any gauges registered alongside it.
type collector struct {
	m      *Metrics
	events *prometheus.Desc
	gauges []gaugeDesc
}

type gaugeDesc struct {
	desc  *prometheus.Desc
	value func() float64
}

func newCollector(m *Metrics, gauges []Gauge) *collector {
	c := &collector{
		m: m,
		events: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_total"),
			"Internal event counters.",
			[]string{"event"}, nil,
		),
	}
	for _, g := range gauges {
		if g.Value == nil {
			continue
		}
		c.gauges = append(c.gauges, gaugeDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", g.Name), g.Help, nil, nil),
			value: g.Value,
		})
	}
	return c
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(v), name)
	}
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.value())
	}
}

// PrometheusHandler exposes Metrics (and optional gauges) in Prometheus' text
// exposition format.
//
// Each handler owns a private registry so multiple relays in one process (or
// tests) never collide on the global default registerer.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(m, gauges))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
