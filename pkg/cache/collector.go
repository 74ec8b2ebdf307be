package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metric names.
const (
	MetricHitsTotal      = "swrcache_hits_total"
	MetricMissesTotal    = "swrcache_misses_total"
	MetricEvictionsTotal = "swrcache_evictions_total"
	MetricEntries        = "swrcache_entries"
)

// Collector exports the counters of every store in a Registry. It reads snapshots at scrape
// time, so stores need no knowledge of Prometheus.
type Collector struct {
	registry  *Registry
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	entries   *prometheus.Desc
}

// NewCollector creates a collector for the registry's stores.
func NewCollector(registry *Registry) *Collector {
	labels := []string{"store"}
	return &Collector{
		registry:  registry,
		hits:      prometheus.NewDesc(MetricHitsTotal, "Fresh cache reads.", labels, nil),
		misses:    prometheus.NewDesc(MetricMissesTotal, "Cache reads that found no fresh entry.", labels, nil),
		evictions: prometheus.NewDesc(MetricEvictionsTotal, "Entries removed by delete or clear.", labels, nil),
		entries:   prometheus.NewDesc(MetricEntries, "Entries currently held, fresh or stale.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.entries
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, m := range c.registry.Metrics() {
		store := string(name)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(m.Hits), store)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(m.Misses), store)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(m.Evictions), store)
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(m.Size), store)
	}
}
