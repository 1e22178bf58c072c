package fscache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports cache statistics to Prometheus. Values are read from
// Stats at scrape time.
type Collector struct {
	cache *Cache

	size            *prometheus.Desc
	contentIDs      *prometheus.Desc
	highWater       *prometheus.Desc
	lowWater        *prometheus.Desc
	hits            *prometheus.Desc
	misses          *prometheus.Desc
	refreshes       *prometheus.Desc
	refreshFailures *prometheus.Desc
	evicted         *prometheus.Desc
	sweeps          *prometheus.Desc
	repairs         *prometheus.Desc
	violations      *prometheus.Desc
	sweeperState    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for c under namespace.
func NewCollector(c *Cache, namespace string) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, labels, nil)
	}

	return &Collector{
		cache:           c,
		size:            desc("nodes", "Number of cached nodes, root included."),
		contentIDs:      desc("content_ids", "Number of distinct content ids referenced by cached nodes."),
		highWater:       desc("high_water_mark", "Node count above which the sweeper evicts."),
		lowWater:        desc("low_water_mark", "Node count an eviction cycle aims for."),
		hits:            desc("lookup_hits_total", "Lookups that found a cached node."),
		misses:          desc("lookup_misses_total", "Lookups that found no cached node."),
		refreshes:       desc("refreshes_total", "Directory refreshes issued to the loader."),
		refreshFailures: desc("refresh_failures_total", "Directory refreshes that failed."),
		evicted:         desc("evicted_total", "Nodes evicted by the sweeper."),
		sweeps:          desc("sweeps_total", "Eviction cycles run while over the high water mark."),
		repairs:         desc("repairs_total", "Invariant violations repaired."),
		violations:      desc("violations_total", "Invariant violations detected."),
		sweeperState:    desc("sweeper_state", "Current sweeper phase, 1 for the active state.", "state"),
	}
}

// Describe implements prometheus.Collector.
func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.size
	ch <- col.contentIDs
	ch <- col.highWater
	ch <- col.lowWater
	ch <- col.hits
	ch <- col.misses
	ch <- col.refreshes
	ch <- col.refreshFailures
	ch <- col.evicted
	ch <- col.sweeps
	ch <- col.repairs
	ch <- col.violations
	ch <- col.sweeperState
}

// Collect implements prometheus.Collector.
func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	s := col.cache.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(col.size, float64(s.Size))
	gauge(col.contentIDs, float64(s.ContentIDs))
	gauge(col.highWater, float64(s.HighWaterMark))
	gauge(col.lowWater, float64(s.LowWaterMark))
	counter(col.hits, s.Hits)
	counter(col.misses, s.Misses)
	counter(col.refreshes, s.Refreshes)
	counter(col.refreshFailures, s.RefreshFailures)
	counter(col.evicted, s.Evicted)
	counter(col.sweeps, s.Sweeps)
	counter(col.repairs, s.Repairs)
	counter(col.violations, s.Violations)

	for _, st := range []SweeperState{SweeperIdle, SweeperScanning, SweeperEvicting} {
		v := 0.0
		if st.String() == s.SweeperState {
			v = 1
		}
		gauge(col.sweeperState, v, st.String())
	}
}
