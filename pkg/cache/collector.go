package cache

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "turbocookedpool"

// Collector exports CacheRouter stats to Prometheus on every scrape.
type Collector struct {
	router *CacheRouter

	lookupsDesc   *prometheus.Desc
	setsDesc      *prometheus.Desc
	deletesDesc   *prometheus.Desc
	hitRateDesc   *prometheus.Desc
	sizeDesc      *prometheus.Desc
	evictionsDesc *prometheus.Desc
	expiredDesc   *prometheus.Desc
	externalDesc  *prometheus.Desc
}

// NewCollector creates a collector reading from router.
func NewCollector(router *CacheRouter) *Collector {

	return &Collector{
		router: router,
		lookupsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "lookups_total"),
			"Cache lookups by pattern and result.",
			[]string{"pattern", "result"}, nil),
		setsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "sets_total"),
			"Cache writes.",
			nil, nil),
		deletesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "deletes_total"),
			"Cache keys deleted or invalidated.",
			nil, nil),
		hitRateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "hit_rate"),
			"Hits over lookups.",
			nil, nil),
		sizeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "memory_entries"),
			"Entries held in the in-process cache.",
			nil, nil),
		evictionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "memory_evictions_total"),
			"In-process entries evicted at capacity.",
			nil, nil),
		expiredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "memory_expirations_total"),
			"In-process entries removed after their TTL.",
			nil, nil),
		externalDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "external_available"),
			"1 while reads go to the external cache.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.lookupsDesc
	ch <- c.setsDesc
	ch <- c.deletesDesc
	ch <- c.hitRateDesc
	ch <- c.sizeDesc
	ch <- c.evictionsDesc
	ch <- c.expiredDesc
	ch <- c.externalDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {

	stats := c.router.Stats()

	for pattern, counters := range stats.Patterns {
		ch <- prometheus.MustNewConstMetric(c.lookupsDesc, prometheus.CounterValue, float64(counters.Hits), pattern, "hit")
		ch <- prometheus.MustNewConstMetric(c.lookupsDesc, prometheus.CounterValue, float64(counters.Misses), pattern, "miss")
	}

	external := 0.0
	if stats.ExternalAvailable {
		external = 1
	}

	ch <- prometheus.MustNewConstMetric(c.setsDesc, prometheus.CounterValue, float64(stats.Sets))
	ch <- prometheus.MustNewConstMetric(c.deletesDesc, prometheus.CounterValue, float64(stats.Deletes))
	ch <- prometheus.MustNewConstMetric(c.hitRateDesc, prometheus.GaugeValue, stats.HitRate)
	ch <- prometheus.MustNewConstMetric(c.sizeDesc, prometheus.GaugeValue, float64(stats.Memory.Size))
	ch <- prometheus.MustNewConstMetric(c.evictionsDesc, prometheus.CounterValue, float64(stats.Memory.Evictions))
	ch <- prometheus.MustNewConstMetric(c.expiredDesc, prometheus.CounterValue, float64(stats.Memory.Expirations))
	ch <- prometheus.MustNewConstMetric(c.externalDesc, prometheus.GaugeValue, external)
}
