package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "turbocookedpool"

// Collector exports PoolRouter stats to Prometheus on every scrape.
type Collector struct {
	router *PoolRouter

	activeDesc      *prometheus.Desc
	idleDesc        *prometheus.Desc
	totalDesc       *prometheus.Desc
	queriesDesc     *prometheus.Desc
	errorsDesc      *prometheus.Desc
	responseDesc    *prometheus.Desc
	breakerDesc     *prometheus.Desc
	utilizationDesc *prometheus.Desc
}

// NewCollector creates a collector reading from router.
func NewCollector(router *PoolRouter) *Collector {

	nodeLabels := []string{"node", "region"}

	return &Collector{
		router: router,
		activeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "node", "active_connections"),
			"Connections currently leased from the node pool.",
			nodeLabels, nil),
		idleDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "node", "idle_connections"),
			"Open connections waiting in the node pool.",
			nodeLabels, nil),
		totalDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "node", "total_connections"),
			"Open connections of the node pool, leased or idle.",
			nodeLabels, nil),
		queriesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "node", "queries_total"),
			"Successful queries executed on the node.",
			nodeLabels, nil),
		errorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "node", "errors_total"),
			"Failed acquisitions and queries on the node.",
			nodeLabels, nil),
		responseDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "node", "avg_response_seconds"),
			"Rolling mean of successful query durations.",
			nodeLabels, nil),
		breakerDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "node", "breaker_open"),
			"1 when the node's circuit breaker is open.",
			nodeLabels, nil),
		utilizationDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "router", "utilization"),
			"Active over total connections across every node.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeDesc
	ch <- c.idleDesc
	ch <- c.totalDesc
	ch <- c.queriesDesc
	ch <- c.errorsDesc
	ch <- c.responseDesc
	ch <- c.breakerDesc
	ch <- c.utilizationDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {

	stats := c.router.GetStats()

	for _, node := range stats.Nodes {
		labels := []string{node.NodeID, node.Region}

		breakerOpen := 0.0
		if node.BreakerState == BreakerOpen {
			breakerOpen = 1
		}

		ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(node.ActiveConnections), labels...)
		ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(node.IdleConnections), labels...)
		ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(node.TotalConnections), labels...)
		ch <- prometheus.MustNewConstMetric(c.queriesDesc, prometheus.CounterValue, float64(node.QueryCount), labels...)
		ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(node.ErrorCount), labels...)
		ch <- prometheus.MustNewConstMetric(c.responseDesc, prometheus.GaugeValue, node.AvgResponseTime.Seconds(), labels...)
		ch <- prometheus.MustNewConstMetric(c.breakerDesc, prometheus.GaugeValue, breakerOpen, labels...)
	}

	ch <- prometheus.MustNewConstMetric(c.utilizationDesc, prometheus.GaugeValue, stats.Utilization)
}
