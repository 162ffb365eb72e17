// Package metrics holds the prometheus collectors of the scanning pipeline.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts finished scan tasks by result.
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filescan_scans_total",
			Help: "Finished scan tasks by result",
		},
		[]string{"result"},
	)

	// FetchAttemptsTotal counts CDN requests by outcome.
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filescan_fetch_attempts_total",
			Help: "CDN header fetch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// FetchBytes observes how many header bytes a successful fetch returned.
	FetchBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "filescan_fetch_bytes",
		Help:    "Bytes returned by successful header fetches",
		Buckets: prometheus.ExponentialBuckets(512, 2, 10),
	})

	// ActiveTenantQueues tracks how many tenants currently own a queue.
	ActiveTenantQueues = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filescan_active_tenant_queues",
		Help: "Tenant queues currently alive in the registry",
	})

	busPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filescan_bus_publish_total",
			Help: "Bus publish calls by topic and success",
		},
		[]string{"topic", "ok"},
	)
)

// ObservePublish records one bus publish.
func ObservePublish(topic string, ok bool) {
	busPublishTotal.WithLabelValues(topic, strconv.FormatBool(ok)).Inc()
}

var (
	// PolicyCacheHits counts extension policy cache hits.
	PolicyCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filescan_policy_cache_hits_total",
		Help: "Extension policy lookups served from cache",
	})
	// PolicyCacheMisses counts extension policy cache misses.
	PolicyCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filescan_policy_cache_misses_total",
		Help: "Extension policy lookups that hit mongo",
	})
)
