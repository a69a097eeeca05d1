// Package metrics holds the process-wide Prometheus instruments,
// exposed by the HTTP server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cody_cache_hits_total",
		Help: "Response cache hits.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cody_cache_misses_total",
		Help: "Response cache misses.",
	})
	QuotaConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cody_quota_consumed_total",
		Help: "Quota units consumed per provider.",
	}, []string{"provider"})
	QuotaDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cody_quota_denied_total",
		Help: "Quota denials per provider.",
	}, []string{"provider"})
	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cody_provider_errors_total",
		Help: "Upstream provider call failures per provider and kind.",
	}, []string{"provider", "kind"})
	NotifierSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cody_notifier_sends_total",
		Help: "Batch check-in send attempts by outcome.",
	}, []string{"outcome"})
)
