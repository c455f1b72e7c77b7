package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolutions counts stream resolution attempts per provider and outcome
// ("success" or "failure"). This is the top-level health signal: a provider
// whose failure rate climbs is usually a protocol change upstream.
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flyx_proxy_resolutions_total",
	Help: "Stream resolution attempts by provider and outcome",
}, []string{"provider", "outcome"})

// CacheRequests counts lookups against the in-process caches per cache name
// and result ("hit" or "miss").
var CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flyx_proxy_cache_requests_total",
	Help: "Cache lookups by cache and result",
}, []string{"cache", "result"})

// PowIterations tracks how many nonce attempts each proof-of-work search
// needed. A drifting distribution means the upstream difficulty changed.
var PowIterations = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "flyx_proxy_pow_iterations",
	Help:    "Nonce attempts per proof-of-work computation",
	Buckets: prometheus.ExponentialBuckets(64, 2, 12),
})

// UpstreamDuration measures outbound call latency per call type (page,
// lookup, manifest, key, portal, segment).
var UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "flyx_proxy_upstream_duration_seconds",
	Help:    "Upstream request duration by call type",
	Buckets: prometheus.DefBuckets,
}, []string{"call"})

// MappingAttempts counts stalker mapping attempts per outcome, mirroring the
// persisted success/failure counters for dashboards.
var MappingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flyx_proxy_mapping_attempts_total",
	Help: "Stalker channel mapping attempts by outcome",
}, []string{"outcome"})
