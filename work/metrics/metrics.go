package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayLatency tracks the last measured probe latency per gateway in
// seconds. This metric is a gauge; an unavailable gateway keeps its stale
// value while GatewayAvailable drops to 0.
var GatewayLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sonicwave_gateway_latency_seconds",
	Help: "Last measured gateway probe latency",
}, []string{"gateway"})

// GatewayAvailable tracks gateway availability per gateway (1=available,
// 0=unavailable) based on the most recent probe or resolution outcome.
var GatewayAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sonicwave_gateway_available",
	Help: "Gateway availability from the most recent probe",
}, []string{"gateway"})

// ResolveTotal counts content resolution attempts by outcome. The "outcome"
// label distinguishes "hit" (a gateway answered) from "unreachable" (the
// whole candidate set failed). This metric is a counter and only increases.
var ResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sonicwave_resolve_total",
	Help: "Content resolution attempts by outcome",
}, []string{"outcome"})

// CacheEvents counts blob cache events. The "event" label categorizes hits,
// misses, materializations, revocations, and evictions by reason
// (expired, capacity, liveness).
var CacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sonicwave_blobcache_events_total",
	Help: "Blob cache events by type",
}, []string{"event"})

// CacheEntries tracks the current number of entries in the blob cache index.
var CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sonicwave_blobcache_entries",
	Help: "Current number of blob cache entries",
})

// CacheBytes tracks the total raw bytes retained by the blob cache.
var CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sonicwave_blobcache_bytes",
	Help: "Total raw bytes retained by the blob cache",
})

// DescriptorEvents counts metadata cache events. The "event" label
// distinguishes memoized hits from fetches and fetch failures.
var DescriptorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sonicwave_descriptor_events_total",
	Help: "Content descriptor cache events by type",
}, []string{"event"})

// BytesFetched counts raw bytes fetched from gateways per gateway name.
// This metric is a counter and only increases.
var BytesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sonicwave_bytes_fetched_total",
	Help: "Raw bytes fetched from gateways",
}, []string{"gateway"})
