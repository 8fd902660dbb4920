package gateway

import (
	"sort"
	"sync"
	"time"

	"sonicwave/work/config"
	"sonicwave/work/logger"
	"sonicwave/work/metrics"
	"sonicwave/work/types"
)

// Registry holds the authoritative set of known content gateways together
// with their last-known probe measurements, and derives the single ranked
// ordering every resolution consults. The registry is the only component
// allowed to mutate gateway state; probes and resolution feedback flow in
// through RecordProbe, readers get value snapshots out.
//
// Ranking follows (available desc, latency asc, priority asc). Gateways that
// have never been probed start available with unknown latency so the system
// is usable before the first probe round completes; unknown latency sorts
// after every measured latency within the available group. When every
// gateway is unavailable the full set is still returned in fallback order so
// callers never observe an empty ranking.
type Registry struct {
	mu       sync.RWMutex     // guards gateways
	gateways []*types.Gateway // registry-owned gateway state, insertion order = config priority order
}

// NewRegistry builds a registry from the configured gateway list. Gateways
// begin available with unknown latency; the first probe round replaces the
// optimistic defaults with measurements.
func NewRegistry(cfg *config.Config) *Registry {
	logger.Debug("{gateway/registry - NewRegistry} Initializing registry with %d gateways", len(cfg.Gateways))

	ordered := cfg.GetGatewaysByPriority()
	gateways := make([]*types.Gateway, 0, len(ordered))
	for _, gc := range ordered {
		gateways = append(gateways, &types.Gateway{
			Config:    gc,
			Latency:   types.LatencyUnknown,
			Available: true,
		})
	}

	return &Registry{
		gateways: gateways,
	}
}

// RecordProbe updates one gateway's latency and availability from a probe or
// resolution outcome. Unknown gateway names are ignored with a warning so a
// stale caller cannot corrupt the registry. Thread-safe against concurrent
// probes.
func (r *Registry) RecordProbe(name string, outcome types.ProbeOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, gw := range r.gateways {
		if gw.Config.Name != name {
			continue
		}

		gw.Available = outcome.Success
		gw.LastChecked = outcome.Checked
		if outcome.Success {
			gw.Latency = outcome.Latency
			metrics.GatewayLatency.WithLabelValues(name).Set(outcome.Latency.Seconds())
			metrics.GatewayAvailable.WithLabelValues(name).Set(1)
		} else {
			// keep the stale latency for reporting; ranking ignores it once unavailable
			metrics.GatewayAvailable.WithLabelValues(name).Set(0)
		}

		logger.Debug("{gateway/registry - RecordProbe} Gateway %s: success=%v latency=%v",
			name, outcome.Success, outcome.Latency)
		return
	}

	logger.Warn("{gateway/registry - RecordProbe} Ignoring probe outcome for unknown gateway: %s", name)
}

// RankedGateways returns a value snapshot of every gateway ordered by
// (available desc, latency asc, priority asc). The result is never empty as
// long as gateways are configured: an all-unavailable set comes back in
// fallback-first order so callers can keep retrying instead of spinning on
// "no gateway available".
func (r *Registry) RankedGateways() []types.Gateway {
	r.mu.RLock()
	ranked := make([]types.Gateway, 0, len(r.gateways))
	for _, gw := range r.gateways {
		ranked = append(ranked, *gw)
	}
	r.mu.RUnlock()

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := &ranked[i], &ranked[j]
		if a.Available != b.Available {
			return a.Available
		}
		if a.Latency != b.Latency {
			// unknown latency sorts after any measured value
			if a.Latency == types.LatencyUnknown {
				return false
			}
			if b.Latency == types.LatencyUnknown {
				return true
			}
			return a.Latency < b.Latency
		}
		return a.Config.Priority < b.Config.Priority
	})

	return ranked
}

// TopCandidates returns the first k ranked gateways (or all of them when
// fewer are configured). Used by the resolver to bound each race.
func (r *Registry) TopCandidates(k int) []types.Gateway {
	ranked := r.RankedGateways()
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// Reload replaces the gateway set from a freshly loaded config, resetting
// every gateway to the optimistic unprobed defaults. Used on graceful
// restart; the next probe round re-measures the new set.
func (r *Registry) Reload(cfg *config.Config) {
	ordered := cfg.GetGatewaysByPriority()
	gateways := make([]*types.Gateway, 0, len(ordered))
	for _, gc := range ordered {
		gateways = append(gateways, &types.Gateway{
			Config:    gc,
			Latency:   types.LatencyUnknown,
			Available: true,
		})
	}

	r.mu.Lock()
	r.gateways = gateways
	r.mu.Unlock()

	logger.Info("{gateway/registry - Reload} Registry reloaded with %d gateways", len(gateways))
}

// Len returns the number of configured gateways.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.gateways)
}

// AvailableCount returns how many gateways are currently marked available.
func (r *Registry) AvailableCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, gw := range r.gateways {
		if gw.Available {
			count++
		}
	}
	return count
}

// LastChecked returns the most recent probe timestamp across all gateways,
// zero when nothing has been probed yet.
func (r *Registry) LastChecked() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest time.Time
	for _, gw := range r.gateways {
		if gw.LastChecked.After(latest) {
			latest = gw.LastChecked
		}
	}
	return latest
}
