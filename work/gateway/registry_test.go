package gateway

import (
	"testing"
	"time"

	"sonicwave/work/config"
	"sonicwave/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryConfig() *config.Config {
	return &config.Config{
		Gateways: []config.GatewayConfig{
			{Name: "alpha", URL: "https://alpha.example/ipfs/{cid}", Priority: 1},
			{Name: "bravo", URL: "https://bravo.example/ipfs/{cid}", Priority: 2},
			{Name: "charlie", URL: "https://charlie.example/ipfs/{cid}", Priority: 3},
		},
	}
}

func TestNewRegistry_StartsOptimistic(t *testing.T) {
	r := NewRegistry(registryConfig())

	require.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.AvailableCount(), "unprobed gateways start available")

	ranked := r.RankedGateways()
	require.Len(t, ranked, 3)
	for _, gw := range ranked {
		assert.Equal(t, types.LatencyUnknown, gw.Latency)
	}

	// with everything unknown, priority is the deciding factor
	assert.Equal(t, "alpha", ranked[0].Config.Name)
	assert.Equal(t, "bravo", ranked[1].Config.Name)
	assert.Equal(t, "charlie", ranked[2].Config.Name)
}

func TestRankedGateways_LatencyBeatsPriority(t *testing.T) {
	r := NewRegistry(registryConfig())

	now := time.Now()
	r.RecordProbe("alpha", types.ProbeOutcome{Success: true, Latency: 80 * time.Millisecond, Checked: now})
	r.RecordProbe("charlie", types.ProbeOutcome{Success: true, Latency: 20 * time.Millisecond, Checked: now})

	ranked := r.RankedGateways()
	assert.Equal(t, "charlie", ranked[0].Config.Name, "the fastest gateway ranks first regardless of priority")
	assert.Equal(t, "alpha", ranked[1].Config.Name)
	assert.Equal(t, "bravo", ranked[2].Config.Name, "unknown latency sorts after every measured value")
}

func TestRankedGateways_UnavailableSinksButNeverDisappears(t *testing.T) {
	r := NewRegistry(registryConfig())

	now := time.Now()
	r.RecordProbe("alpha", types.ProbeOutcome{Checked: now}) // failed probe
	r.RecordProbe("bravo", types.ProbeOutcome{Success: true, Latency: 30 * time.Millisecond, Checked: now})

	ranked := r.RankedGateways()
	require.Len(t, ranked, 3)
	assert.Equal(t, "bravo", ranked[0].Config.Name)
	assert.Equal(t, "charlie", ranked[1].Config.Name)
	assert.Equal(t, "alpha", ranked[2].Config.Name, "unavailable gateways sink to the bottom")
	assert.Equal(t, 2, r.AvailableCount())
}

func TestRankedGateways_AllUnavailableFallbackOrder(t *testing.T) {
	r := NewRegistry(registryConfig())

	now := time.Now()
	for _, name := range []string{"alpha", "bravo", "charlie"} {
		r.RecordProbe(name, types.ProbeOutcome{Checked: now})
	}

	ranked := r.RankedGateways()
	require.Len(t, ranked, 3, "an all-down registry still returns the full set")
	assert.Equal(t, "alpha", ranked[0].Config.Name)
	assert.Equal(t, 0, r.AvailableCount())
}

func TestRankedGateways_Deterministic(t *testing.T) {
	r := NewRegistry(registryConfig())

	now := time.Now()
	// identical latencies force the priority tie-break
	r.RecordProbe("bravo", types.ProbeOutcome{Success: true, Latency: 40 * time.Millisecond, Checked: now})
	r.RecordProbe("charlie", types.ProbeOutcome{Success: true, Latency: 40 * time.Millisecond, Checked: now})

	first := r.RankedGateways()
	for i := 0; i < 10; i++ {
		again := r.RankedGateways()
		for j := range first {
			assert.Equal(t, first[j].Config.Name, again[j].Config.Name,
				"identical registry state must produce an identical ranking")
		}
	}
	assert.Equal(t, "bravo", first[0].Config.Name, "equal latency falls back to priority order")
}

func TestRecordProbe_UnknownGatewayIgnored(t *testing.T) {
	r := NewRegistry(registryConfig())

	r.RecordProbe("delta", types.ProbeOutcome{Success: true, Latency: time.Millisecond, Checked: time.Now()})

	assert.Equal(t, 3, r.Len())
	for _, gw := range r.RankedGateways() {
		assert.NotEqual(t, "delta", gw.Config.Name)
	}
}

func TestTopCandidates(t *testing.T) {
	r := NewRegistry(registryConfig())

	assert.Len(t, r.TopCandidates(2), 2)
	assert.Len(t, r.TopCandidates(10), 3)
	assert.Len(t, r.TopCandidates(0), 3, "zero means unbounded")
}

func TestLastChecked(t *testing.T) {
	r := NewRegistry(registryConfig())
	assert.True(t, r.LastChecked().IsZero())

	earlier := time.Now().Add(-time.Minute)
	later := time.Now()
	r.RecordProbe("alpha", types.ProbeOutcome{Success: true, Latency: time.Millisecond, Checked: earlier})
	r.RecordProbe("bravo", types.ProbeOutcome{Success: true, Latency: time.Millisecond, Checked: later})

	assert.Equal(t, later, r.LastChecked())
}

func TestReload(t *testing.T) {
	r := NewRegistry(registryConfig())
	r.RecordProbe("alpha", types.ProbeOutcome{Checked: time.Now()})

	r.Reload(&config.Config{
		Gateways: []config.GatewayConfig{
			{Name: "delta", URL: "https://delta.example/{cid}", Priority: 1},
		},
	})

	require.Equal(t, 1, r.Len())
	ranked := r.RankedGateways()
	assert.Equal(t, "delta", ranked[0].Config.Name)
	assert.True(t, ranked[0].Available, "reloaded gateways reset to the optimistic defaults")
	assert.Equal(t, types.LatencyUnknown, ranked[0].Latency)
}
