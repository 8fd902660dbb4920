package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sonicwave/work/client"
	"sonicwave/work/config"
	"sonicwave/work/facade"
	"sonicwave/work/gateway"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHandleProbeGateways_SurvivesRequestTeardown covers the manual probe
// endpoint: net/http cancels the request context as soon as the handler
// returns, and the background round must keep running on a detached context
// instead of failing every probe with context.Canceled and marking healthy
// gateways unavailable.
func TestHandleProbeGateways_SurvivesRequestTeardown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// answer slowly enough that the round outlives the triggering request
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		Gateways: []config.GatewayConfig{
			{Name: "healthy", URL: upstream.URL + "/ipfs/{cid}", Priority: 1, MaxRequestsPerSecond: 100},
		},
		ProbeTimeout:   2 * time.Second,
		ProbeReference: "bafkqaaa",
		UserAgent:      "sonicwave-test",
	}

	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	registry := gateway.NewRegistry(cfg)
	prober := gateway.NewProber(cfg, registry, client.NewHeaderSettingClient(cfg), pool)
	svc := &facade.StreamService{Config: cfg, Registry: registry}

	api := httptest.NewServer(handleProbeGateways(svc, prober))
	t.Cleanup(api.Close)

	resp, err := http.Post(api.URL, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return !registry.LastChecked().IsZero()
	}, 2*time.Second, 10*time.Millisecond, "the round must complete after the request tears down")

	assert.Equal(t, 1, registry.AvailableCount())
	ranked := registry.RankedGateways()
	assert.True(t, ranked[0].Available)
	assert.Greater(t, ranked[0].Latency, time.Duration(0))
}
