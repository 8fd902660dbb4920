package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sonicwave/work/client"
	"sonicwave/work/config"
	"sonicwave/work/types"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proberFixture(t *testing.T, gateways []config.GatewayConfig) (*Prober, *Registry) {
	t.Helper()

	cfg := &config.Config{
		Gateways:       gateways,
		ProbeInterval:  time.Hour, // loop never ticks during a test
		ProbeTimeout:   2 * time.Second,
		ProbeReference: "bafkqaaa",
		UserAgent:      "sonicwave-test",
	}

	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	registry := NewRegistry(cfg)
	return NewProber(cfg, registry, client.NewHeaderSettingClient(cfg), pool), registry
}

func TestProbeAll_RecordsOutcomes(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Contains(t, r.URL.Path, "bafkqaaa")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(up.Close)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)

	p, registry := proberFixture(t, []config.GatewayConfig{
		{Name: "up", URL: up.URL + "/ipfs/{cid}", Priority: 1, MaxRequestsPerSecond: 100},
		{Name: "down", URL: down.URL + "/ipfs/{cid}", Priority: 2, MaxRequestsPerSecond: 100},
	})

	p.ProbeAll(context.Background())

	assert.Equal(t, 1, registry.AvailableCount())
	ranked := registry.RankedGateways()
	assert.Equal(t, "up", ranked[0].Config.Name)
	assert.NotEqual(t, types.LatencyUnknown, ranked[0].Latency)
	assert.False(t, ranked[1].Available)
	assert.False(t, registry.LastChecked().IsZero())
}

func TestProbeAll_UnreachableHost(t *testing.T) {
	p, registry := proberFixture(t, []config.GatewayConfig{
		{Name: "void", URL: "http://127.0.0.1:1/{cid}", Priority: 1, MaxRequestsPerSecond: 100},
	})

	p.ProbeAll(context.Background())

	assert.Equal(t, 0, registry.AvailableCount(), "a connection failure is an availability fact, not a fatal error")
}

func TestProbeAll_CancelledRoundRecordsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	p, registry := proberFixture(t, []config.GatewayConfig{
		{Name: "healthy", URL: srv.URL + "/{cid}", Priority: 1, MaxRequestsPerSecond: 100},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.ProbeAll(ctx)

	// the caller aborted the round; that says nothing about the gateway
	assert.Equal(t, 1, registry.AvailableCount(), "a cancelled probe must not demote the gateway")
	assert.True(t, registry.LastChecked().IsZero(), "a cancelled probe records no outcome")
}

func TestProberStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	p, registry := proberFixture(t, []config.GatewayConfig{
		{Name: "only", URL: srv.URL + "/{cid}", Priority: 1, MaxRequestsPerSecond: 100},
	})

	p.Start()
	p.Start() // idempotent
	assert.True(t, p.Running())

	// the startup round runs immediately; wait for its outcome
	require.Eventually(t, func() bool {
		return !registry.LastChecked().IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop() // idempotent
	assert.False(t, p.Running())

	// restartable after a stop
	p.Start()
	assert.True(t, p.Running())
	p.Stop()
}
