package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"sonicwave/work/client"
	"sonicwave/work/config"
	"sonicwave/work/logger"
	"sonicwave/work/types"
	"sonicwave/work/utils"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"
)

// Prober periodically measures gateway latency and availability and feeds
// the outcomes into the registry. Each probe round fans out across the
// shared worker pool with one bounded-timeout HEAD request per gateway
// against a known-good reference object, so a hung gateway can never stall
// the round past its timeout.
//
// Probe traffic toward each gateway is rate limited independently, keeping
// opportunistic probes (triggered by the admin API or resolution feedback)
// from hammering a provider that is already struggling.
type Prober struct {
	config     *config.Config
	registry   *Registry
	httpClient *client.HeaderSettingClient
	workerPool *ants.Pool
	limiters   map[string]ratelimit.Limiter // per-gateway probe rate limiters keyed by gateway name
	running    atomic.Bool                  // operational state flag (true=probing, false=stopped)
	stopChan   chan struct{}                // coordination channel for graceful shutdown
	mu         sync.Mutex                   // guards stopChan replacement across Start/Stop cycles
}

// NewProber creates a prober wired to the given registry. Rate limiters are
// pre-created for every configured gateway to avoid lazy construction during
// probe rounds.
func NewProber(cfg *config.Config, registry *Registry, httpClient *client.HeaderSettingClient, workerPool *ants.Pool) *Prober {
	logger.Debug("{gateway/prober - NewProber} Initializing prober for %d gateways", len(cfg.Gateways))

	limiters := make(map[string]ratelimit.Limiter, len(cfg.Gateways))
	for i := range cfg.Gateways {
		gw := &cfg.Gateways[i]
		limiters[gw.Name] = ratelimit.New(gw.MaxRequestsPerSecond)
	}

	return &Prober{
		config:     cfg,
		registry:   registry,
		httpClient: httpClient,
		workerPool: workerPool,
		limiters:   limiters,
	}
}

// Start activates the background probe loop. The operation is idempotent;
// a second Start while running is a no-op.
func (p *Prober) Start() {

	// Use atomic compare-and-swap to ensure start executes only once
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	p.stopChan = make(chan struct{})
	stop := p.stopChan
	p.mu.Unlock()

	go p.probeLoop(stop)
}

// Stop gracefully terminates the probe loop. Idempotent; stopping an already
// stopped prober is a no-op.
func (p *Prober) Stop() {

	// Use atomic compare-and-swap to ensure stop executes only once
	if !p.running.CompareAndSwap(true, false) {
		return
	}

	p.mu.Lock()
	if p.stopChan != nil {
		close(p.stopChan)
		p.stopChan = nil
	}
	p.mu.Unlock()
}

// Running reports whether the probe loop is active.
func (p *Prober) Running() bool {
	return p.running.Load()
}

// probeLoop runs one immediate probe round and then re-probes on the
// configured interval until stopped.
func (p *Prober) probeLoop(stop <-chan struct{}) {
	logger.Debug("{gateway/prober - probeLoop} Probing every %v", p.config.ProbeInterval)

	// measure once at startup so the first resolutions see real rankings
	p.ProbeAll(context.Background())

	ticker := time.NewTicker(p.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			logger.Debug("{gateway/prober - probeLoop} Probe loop stopped")
			return
		case <-ticker.C:
			p.ProbeAll(context.Background())
		}
	}
}

// ProbeAll measures every configured gateway concurrently and blocks until
// the round completes. Safe to invoke on demand (admin API) alongside the
// background loop; the per-gateway rate limiters absorb the overlap.
func (p *Prober) ProbeAll(ctx context.Context) {
	ranked := p.registry.RankedGateways()

	var wg sync.WaitGroup
	for i := range ranked {
		gw := ranked[i]
		wg.Add(1)

		task := func() {
			defer wg.Done()
			p.probeOne(ctx, &gw)
		}

		// fall back to inline execution if the pool rejects the task
		if err := p.workerPool.Submit(task); err != nil {
			logger.Warn("{gateway/prober - ProbeAll} Worker pool rejected probe task, running inline: %v", err)
			task()
		}
	}
	wg.Wait()

	logger.Debug("{gateway/prober - ProbeAll} Probe round complete: %d/%d gateways available",
		p.registry.AvailableCount(), p.registry.Len())
}

// probeOne issues a single bounded-timeout liveness check against the
// reference object on one gateway and records the outcome. Timeouts and
// non-2xx answers mark the gateway unavailable; they are never treated as
// fatal errors. A cancelled round records nothing, since the failure is
// the caller's and says nothing about the gateway.
func (p *Prober) probeOne(ctx context.Context, gw *types.Gateway) {

	// honor the per-gateway rate limit before touching the network
	if limiter, ok := p.limiters[gw.Config.Name]; ok {
		limiter.Take()
	}

	probeURL := gw.ContentURL(p.config.ProbeReference)
	start := time.Now()

	resp, err := p.httpClient.Head(ctx, probeURL, p.config.ProbeTimeout)
	latency := time.Since(start)

	if err != nil && ctx.Err() != nil {
		return
	}

	outcome := types.ProbeOutcome{Checked: time.Now()}
	if err == nil && statusOK(resp) {
		outcome.Success = true
		outcome.Latency = latency
	} else if err != nil {
		logger.Debug("{gateway/prober - probeOne} Gateway %s probe failed: %v (%s)",
			gw.Config.Name, err, utils.LogURL(p.config, probeURL))
	} else {
		logger.Debug("{gateway/prober - probeOne} Gateway %s probe returned %d (%s)",
			gw.Config.Name, resp.StatusCode, utils.LogURL(p.config, probeURL))
	}

	p.registry.RecordProbe(gw.Config.Name, outcome)
}

// statusOK reports whether an HTTP status is in the 2xx range.
func statusOK(resp *http.Response) bool {
	return resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
}
