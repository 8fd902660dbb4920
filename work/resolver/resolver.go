package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sonicwave/work/client"
	"sonicwave/work/config"
	"sonicwave/work/gateway"
	"sonicwave/work/logger"
	"sonicwave/work/metrics"
	"sonicwave/work/types"
	"sonicwave/work/utils"
)

// ErrAllGatewaysUnreachable is returned when none of the raced candidate
// gateways answered the HEAD probe for a content id. The condition is
// transient; callers may retry with a larger candidate set or surface a
// user-facing "content unavailable" failure.
var ErrAllGatewaysUnreachable = errors.New("all gateways unreachable")

// Resolution is the successful outcome of a resolve: the winning gateway
// snapshot plus the concrete URL serving the requested content id.
type Resolution struct {
	Gateway types.Gateway // Value snapshot of the winning gateway
	URL     string        // Fully expanded content URL on that gateway
	Latency time.Duration // Round-trip time of the winning HEAD request
}

// Resolver turns a content id into a working gateway by racing HEAD
// requests against the top-ranked candidates. The first 2xx answer wins and
// cancels the rest of the race; losers are discarded, not error-propagated.
// Every raced request doubles as an opportunistic probe: successes and
// transport-level failures feed back into the registry so the ranking stays
// current without waiting for the next scheduled probe round. Content
// misses do not; a gateway that is up but lacks one id is still a gateway.
type Resolver struct {
	config     *config.Config
	registry   *gateway.Registry
	httpClient *client.HeaderSettingClient
}

// raceResult carries one gateway's answer out of the fan-out race.
type raceResult struct {
	gateway types.Gateway
	rank    int
	latency time.Duration
	ok      bool
}

// New creates a resolver backed by the given registry and HTTP client.
func New(cfg *config.Config, registry *gateway.Registry, httpClient *client.HeaderSettingClient) *Resolver {
	return &Resolver{
		config:     cfg,
		registry:   registry,
		httpClient: httpClient,
	}
}

// Resolve finds a gateway currently serving the given content id.
// It races the top-K ranked candidates (K from config) with a short
// per-request timeout each. See ResolveWith for the race semantics.
func (r *Resolver) Resolve(ctx context.Context, contentID string) (*Resolution, error) {
	return r.ResolveWith(ctx, contentID, r.config.ResolveCandidates)
}

// ResolveWith races HEAD requests for the content id across the top
// `candidates` ranked gateways. The first gateway to answer 2xx wins; when
// several answers are already queued by the time the winner is taken, the
// one with the better registry rank is preferred, which makes simultaneous
// arrivals deterministic. Probe outcomes feed back into the registry per
// the headOne rules.
//
// Returns ErrAllGatewaysUnreachable when the whole candidate set fails or
// times out.
func (r *Resolver) ResolveWith(ctx context.Context, contentID string, candidates int) (*Resolution, error) {
	top := r.registry.TopCandidates(candidates)
	if len(top) == 0 {
		metrics.ResolveTotal.WithLabelValues("unreachable").Inc()
		return nil, fmt.Errorf("no gateways configured: %w", ErrAllGatewaysUnreachable)
	}

	logger.Debug("{resolver - ResolveWith} Racing %d gateways for content %s", len(top), contentID)

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, len(top))
	var wg sync.WaitGroup

	for rank, gw := range top {
		wg.Add(1)
		go func(rank int, gw types.Gateway) {
			defer wg.Done()
			results <- r.headOne(raceCtx, gw, rank, contentID)
		}(rank, gw)
	}

	// close the results channel once every racer has reported
	go func() {
		wg.Wait()
		close(results)
	}()

	var winner *raceResult
	for res := range results {
		if !res.ok {
			continue
		}

		winner = &res

		// drain successes already queued and prefer the better rank;
		// later arrivals lost the race and are discarded with the cancel
		for {
			extra, more := tryRecv(results)
			if !more {
				break
			}
			if extra.ok && extra.rank < winner.rank {
				winner = extra
			}
		}
		cancel()
		break
	}

	if winner == nil {
		logger.Debug("{resolver - ResolveWith} All %d candidates failed for content %s", len(top), contentID)
		metrics.ResolveTotal.WithLabelValues("unreachable").Inc()
		return nil, fmt.Errorf("content %s: %w", contentID, ErrAllGatewaysUnreachable)
	}

	metrics.ResolveTotal.WithLabelValues("hit").Inc()
	resolution := &Resolution{
		Gateway: winner.gateway,
		URL:     winner.gateway.ContentURL(contentID),
		Latency: winner.latency,
	}

	logger.Debug("{resolver - ResolveWith} Content %s resolved via %s in %v",
		contentID, winner.gateway.Config.Name, winner.latency)

	return resolution, nil
}

// headOne issues a single HEAD request for the content id on one gateway
// and records the outcome in the registry. A cancelled race context is not
// held against the gateway: the loser simply never reports a probe outcome.
// Neither is a 4xx, which only says this gateway does not hold this one
// content id; availability demotion is reserved for transport failures,
// timeouts, and 5xx answers.
func (r *Resolver) headOne(ctx context.Context, gw types.Gateway, rank int, contentID string) raceResult {
	contentURL := gw.ContentURL(contentID)
	start := time.Now()

	resp, err := r.httpClient.Head(ctx, contentURL, r.config.ResolveTimeout)
	latency := time.Since(start)

	result := raceResult{gateway: gw, rank: rank, latency: latency}

	switch {
	case err != nil && ctx.Err() != nil:
		// race already decided; discard without penalizing the gateway
		return result
	case err != nil:
		logger.Debug("{resolver - headOne} Gateway %s failed for %s: %v",
			gw.Config.Name, contentID, err)
		r.registry.RecordProbe(gw.Config.Name, types.ProbeOutcome{Checked: time.Now()})
		return result
	case resp.StatusCode >= 500:
		logger.Debug("{resolver - headOne} Gateway %s answered %d for %s (%s)",
			gw.Config.Name, resp.StatusCode, contentID, utils.LogURL(r.config, contentURL))
		r.registry.RecordProbe(gw.Config.Name, types.ProbeOutcome{Checked: time.Now()})
		return result
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		// a content miss on a live gateway; not a health signal
		logger.Debug("{resolver - headOne} Gateway %s has no copy of %s (%d, %s)",
			gw.Config.Name, contentID, resp.StatusCode, utils.LogURL(r.config, contentURL))
		return result
	}

	result.ok = true
	r.registry.RecordProbe(gw.Config.Name, types.ProbeOutcome{
		Success: true,
		Latency: latency,
		Checked: time.Now(),
	})
	return result
}

// tryRecv performs a non-blocking receive on the results channel, returning
// the queued result (if any) and whether one was available.
func tryRecv(results <-chan raceResult) (*raceResult, bool) {
	select {
	case res, open := <-results:
		if !open {
			return nil, false
		}
		return &res, true
	default:
		return nil, false
	}
}
