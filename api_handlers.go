package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"sonicwave/work/config"
	"sonicwave/work/facade"
	"sonicwave/work/gateway"
	"sonicwave/work/logger"
	"sonicwave/work/middleware"
	"sonicwave/work/types"
	"sonicwave/work/utils"

	"github.com/gorilla/mux"
)

// StatsResponse represents the system statistics exposed through the
// management API, covering both planes of the service: gateway resolution
// health on one side and blob cache utilization on the other. The structure
// is what the operator dashboard polls for capacity planning.
type StatsResponse struct {
	TotalGateways       int     `json:"totalGateways"`
	AvailableGateways   int     `json:"availableGateways"`
	LastProbe           string  `json:"lastProbe"`
	CacheEntries        int     `json:"cacheEntries"`
	ActiveHandles       int     `json:"activeHandles"`
	CacheBytes          string  `json:"cacheBytes"`
	CacheMemoryEstimate string  `json:"cacheMemoryEstimate"`
	CacheUtilization    float64 `json:"cacheUtilization"`
	DescriptorsCached   int     `json:"descriptorsCached"`
	DescriptorsIndexed  int     `json:"descriptorsIndexed"`
	Uptime              string  `json:"uptime"`
	MemoryUsage         string  `json:"memoryUsage"`
	WorkerThreads       int     `json:"workerThreads"`
	DegradedMode        bool    `json:"degradedMode"`
}

// GatewayResponse provides per-gateway state for the management interface:
// the configured identity plus the latest probe measurement.
type GatewayResponse struct {
	Name        string `json:"name"`
	URL         string `json:"url"`      // obfuscated when configured
	Priority    int    `json:"priority"` // config tie-break order
	Available   bool   `json:"available"`
	LatencyMs   int64  `json:"latencyMs"` // -1 until the first successful probe
	LastChecked string `json:"lastChecked,omitempty"`
}

// Global restart coordination channel
var (
	// restartChan signals a graceful reload sequence to main: stop the
	// background loops, reload config, and bring everything back up without
	// killing the process.
	restartChan = make(chan bool, 1)
)

// setupAPIRoutes registers the management API endpoints. Called once during
// startup after the core streaming routes are in place.
func setupAPIRoutes(router *mux.Router, svc *facade.StreamService, prober *gateway.Prober) {
	router.HandleFunc("/api/stats", corsMiddleware(middleware.GzipMiddleware(handleGetStats(svc)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/config", corsMiddleware(middleware.GzipMiddleware(handleGetConfig(svc)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/cache", corsMiddleware(middleware.GzipMiddleware(handleGetCacheEntries(svc)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/cache/clear", corsMiddleware(handleClearCache(svc))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/cache/evict", corsMiddleware(handleRunEviction(svc))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/gateways", corsMiddleware(middleware.GzipMiddleware(handleGetGateways(svc)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/gateways/probe", corsMiddleware(handleProbeGateways(svc, prober))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/restart", corsMiddleware(handleRestart)).Methods("POST", "OPTIONS")
	router.HandleFunc("/health", handleHealth(svc)).Methods("GET")
}

// corsMiddleware provides Cross-Origin Resource Sharing support for the
// management API so a web dashboard on another origin can reach it,
// including preflight OPTIONS handling.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		// Configure CORS headers for cross-origin support
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleGetStats assembles the combined resolution and cache statistics for
// the management dashboard.
func handleGetStats(svc *facade.StreamService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		cacheStats := svc.CacheStats()

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		utilization := 0.0
		if svc.Config.CacheMaxEntries > 0 {
			utilization = float64(cacheStats.Active) / float64(svc.Config.CacheMaxEntries)
		}

		indexed := 0
		if svc.DB != nil {
			if n, err := svc.DB.CountDescriptors(); err == nil {
				indexed = n
			}
		}

		lastProbe := ""
		if t := svc.Registry.LastChecked(); !t.IsZero() {
			lastProbe = t.Format(time.RFC3339)
		}

		stats := StatsResponse{
			TotalGateways:       svc.Registry.Len(),
			AvailableGateways:   svc.Registry.AvailableCount(),
			LastProbe:           lastProbe,
			CacheEntries:        cacheStats.Total,
			ActiveHandles:       cacheStats.Active,
			CacheBytes:          utils.FormatBytes(cacheStats.TotalBytes),
			CacheMemoryEstimate: utils.FormatBytes(cacheStats.MemoryEstimate),
			CacheUtilization:    utilization,
			DescriptorsCached:   svc.Metadata.Size(),
			DescriptorsIndexed:  indexed,
			Uptime:              formatDuration(time.Since(svc.StartTime)),
			MemoryUsage:         utils.FormatBytes(int64(m.Alloc)),
			WorkerThreads:       svc.Config.WorkerThreads,
			DegradedMode:        svc.Config.DegradedMode,
		}

		if err := json.NewEncoder(w).Encode(stats); err != nil {
			logger.Error("{api - handleGetStats} Failed to encode stats: %v", err)
			http.Error(w, "Failed to encode stats", http.StatusInternalServerError)
		}
	}
}

// handleGetConfig returns the active runtime configuration with gateway
// URLs run through the obfuscation filter, so the dashboard can display
// settings without leaking upstream endpoints into browser history.
func handleGetConfig(svc *facade.StreamService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		cfg := svc.Config
		sanitized := *cfg
		sanitized.Gateways = make([]config.GatewayConfig, len(cfg.Gateways))
		for i, gw := range cfg.Gateways {
			sanitized.Gateways[i] = gw
			sanitized.Gateways[i].URL = utils.LogURL(cfg, gw.URL)
		}

		json.NewEncoder(w).Encode(sanitized)
	}
}

// handleGetCacheEntries lists every blob cache entry, most recently used
// first, for the management interface's cache inspector.
func handleGetCacheEntries(svc *facade.StreamService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		entries := svc.Blobs.ListEntries()
		if entries == nil {
			entries = []types.CacheEntryInfo{}
		}
		json.NewEncoder(w).Encode(entries)
	}
}

// handleClearCache releases every materialized handle. Playback sessions
// holding old handles will see 404s and re-resolve.
func handleClearCache(svc *facade.StreamService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		before := svc.CacheStats().Total
		svc.ClearCache()
		svc.ClearMetadata()

		logger.Info("{api - handleClearCache} Cache cleared via management API (%d entries dropped)", before)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "success",
			"cleared": before,
		})
	}
}

// handleRunEviction forces a synchronous eviction pass (TTL expiry then
// size cap) without waiting for the janitor tick.
func handleRunEviction(svc *facade.StreamService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		expired, capped := svc.Blobs.RunEviction()
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "success",
			"expired": expired,
			"evicted": capped,
		})
	}
}

// handleGetGateways reports the ranked gateway set with the latest probe
// measurements, in the exact order the resolver would try them.
func handleGetGateways(svc *facade.StreamService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		ranked := svc.Registry.RankedGateways()
		response := make([]GatewayResponse, 0, len(ranked))
		for _, gw := range ranked {
			latencyMs := int64(-1)
			if gw.Latency != types.LatencyUnknown {
				latencyMs = gw.Latency.Milliseconds()
			}

			entry := GatewayResponse{
				Name:      gw.Config.Name,
				URL:       utils.LogURL(svc.Config, gw.Config.URL),
				Priority:  gw.Config.Priority,
				Available: gw.Available,
				LatencyMs: latencyMs,
			}
			if !gw.LastChecked.IsZero() {
				entry.LastChecked = gw.LastChecked.Format(time.RFC3339)
			}
			response = append(response, entry)
		}

		json.NewEncoder(w).Encode(response)
	}
}

// handleProbeGateways kicks off an immediate probe round across all
// gateways instead of waiting for the next scheduled one. The probe runs in
// the background; poll /api/gateways for the refreshed measurements.
func handleProbeGateways(svc *facade.StreamService, prober *gateway.Prober) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		// detach from the request context: net/http cancels it the moment
		// this handler returns, which would abort the whole round
		go prober.ProbeAll(context.WithoutCancel(r.Context()))

		logger.Info("{api - handleProbeGateways} Manual probe round triggered")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "probe_started",
			"message": fmt.Sprintf("Probing %d gateways", svc.Registry.Len()),
		})
	}
}

// handleRestart initiates a graceful reload through the coordination
// channel, letting main tear down and rebuild the background loops cleanly.
func handleRestart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	logger.Info("{api - handleRestart} Restart requested via management API")

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "restart_initiated",
		"message": "Reloading SonicWave configuration...",
	})

	// Trigger restart signal after brief delay
	go func() {
		time.Sleep(500 * time.Millisecond)
		restartChan <- true
	}()
}

// handleHealth is the liveness probe. It reports degraded (but still 200)
// when every gateway is down, since cached content remains servable.
func handleHealth(svc *facade.StreamService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		status := "ok"
		if svc.Registry.AvailableCount() == 0 {
			status = "degraded"
		}

		json.NewEncoder(w).Encode(map[string]any{
			"status":   status,
			"gateways": svc.Registry.AvailableCount(),
			"cached":   svc.CacheStats().Active,
			"uptime":   formatDuration(time.Since(svc.StartTime)),
		})
	}
}

// formatDuration converts time.Duration to human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else {
		days := int(d.Hours()) / 24
		hours := int(d.Hours()) % 24
		return fmt.Sprintf("%dd %dh", days, hours)
	}
}
