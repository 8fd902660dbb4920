package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sonicwave/work/blobcache"
	"sonicwave/work/buffer"
	"sonicwave/work/client"
	"sonicwave/work/config"
	"sonicwave/work/database"
	"sonicwave/work/facade"
	"sonicwave/work/gateway"
	"sonicwave/work/handlers"
	"sonicwave/work/logger"
	"sonicwave/work/metadata"
	"sonicwave/work/resolver"
	"sonicwave/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// set the log level before anything else starts chattering
	if cfg.Debug {
		logger.SetLogLevel("debug")
	}

	// Initialize the fetch buffer pool
	fetchPool := buffer.NewFetchPool(4 * 1024 * 1024)

	// Initialize HTTP client
	httpClient := client.NewHeaderSettingClient(cfg)

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// Open the local descriptor index; persistence is best-effort, the
	// service runs fine without it
	var db *database.DB
	if cfg.DatabasePath != "" {
		db, err = database.Open(cfg.DatabasePath)
		if err != nil {
			logger.Warn("{main} Descriptor index unavailable at %s: %v", cfg.DatabasePath, err)
			db = nil
		} else {
			defer db.Close()
		}
	}

	// Gateway registry, seeded from the persisted set when one exists
	if db != nil {
		if persisted, err := db.LoadGateways(); err == nil && len(persisted) > 0 {
			cfg.Gateways = persisted
		}
	}
	registry := gateway.NewRegistry(cfg)

	// Background gateway prober
	prober := gateway.NewProber(cfg, registry, httpClient, workerPool)
	prober.Start()
	defer prober.Stop()

	// Resolver racing over the ranked registry
	resolverInstance := resolver.New(cfg, registry, httpClient)

	// Metadata cache over the resolver and local index
	metadataCache := metadata.New(cfg, resolverInstance, httpClient, db)

	// Blob cache with its eviction janitor
	allocator := blobcache.NewMemoryAllocator()
	blobs := blobcache.NewManager(cfg, allocator, workerPool)
	blobs.Start()
	defer blobs.Stop()

	// Compose the streaming service
	service := facade.New(cfg, registry, resolverInstance, metadataCache, blobs, allocator, httpClient, fetchPool, db)

	// Setup HTTP routes
	router := mux.NewRouter()

	// Stream resolution: content id + quality tier to a playable handle
	router.HandleFunc("/stream/{id}/{quality}", handlers.HandleStream(service)).Methods("GET")

	// Materialized blob bytes behind a handle
	router.HandleFunc("/blob/{handle}", handlers.HandleBlob(service)).Methods("GET", "HEAD")

	// HLS master playlist per track
	router.HandleFunc("/playlist/{id}", handlers.HandlePlaylist(service)).Methods("GET")

	// Upload: publish a descriptor plus variant payloads
	router.HandleFunc("/upload", handlers.HandleUpload(service)).Methods("POST")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the management API routes
	setupAPIRoutes(router, service, prober)

	addr := fmt.Sprintf(":%d", 8080)

	// show info
	logger.Info("Starting SonicWave %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Gateways: %d", len(cfg.Gateways))
	logger.Info("  - Cache TTL: %s", cfg.CacheTTL)
	logger.Info("  - Cache Max Entries: %d", cfg.CacheMaxEntries)
	logger.Info("  - Eviction Interval: %s", cfg.EvictionInterval)
	logger.Info("  - Probe Interval: %s", cfg.ProbeInterval)
	logger.Info("  - Resolve Candidates: %d", cfg.ResolveCandidates)
	logger.Info("  - Descriptor Cache Size: %d", cfg.DescriptorCacheSize)
	logger.Info("  - Descriptor Index: %v", db != nil)
	logger.Info("  - Degraded Mode: %v", cfg.DegradedMode)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// gracefully restart if it's requested to do.
	go func() {

		// start a loop
		for {
			<-restartChan

			if cfg.Debug {
				logger.Info("{main} Graceful restart requested...")
			}

			// Stop the background loops
			prober.Stop()
			blobs.Stop()

			// CLEAR CONFIG CACHE FIRST
			config.ClearConfigCache()

			// Reload config from file
			newConfig := config.LoadConfig()
			service.Config = newConfig
			if newConfig.Debug {
				logger.SetLogLevel("debug")
			} else {
				logger.SetLogLevel("info")
			}

			// Drop cached state built against the old gateway set
			service.ClearCache()
			service.ClearMetadata()

			// Rebuild the registry and restart the loops
			registry.Reload(newConfig)
			prober.Start()
			blobs.Start()

			if newConfig.Debug {
				logger.Info("{main} Graceful restart completed - %d gateways", len(newConfig.Gateways))
			}

		}

	}()

	logger.Info("Listening on %s (example gateway: %s)", addr,
		utils.LogURL(cfg, cfg.Gateways[0].URL))

	// fire us up
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

}
