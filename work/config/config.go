package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Config holds all application configuration values for the sonicwave
// streaming core. It covers the blob cache bounds, gateway resolution tuning,
// probe scheduling, and the list of configured content gateways.
type Config struct {
	BaseURL             string          `json:"baseURL"`             // Base URL for the application (used when building handle and playlist URLs)
	CacheTTL            time.Duration   `json:"cacheTTL"`            // Maximum age of a blob cache entry before expiry eviction
	CacheMaxEntries     int             `json:"cacheMaxEntries"`     // Hard cap on the number of blob cache entries
	EvictionInterval    time.Duration   `json:"evictionInterval"`    // Interval between background eviction ticks
	ProbeInterval       time.Duration   `json:"probeInterval"`       // Interval between gateway liveness probe rounds
	ProbeTimeout        time.Duration   `json:"probeTimeout"`        // Per-gateway timeout for a single liveness probe
	ProbeReference      string          `json:"probeReference"`      // Known-good content id used as the probe target
	ResolveTimeout      time.Duration   `json:"resolveTimeout"`      // Per-gateway timeout for a HEAD request during resolution
	ResolveCandidates   int             `json:"resolveCandidates"`   // Number of top-ranked gateways raced per resolution
	DescriptorTimeout   time.Duration   `json:"descriptorTimeout"`   // Timeout for fetching a content descriptor document
	DescriptorCacheSize int             `json:"descriptorCacheSize"` // Maximum number of memoized content descriptors
	FetchTimeout        time.Duration   `json:"fetchTimeout"`        // Timeout for fetching raw variant bytes from a gateway
	WorkerThreads       int             `json:"workerThreads"`       // Number of worker threads for probe and batch fan-out
	Debug               bool            `json:"debug"`               // Enable debug logging
	ObfuscateUrls       bool            `json:"obfuscateUrls"`       // Obfuscate gateway URLs in logs
	DegradedMode        bool            `json:"degradedMode"`        // Allow placeholder descriptors when metadata is unreachable
	DatabasePath        string          `json:"databasePath"`        // SQLite database path for published descriptors
	MaxConnectionsToApp int             `json:"maxConnectionsToApp"` // Maximum concurrent connections allowed to the app
	UserAgent           string          `json:"userAgent"`           // HTTP User-Agent header for gateway requests
	ReqOrigin           string          `json:"reqOrigin"`           // HTTP Origin header for gateway requests
	ReqReferrer         string          `json:"reqReferrer"`         // HTTP Referer header for gateway requests
	Gateways            []GatewayConfig `json:"gateways"`            // List of configured content gateways
}

// GatewayConfig represents the configuration for a single content gateway.
// The URL field is a template; a "{cid}" placeholder is replaced with the
// content id, otherwise the id is appended as a path segment.
type GatewayConfig struct {
	Name                 string `json:"name"`                 // Descriptive name for the gateway
	URL                  string `json:"url"`                  // URL template for content requests
	Priority             int    `json:"priority"`             // Tie-break order when latency is equal (lower wins)
	MaxRequestsPerSecond int    `json:"maxRequestsPerSecond"` // Probe/request rate limit toward this gateway
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling
// configuration. String duration fields (e.g. "30m") are parsed into
// time.Duration values.
type ConfigFile struct {
	BaseURL             string          `json:"baseURL"`
	CacheTTL            string          `json:"cacheTTL"`            // Duration as string (e.g., "30m")
	CacheMaxEntries     int             `json:"cacheMaxEntries"`
	EvictionInterval    string          `json:"evictionInterval"`    // Duration as string (e.g., "5m")
	ProbeInterval       string          `json:"probeInterval"`       // Duration as string (e.g., "60s")
	ProbeTimeout        string          `json:"probeTimeout"`        // Duration as string (e.g., "4s")
	ProbeReference      string          `json:"probeReference"`
	ResolveTimeout      string          `json:"resolveTimeout"`      // Duration as string (e.g., "3s")
	ResolveCandidates   int             `json:"resolveCandidates"`
	DescriptorTimeout   string          `json:"descriptorTimeout"`   // Duration as string (e.g., "5s")
	DescriptorCacheSize int             `json:"descriptorCacheSize"`
	FetchTimeout        string          `json:"fetchTimeout"`        // Duration as string (e.g., "30s")
	WorkerThreads       int             `json:"workerThreads"`
	Debug               bool            `json:"debug"`
	ObfuscateUrls       bool            `json:"obfuscateUrls"`
	DegradedMode        bool            `json:"degradedMode"`
	DatabasePath        string          `json:"databasePath"`
	MaxConnectionsToApp int             `json:"maxConnectionsToApp"`
	UserAgent           string          `json:"userAgent"`
	ReqOrigin           string          `json:"reqOrigin"`
	ReqReferrer         string          `json:"reqReferrer"`
	Gateways            []GatewayConfig `json:"gateways"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from the path in SONICWAVE_CONFIG, falling back to
//     `/settings/config.json`.
//   - Falls back to the default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
//
// Returns:
//   - *Config: fully validated configuration object
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	// Attempt to load from file
	configPath := os.Getenv("SONICWAVE_CONFIG")
	if configPath == "" {
		configPath = "/settings/config.json"
	}
	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	// Ensure safe defaults for missing values
	validateAndSetDefaults(config)

	// Cache for future calls
	configCache = config

	// Debug logging of loaded config
	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Gateways: %d configured", len(config.Gateways))
		for i := range config.Gateways {
			gw := &config.Gateways[i]
			urlToLog := gw.URL
			if config.ObfuscateUrls {
				urlToLog = obfuscateURL(gw.URL)
			}
			log.Printf("    Gateway %d (%s): %s (priority: %d, rate: %d req/s)",
				i+1, gw.Name, urlToLog, gw.Priority, gw.MaxRequestsPerSecond)
		}
		log.Printf("  Cache TTL: %s, cap: %d entries", config.CacheTTL, config.CacheMaxEntries)
		log.Printf("  Resolve candidates: %d, timeout: %s", config.ResolveCandidates, config.ResolveTimeout)
		log.Printf("  Degraded mode: %v", config.DegradedMode)
	}

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
//
// Parameters:
//   - path: path to JSON config file
//
// Returns:
//   - *Config: parsed configuration
//   - error: if reading/parsing failed
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings
// into time.Duration values.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:             cf.BaseURL,
		CacheMaxEntries:     cf.CacheMaxEntries,
		ProbeReference:      cf.ProbeReference,
		ResolveCandidates:   cf.ResolveCandidates,
		DescriptorCacheSize: cf.DescriptorCacheSize,
		WorkerThreads:       cf.WorkerThreads,
		Debug:               cf.Debug,
		ObfuscateUrls:       cf.ObfuscateUrls,
		DegradedMode:        cf.DegradedMode,
		DatabasePath:        cf.DatabasePath,
		MaxConnectionsToApp: cf.MaxConnectionsToApp,
		UserAgent:           cf.UserAgent,
		ReqOrigin:           cf.ReqOrigin,
		ReqReferrer:         cf.ReqReferrer,
		Gateways:            append([]GatewayConfig(nil), cf.Gateways...),
	}

	// Parse duration fields
	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cf.CacheTTL, &config.CacheTTL, "cacheTTL"},
		{cf.EvictionInterval, &config.EvictionInterval, "evictionInterval"},
		{cf.ProbeInterval, &config.ProbeInterval, "probeInterval"},
		{cf.ProbeTimeout, &config.ProbeTimeout, "probeTimeout"},
		{cf.ResolveTimeout, &config.ResolveTimeout, "resolveTimeout"},
		{cf.DescriptorTimeout, &config.DescriptorTimeout, "descriptorTimeout"},
		{cf.FetchTimeout, &config.FetchTimeout, "fetchTimeout"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration with sensible defaults
// when no file is present. The default gateway set covers the common public
// IPFS-style gateways.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:             "http://localhost:8080",
		CacheTTL:            30 * time.Minute, // Default 30 min blob expiry
		CacheMaxEntries:     50,               // Default cap on materialized blobs
		EvictionInterval:    5 * time.Minute,  // Default eviction tick
		ProbeInterval:       60 * time.Second, // Default probe round interval
		ProbeTimeout:        4 * time.Second,  // Default per-probe timeout
		ProbeReference:      "bafkqaaa",       // Empty inline block, served by every gateway
		ResolveTimeout:      3 * time.Second,  // Default per-HEAD timeout
		ResolveCandidates:   3,                // Default top-K race width
		DescriptorTimeout:   5 * time.Second,  // Default descriptor fetch timeout
		DescriptorCacheSize: 1024,             // Default memoized descriptor cap
		FetchTimeout:        30 * time.Second, // Default raw byte fetch timeout
		WorkerThreads:       8,                // Default worker threads
		Debug:               false,            // Debug disabled
		ObfuscateUrls:       false,            // Do not obfuscate by default
		DegradedMode:        false,            // Placeholder descriptors are opt-in
		DatabasePath:        "/settings/sonicwave.db",
		MaxConnectionsToApp: 100, // Default connection limit
		UserAgent:           "sonicwave/1.0",
		Gateways:            defaultGateways(),
	}
}

// defaultGateways returns the built-in public gateway set, ordered by
// priority. Operators normally override this list in the config file.
func defaultGateways() []GatewayConfig {
	return []GatewayConfig{
		{Name: "ipfs.io", URL: "https://ipfs.io/ipfs/{cid}", Priority: 1, MaxRequestsPerSecond: 10},
		{Name: "dweb.link", URL: "https://dweb.link/ipfs/{cid}", Priority: 2, MaxRequestsPerSecond: 10},
		{Name: "cloudflare", URL: "https://cloudflare-ipfs.com/ipfs/{cid}", Priority: 3, MaxRequestsPerSecond: 10},
		{Name: "w3s.link", URL: "https://w3s.link/ipfs/{cid}", Priority: 4, MaxRequestsPerSecond: 5},
	}
}

// validateAndSetDefaults ensures all config values are valid, filling in
// defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 30 * time.Minute
	}
	if config.CacheMaxEntries <= 0 {
		config.CacheMaxEntries = 50
	}
	if config.EvictionInterval <= 0 {
		config.EvictionInterval = 5 * time.Minute
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 60 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 4 * time.Second
	}
	if config.ProbeReference == "" {
		config.ProbeReference = "bafkqaaa"
	}
	if config.ResolveTimeout <= 0 {
		config.ResolveTimeout = 3 * time.Second
	}
	if config.ResolveCandidates <= 0 {
		config.ResolveCandidates = 3
	}
	if config.DescriptorTimeout <= 0 {
		config.DescriptorTimeout = 5 * time.Second
	}
	if config.DescriptorCacheSize <= 0 {
		config.DescriptorCacheSize = 1024
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 30 * time.Second
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/settings/sonicwave.db"
	}
	if config.MaxConnectionsToApp <= 0 {
		config.MaxConnectionsToApp = 100
	}
	if config.UserAgent == "" {
		config.UserAgent = "sonicwave/1.0"
	}
	if len(config.Gateways) == 0 {
		config.Gateways = defaultGateways()
	}

	// Validate each gateway
	for i := range config.Gateways {
		gw := &config.Gateways[i]
		if gw.Name == "" {
			gw.Name = fmt.Sprintf("Gateway_%d", i+1)
		}
		if gw.Priority <= 0 {
			gw.Priority = i + 1
		}
		if gw.MaxRequestsPerSecond <= 0 {
			gw.MaxRequestsPerSecond = 5
		}
	}
}

// ContentURL expands a gateway URL template for the given content id.
// A "{cid}" placeholder is substituted in place; templates without the
// placeholder get the id appended as a path segment.
func (g *GatewayConfig) ContentURL(contentID string) string {
	if strings.Contains(g.URL, "{cid}") {
		return strings.ReplaceAll(g.URL, "{cid}", contentID)
	}
	return strings.TrimRight(g.URL, "/") + "/" + contentID
}

// GetGatewayByName returns a pointer to the GatewayConfig matching the given
// name. Returns nil if no match is found.
func (c *Config) GetGatewayByName(name string) *GatewayConfig {

	// loop the gateways to find a name match
	for i := range c.Gateways {
		if c.Gateways[i].Name == name {
			return &c.Gateways[i]
		}
	}
	return nil
}

// GetGatewaysByPriority returns a copy of gateways sorted by their Priority
// field. The original slice remains unmodified.
func (c *Config) GetGatewaysByPriority() []GatewayConfig {

	// copy the original gateways
	gateways := make([]GatewayConfig, len(c.Gateways))
	copy(gateways, c.Gateways)

	// Simple bubble sort (sufficient since the gateway set is small)
	for i := 0; i < len(gateways)-1; i++ {
		for j := i + 1; j < len(gateways); j++ {
			if gateways[i].Priority > gateways[j].Priority {
				gateways[i], gateways[j] = gateways[j], gateways[i]
			}
		}
	}

	return gateways
}

// CreateExampleConfig creates an example config file on disk.
//
// Parameters:
//   - path: file path to write example config
//
// Returns:
//   - error: if write fails
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:             "http://localhost:8080",
		CacheTTL:            "30m",
		CacheMaxEntries:     50,
		EvictionInterval:    "5m",
		ProbeInterval:       "60s",
		ProbeTimeout:        "4s",
		ProbeReference:      "bafkqaaa",
		ResolveTimeout:      "3s",
		ResolveCandidates:   3,
		DescriptorTimeout:   "5s",
		DescriptorCacheSize: 1024,
		FetchTimeout:        "30s",
		WorkerThreads:       8,
		Debug:               false,
		ObfuscateUrls:       true,
		DegradedMode:        false,
		DatabasePath:        "/settings/sonicwave.db",
		MaxConnectionsToApp: 100,
		UserAgent:           "sonicwave/1.0",
		Gateways:            defaultGateways(),
	}

	// marshal the example to indented JSON
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	// write the config file
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "https://gw.example.com/ipfs/bafy...?token=abc"
//	Output: "https://gw.example.com/***?***"
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
