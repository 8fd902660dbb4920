package types

import (
	"time"

	"sonicwave/work/config"
)

// Gateway represents the runtime view of a single content gateway, combining
// its static configuration with the most recent probe measurements. Gateways
// are owned by the registry; everything outside the registry works on value
// copies so probe updates can never race with readers.
//
// A gateway with Available=false keeps its last measured latency for
// reporting, but ranking treats it as slower than every available gateway
// regardless of that value.
type Gateway struct {
	Config      config.GatewayConfig // Static configuration (name, URL template, priority, rate limit)
	Latency     time.Duration        // Last measured round-trip latency; LatencyUnknown until first probe
	Available   bool                 // Whether the most recent probe or resolution succeeded
	LastChecked time.Time            // Timestamp of the most recent probe outcome (zero until first probe)
}

// LatencyUnknown marks a gateway that has never completed a successful probe.
// It sorts after every measured latency among available gateways.
const LatencyUnknown = time.Duration(-1)

// Name returns the configured gateway name.
func (g *Gateway) Name() string {
	return g.Config.Name
}

// ContentURL expands this gateway's URL template for the given content id.
func (g *Gateway) ContentURL(contentID string) string {
	return g.Config.ContentURL(contentID)
}

// ProbeOutcome carries the result of a single gateway liveness check back
// into the registry. Failed probes record only the failure; the stale latency
// value is retained on the gateway for operator visibility.
type ProbeOutcome struct {
	Success bool          // Whether the probe received a 2xx response in time
	Latency time.Duration // Round-trip latency of a successful probe
	Checked time.Time     // When the probe completed
}

// VariantLocator identifies one encoding of a logical track: the content id
// of the raw bytes plus the declared format, bitrate, and size. Locators are
// immutable once published under a content id.
type VariantLocator struct {
	ContentID string `json:"contentId"` // Content-addressed id of the raw audio bytes
	Format    string `json:"format"`    // Declared container/codec format (e.g. "mp3", "aac")
	Bitrate   int    `json:"bitrate"`   // Declared bitrate in kbps
	SizeBytes int64  `json:"sizeBytes"` // Declared size of the raw bytes
}

// ContentDescriptor is the parsed metadata document for a logical track.
// Every descriptor carries at least one quality variant; parsing rejects
// documents without any. The Placeholder flag marks degraded-mode
// substitutes so callers can distinguish them from real metadata.
type ContentDescriptor struct {
	Title       string                    `json:"title"`             // Track title
	Artist      string                    `json:"artist"`            // Creator/artist name
	Album       string                    `json:"album,omitempty"`   // Optional collection name
	Duration    float64                   `json:"duration"`          // Track duration in seconds
	Genre       string                    `json:"genre,omitempty"`   // Optional genre tag
	Year        int                       `json:"year,omitempty"`    // Optional release year
	CreatedAt   time.Time                 `json:"created_at"`        // Publication timestamp
	Variants    map[string]VariantLocator `json:"variants"`          // Quality tier name -> variant locator
	Placeholder bool                      `json:"placeholder,omitempty"` // True only for degraded-mode substitutes
}

// Variant returns the locator for the named quality tier.
func (d *ContentDescriptor) Variant(quality string) (VariantLocator, bool) {
	v, ok := d.Variants[quality]
	return v, ok
}

// QualityTiers returns the declared tier names in no particular order.
func (d *ContentDescriptor) QualityTiers() []string {
	tiers := make([]string, 0, len(d.Variants))
	for name := range d.Variants {
		tiers = append(tiers, name)
	}
	return tiers
}

// CacheStats summarizes the blob cache for monitoring and the admin API.
// MemoryEstimate adds a fixed per-entry overhead on top of the raw byte
// total to approximate index and handle bookkeeping costs.
type CacheStats struct {
	Total          int       `json:"total"`          // Total entries in the index (active + inactive)
	Active         int       `json:"active"`         // Entries whose handle is still live
	TotalBytes     int64     `json:"totalBytes"`     // Sum of raw byte sizes across entries
	MemoryEstimate int64     `json:"memoryEstimate"` // Derived estimate including per-entry overhead
	Oldest         time.Time `json:"oldest"`         // Creation time of the oldest entry (zero when empty)
	Newest         time.Time `json:"newest"`         // Creation time of the newest entry (zero when empty)
}

// CacheEntryInfo is the read-only projection of a blob cache entry exposed
// through listEntries and the admin API. It never exposes the raw bytes.
type CacheEntryInfo struct {
	ContentID   string    `json:"contentId"`   // Content id this entry was materialized for
	Handle      string    `json:"handle"`      // Opaque playable resource handle
	MimeType    string    `json:"mimeType"`    // Declared mime type of the materialized bytes
	SizeBytes   int64     `json:"sizeBytes"`   // Size of the retained raw bytes
	CreatedAt   time.Time `json:"createdAt"`   // When the entry was first materialized
	LastAccess  time.Time `json:"lastAccess"`  // Most recent lookup/access timestamp
	AccessCount int64     `json:"accessCount"` // Number of materialize/lookup/recordAccess hits
	Active      bool      `json:"active"`      // False once revoked, expired, or failed liveness
}
