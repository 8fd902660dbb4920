package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"sonicwave/work/client"
	"sonicwave/work/config"
	"sonicwave/work/database"
	"sonicwave/work/logger"
	"sonicwave/work/metrics"
	"sonicwave/work/resolver"
	"sonicwave/work/types"
	"sonicwave/work/utils"

	"github.com/maypok86/otter/v2"
)

// ErrDescriptorUnavailable is returned when a content descriptor can neither
// be served from cache or the local index nor fetched from any gateway. The
// condition is transient unless the content id truly does not exist.
var ErrDescriptorUnavailable = errors.New("descriptor unavailable")

// maxDescriptorSize bounds how much of a descriptor document is read from a
// gateway response. Real descriptors are a few hundred bytes.
const maxDescriptorSize = 256 * 1024

// Cache memoizes parsed content descriptors keyed by content id, backed by
// a size-bounded otter cache. Descriptors are treated as immutable once
// published under a content id, so entries carry no TTL; invalidation only
// happens through an explicit Clear.
//
// Lookup order on miss: the local SQLite index of published descriptors
// first (uploads are authoritative locally), then a gateway fetch through
// the resolver. Fetch or parse failures propagate ErrDescriptorUnavailable
// unless the caller explicitly opts into degraded mode, in which case a
// clearly marked placeholder descriptor is returned instead.
type Cache struct {
	config     *config.Config
	resolver   *resolver.Resolver
	httpClient *client.HeaderSettingClient
	db         *database.DB // optional; nil when persistence is disabled
	store      *otter.Cache[string, *types.ContentDescriptor]
}

// New creates a descriptor cache bounded to the configured size. The db may
// be nil; the local-index lookup step is skipped in that case.
func New(cfg *config.Config, res *resolver.Resolver, httpClient *client.HeaderSettingClient, db *database.DB) *Cache {
	store := otter.Must(&otter.Options[string, *types.ContentDescriptor]{
		MaximumSize: cfg.DescriptorCacheSize,
	})

	return &Cache{
		config:     cfg,
		resolver:   res,
		httpClient: httpClient,
		db:         db,
		store:      store,
	}
}

// GetDescriptor returns the descriptor for a content id, memoized. The
// degraded flag opts into placeholder fallback: when true and the
// descriptor cannot be obtained, a placeholder marked as such is returned
// instead of ErrDescriptorUnavailable. Placeholders are never cached, so a
// later healthy fetch replaces them transparently.
func (c *Cache) GetDescriptor(ctx context.Context, contentID string, degraded bool) (*types.ContentDescriptor, error) {

	// memoized hit
	if descriptor, ok := c.store.GetIfPresent(contentID); ok {
		metrics.DescriptorEvents.WithLabelValues("hit").Inc()
		return descriptor, nil
	}

	// locally published descriptors are authoritative and cheap
	if c.db != nil {
		if descriptor, err := c.db.GetDescriptor(contentID); err == nil && descriptor != nil {
			metrics.DescriptorEvents.WithLabelValues("local").Inc()
			c.store.Set(contentID, descriptor)
			return descriptor, nil
		}
	}

	descriptor, err := c.fetchDescriptor(ctx, contentID)
	if err != nil {
		metrics.DescriptorEvents.WithLabelValues("failure").Inc()

		if degraded {
			logger.Warn("{metadata - GetDescriptor} Serving placeholder for %s in degraded mode: %v", contentID, err)
			return placeholderDescriptor(contentID), nil
		}
		return nil, err
	}

	metrics.DescriptorEvents.WithLabelValues("fetch").Inc()
	c.store.Set(contentID, descriptor)
	return descriptor, nil
}

// Publish stores a descriptor for a locally uploaded track: memoized
// immediately and written to the local index when persistence is enabled.
func (c *Cache) Publish(contentID string, descriptor *types.ContentDescriptor) error {
	if len(descriptor.Variants) == 0 {
		return fmt.Errorf("descriptor for %s declares no variants", contentID)
	}

	c.store.Set(contentID, descriptor)

	if c.db != nil {
		if err := c.db.SaveDescriptor(contentID, descriptor); err != nil {
			return err
		}
	}

	logger.Debug("{metadata - Publish} Published descriptor %s (%d variants)", contentID, len(descriptor.Variants))
	return nil
}

// Clear drops every memoized descriptor. This is the only invalidation
// path; descriptors have no TTL.
func (c *Cache) Clear() {
	c.store.InvalidateAll()
}

// Size returns the current number of memoized descriptors.
func (c *Cache) Size() int {
	return int(c.store.EstimatedSize())
}

// fetchDescriptor resolves a gateway for the content id and fetches and
// parses the descriptor document. All transport and parse failures are
// folded into ErrDescriptorUnavailable; raw network errors never leave this
// boundary.
func (c *Cache) fetchDescriptor(ctx context.Context, contentID string) (*types.ContentDescriptor, error) {
	resolution, err := c.resolver.Resolve(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("content %s: %w: %v", contentID, ErrDescriptorUnavailable, err)
	}

	resp, cancel, err := c.httpClient.Get(ctx, resolution.URL, c.config.DescriptorTimeout)
	if err != nil {
		return nil, fmt.Errorf("content %s: %w: fetch failed: %v", contentID, ErrDescriptorUnavailable, err)
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("content %s: %w: gateway %s returned %d",
			contentID, ErrDescriptorUnavailable, resolution.Gateway.Config.Name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorSize))
	if err != nil {
		return nil, fmt.Errorf("content %s: %w: read failed: %v", contentID, ErrDescriptorUnavailable, err)
	}

	descriptor, err := ParseDescriptor(body)
	if err != nil {
		return nil, fmt.Errorf("content %s: %w: %v", contentID, ErrDescriptorUnavailable, err)
	}

	logger.Debug("{metadata - fetchDescriptor} Fetched descriptor %s via %s (%s)",
		contentID, resolution.Gateway.Config.Name, utils.LogURL(c.config, resolution.URL))

	return descriptor, nil
}

// ParseDescriptor parses and validates a descriptor document. Documents
// without at least one variant locator are rejected; every descriptor must
// point at playable bytes.
func ParseDescriptor(data []byte) (*types.ContentDescriptor, error) {
	var descriptor types.ContentDescriptor
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return nil, fmt.Errorf("invalid descriptor document: %w", err)
	}

	if len(descriptor.Variants) == 0 {
		return nil, fmt.Errorf("descriptor declares no variants")
	}

	for tier, variant := range descriptor.Variants {
		if variant.ContentID == "" {
			return nil, fmt.Errorf("variant %q has no content id", tier)
		}
	}

	return &descriptor, nil
}

// placeholderDescriptor builds the degraded-mode substitute for an
// unreachable descriptor. The Placeholder flag is set so callers and UIs
// can distinguish it from real metadata, and the single variant points back
// at the requested content id itself.
func placeholderDescriptor(contentID string) *types.ContentDescriptor {
	return &types.ContentDescriptor{
		Title:       "Unavailable Track",
		Artist:      "Unknown",
		CreatedAt:   time.Now(),
		Placeholder: true,
		Variants: map[string]types.VariantLocator{
			"streaming": {
				ContentID: contentID,
				Format:    "mp3",
			},
		},
	}
}
