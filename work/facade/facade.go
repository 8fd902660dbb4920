package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"sonicwave/work/blobcache"
	"sonicwave/work/buffer"
	"sonicwave/work/client"
	"sonicwave/work/config"
	"sonicwave/work/database"
	"sonicwave/work/gateway"
	"sonicwave/work/logger"
	"sonicwave/work/metadata"
	"sonicwave/work/metrics"
	"sonicwave/work/resolver"
	"sonicwave/work/types"
	"sonicwave/work/utils"

	"github.com/grafov/m3u8"
)

// ErrQualityUnavailable is returned when a descriptor exists but declares no
// variant for the requested quality tier. The condition is permanent for
// that content/quality pair.
var ErrQualityUnavailable = errors.New("quality unavailable")

// ErrInvalidContentID is returned when a caller-supplied content id fails
// validation before it ever reaches a gateway URL.
var ErrInvalidContentID = errors.New("invalid content id")

// StreamService is the single entry point external callers use. It composes
// the gateway registry, resolver, metadata cache, and blob cache into the
// two core flows: reading (GetStreamingURL) and writing (UploadContent),
// plus cache health queries. Raw transport errors never leak out of it;
// callers only ever see the structured error taxonomy.
type StreamService struct {
	Config     *config.Config
	Registry   *gateway.Registry
	Resolver   *resolver.Resolver
	Metadata   *metadata.Cache
	Blobs      *blobcache.Manager
	Allocator  *blobcache.MemoryAllocator
	HttpClient *client.HeaderSettingClient
	FetchPool  *buffer.FetchPool
	DB         *database.DB // nil when persistence is disabled
	StartTime  time.Time
}

// UploadVariant is one externally supplied encoding of an uploaded track.
// Multi-bitrate derivation happens outside this core; callers hand in the
// already-encoded bytes per tier.
type UploadVariant struct {
	Data    []byte `json:"data"` // raw encoded audio bytes (base64 in JSON)
	Format  string `json:"format"`
	Bitrate int    `json:"bitrate"`
}

// UploadInput carries the descriptor fields and variant payloads for an
// upload. At least one variant is required.
type UploadInput struct {
	Title    string                   `json:"title"`
	Artist   string                   `json:"artist"`
	Album    string                   `json:"album,omitempty"`
	Duration float64                  `json:"duration"`
	Genre    string                   `json:"genre,omitempty"`
	Year     int                      `json:"year,omitempty"`
	Variants map[string]UploadVariant `json:"variants"`
}

// UploadResult is the outcome of an upload: the assigned content id plus
// the published descriptor.
type UploadResult struct {
	ContentID  string                   `json:"contentId"`
	Descriptor *types.ContentDescriptor `json:"descriptor"`
}

// New wires a StreamService from its constructed components.
func New(cfg *config.Config, registry *gateway.Registry, res *resolver.Resolver, meta *metadata.Cache,
	blobs *blobcache.Manager, allocator *blobcache.MemoryAllocator, httpClient *client.HeaderSettingClient,
	fetchPool *buffer.FetchPool, db *database.DB) *StreamService {

	return &StreamService{
		Config:     cfg,
		Registry:   registry,
		Resolver:   res,
		Metadata:   meta,
		Blobs:      blobs,
		Allocator:  allocator,
		HttpClient: httpClient,
		FetchPool:  fetchPool,
		DB:         db,
		StartTime:  time.Now(),
	}
}

// GetStreamingURL resolves a playable handle for a track at the requested
// quality tier: descriptor lookup, variant selection, gateway resolution,
// byte fetch, and materialization. A second call with unchanged state
// returns the same handle straight from the blob cache without touching the
// network.
func (s *StreamService) GetStreamingURL(ctx context.Context, contentID, quality string) (string, error) {
	if !utils.ValidContentID(contentID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidContentID, contentID)
	}

	descriptor, err := s.Metadata.GetDescriptor(ctx, contentID, s.Config.DegradedMode)
	if err != nil {
		return "", err
	}

	variant, ok := descriptor.Variant(quality)
	if !ok {
		tiers := descriptor.QualityTiers()
		sort.Strings(tiers)
		return "", fmt.Errorf("content %s: %w: no %q tier (have: %s)",
			contentID, ErrQualityUnavailable, quality, strings.Join(tiers, ", "))
	}

	// cached materialization short-circuits the whole network path
	if handle, ok := s.Blobs.Lookup(variant.ContentID); ok {
		logger.Debug("{facade - GetStreamingURL} Cache hit for %s/%s", contentID, quality)
		return handle, nil
	}

	resolution, err := s.Resolver.Resolve(ctx, variant.ContentID)
	if err != nil {
		return "", err
	}

	data, contentType, err := s.fetchBytes(ctx, resolution)
	if err != nil {
		return "", err
	}

	mimeType := MimeForFormat(variant.Format)
	if mimeType == "application/octet-stream" && contentType != "" {
		mimeType = contentType
	}

	handle, err := s.Blobs.Materialize(variant.ContentID, data, mimeType)
	if err != nil {
		return "", err
	}

	logger.Debug("{facade - GetStreamingURL} Materialized %s/%s via %s (%s)",
		contentID, quality, resolution.Gateway.Config.Name, utils.FormatBytes(int64(len(data))))
	return handle, nil
}

// HandleURL converts a resource handle into the HTTP URL a playback element
// can consume.
func (s *StreamService) HandleURL(handle string) string {
	return s.Config.BaseURL + "/blob/" + handle
}

// UploadContent is the write path: it derives a content id for every
// supplied variant, materializes the variant bytes locally, assigns the
// track's content id from the descriptor document itself, and publishes the
// descriptor into the metadata cache (and the local index when persistence
// is enabled).
func (s *StreamService) UploadContent(ctx context.Context, input UploadInput) (*UploadResult, error) {
	if len(input.Variants) == 0 {
		return nil, fmt.Errorf("upload requires at least one variant")
	}

	descriptor := &types.ContentDescriptor{
		Title:     input.Title,
		Artist:    input.Artist,
		Album:     input.Album,
		Duration:  input.Duration,
		Genre:     input.Genre,
		Year:      input.Year,
		CreatedAt: time.Now().UTC(),
		Variants:  make(map[string]types.VariantLocator, len(input.Variants)),
	}

	batch := make([]blobcache.BatchItem, 0, len(input.Variants))
	for tier, variant := range input.Variants {
		if len(variant.Data) == 0 {
			return nil, fmt.Errorf("variant %q has no data", tier)
		}

		variantID := utils.DeriveContentID(variant.Data)
		descriptor.Variants[tier] = types.VariantLocator{
			ContentID: variantID,
			Format:    variant.Format,
			Bitrate:   variant.Bitrate,
			SizeBytes: int64(len(variant.Data)),
		}

		batch = append(batch, blobcache.BatchItem{
			ContentID: variantID,
			Data:      variant.Data,
			MimeType:  MimeForFormat(variant.Format),
		})
	}

	// best-effort local materialization; the descriptor publish below is
	// what makes the upload visible, a failed variant just refetches later
	materialized := s.Blobs.BatchMaterialize(batch)

	// the track id is content-addressed from the descriptor document
	document, err := json.Marshal(descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to encode descriptor: %w", err)
	}
	contentID := utils.DeriveContentID(document)

	if err := s.Metadata.Publish(contentID, descriptor); err != nil {
		return nil, fmt.Errorf("failed to publish descriptor %s: %w", contentID, err)
	}

	logger.Info("{facade - UploadContent} Published %s (%q by %q, %d variants, %d materialized)",
		contentID, input.Title, input.Artist, len(descriptor.Variants), len(materialized))

	return &UploadResult{ContentID: contentID, Descriptor: descriptor}, nil
}

// GeneratePlaylist renders an HLS-style master playlist mapping the track's
// quality tiers to their stream URLs, for players that prefer a playlist
// over direct tier selection.
func (s *StreamService) GeneratePlaylist(ctx context.Context, contentID string) (string, error) {
	if !utils.ValidContentID(contentID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidContentID, contentID)
	}

	descriptor, err := s.Metadata.GetDescriptor(ctx, contentID, s.Config.DegradedMode)
	if err != nil {
		return "", err
	}

	tiers := descriptor.QualityTiers()
	sort.Slice(tiers, func(i, j int) bool {
		// highest bitrate first, name as tie-break for determinism
		a, b := descriptor.Variants[tiers[i]], descriptor.Variants[tiers[j]]
		if a.Bitrate != b.Bitrate {
			return a.Bitrate > b.Bitrate
		}
		return tiers[i] < tiers[j]
	})

	playlist := m3u8.NewMasterPlaylist()
	for _, tier := range tiers {
		variant := descriptor.Variants[tier]
		streamURL := fmt.Sprintf("%s/stream/%s/%s", s.Config.BaseURL, contentID, tier)
		playlist.Append(streamURL, nil, m3u8.VariantParams{
			Bandwidth: uint32(variant.Bitrate * 1000),
			Codecs:    variant.Format,
		})
	}

	return playlist.Encode().String(), nil
}

// CacheStats reports the blob cache health summary.
func (s *StreamService) CacheStats() types.CacheStats {
	return s.Blobs.Stats()
}

// ClearCache releases every materialized handle and empties the blob cache.
// Memoized descriptors are left alone; use ClearMetadata for those.
func (s *StreamService) ClearCache() {
	s.Blobs.ClearAll()
}

// ClearMetadata drops all memoized descriptors. The only invalidation path
// for the metadata cache.
func (s *StreamService) ClearMetadata() {
	s.Metadata.Clear()
}

// fetchBytes downloads the raw variant bytes from the resolved gateway
// through the fetch buffer pool, returning an owned copy plus the response
// content type.
func (s *StreamService) fetchBytes(ctx context.Context, resolution *resolver.Resolution) ([]byte, string, error) {
	resp, cancel, err := s.HttpClient.Get(ctx, resolution.URL, s.Config.FetchTimeout)
	if err != nil {
		return nil, "", fmt.Errorf("fetch via %s: %w: %v",
			resolution.Gateway.Config.Name, resolver.ErrAllGatewaysUnreachable, err)
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch via %s: %w: status %d",
			resolution.Gateway.Config.Name, resolver.ErrAllGatewaysUnreachable, resp.StatusCode)
	}

	buf := s.FetchPool.Get()
	defer s.FetchPool.Put(buf)

	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, "", fmt.Errorf("fetch via %s: %w: read failed: %v",
			resolution.Gateway.Config.Name, resolver.ErrAllGatewaysUnreachable, err)
	}

	metrics.BytesFetched.WithLabelValues(resolution.Gateway.Config.Name).Add(float64(buf.Len()))

	// copy out of the pooled buffer before it is reused
	data := make([]byte, buf.Len())
	copy(data, buf.B)
	return data, resp.Header.Get("Content-Type"), nil
}

// MimeForFormat maps a declared variant format to the mime type handed to
// the playback element.
func MimeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "mp3":
		return "audio/mpeg"
	case "aac":
		return "audio/aac"
	case "m4a", "mp4":
		return "audio/mp4"
	case "ogg", "opus":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	case "wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
