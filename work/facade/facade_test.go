package facade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sonicwave/work/blobcache"
	"sonicwave/work/buffer"
	"sonicwave/work/client"
	"sonicwave/work/config"
	"sonicwave/work/gateway"
	"sonicwave/work/metadata"
	"sonicwave/work/resolver"
	"sonicwave/work/types"
	"sonicwave/work/utils"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAudioBytes = []byte("ID3\x04fake mp3 payload for tests")

// serviceFixture stands up a full service against one httptest gateway that
// serves a descriptor document under the track id and raw audio bytes under
// the variant id. The returned counter tracks GETs of the variant bytes.
func serviceFixture(t *testing.T) (*StreamService, *atomic.Int32) {
	t.Helper()

	document, err := json.Marshal(&types.ContentDescriptor{
		Title:    "Fixture Track",
		Artist:   "Fixture Artist",
		Duration: 180,
		Variants: map[string]types.VariantLocator{
			"high": {ContentID: "bafkvariantbytes", Format: "mp3", Bitrate: 320, SizeBytes: int64(len(testAudioBytes))},
		},
	})
	require.NoError(t, err)

	var byteFetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/bafktrack"):
			if r.Method == http.MethodGet {
				w.Write(document)
			}
		case strings.HasSuffix(r.URL.Path, "/bafkvariantbytes"):
			if r.Method == http.MethodGet {
				byteFetches.Add(1)
				w.Header().Set("Content-Type", "audio/mpeg")
				w.Write(testAudioBytes)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		BaseURL: "http://localhost:8080",
		Gateways: []config.GatewayConfig{
			{Name: "test", URL: srv.URL + "/ipfs/{cid}", Priority: 1},
		},
		CacheTTL:            30 * time.Minute,
		CacheMaxEntries:     50,
		EvictionInterval:    time.Minute,
		ResolveTimeout:      2 * time.Second,
		ResolveCandidates:   3,
		DescriptorTimeout:   2 * time.Second,
		DescriptorCacheSize: 16,
		FetchTimeout:        5 * time.Second,
		UserAgent:           "sonicwave-test",
	}

	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	httpClient := client.NewHeaderSettingClient(cfg)
	registry := gateway.NewRegistry(cfg)
	res := resolver.New(cfg, registry, httpClient)
	meta := metadata.New(cfg, res, httpClient, nil)
	allocator := blobcache.NewMemoryAllocator()
	blobs := blobcache.NewManager(cfg, allocator, pool)

	svc := New(cfg, registry, res, meta, blobs, allocator, httpClient, buffer.NewFetchPool(64*1024), nil)
	return svc, &byteFetches
}

func TestGetStreamingURL_EndToEnd(t *testing.T) {
	svc, byteFetches := serviceFixture(t)

	handle, err := svc.GetStreamingURL(context.Background(), "bafktrack", "high")
	require.NoError(t, err)
	assert.Contains(t, handle, "blob:bafkvariantbytes:")

	data, mimeType, err := svc.Allocator.Open(handle)
	require.NoError(t, err)
	assert.Equal(t, testAudioBytes, data)
	assert.Equal(t, "audio/mpeg", mimeType)
	assert.Equal(t, int32(1), byteFetches.Load())
}

func TestGetStreamingURL_SecondCallServedFromCache(t *testing.T) {
	svc, byteFetches := serviceFixture(t)

	first, err := svc.GetStreamingURL(context.Background(), "bafktrack", "high")
	require.NoError(t, err)

	second, err := svc.GetStreamingURL(context.Background(), "bafktrack", "high")
	require.NoError(t, err)

	assert.Equal(t, first, second, "unchanged state must yield the same handle")
	assert.Equal(t, int32(1), byteFetches.Load(), "the cached blob must not be refetched")
}

func TestGetStreamingURL_QualityUnavailable(t *testing.T) {
	svc, _ := serviceFixture(t)

	_, err := svc.GetStreamingURL(context.Background(), "bafktrack", "lossless")
	require.ErrorIs(t, err, ErrQualityUnavailable)
	assert.Contains(t, err.Error(), "high", "the error names the tiers that do exist")
}

func TestGetStreamingURL_InvalidContentID(t *testing.T) {
	svc, _ := serviceFixture(t)

	_, err := svc.GetStreamingURL(context.Background(), "../../etc/passwd", "high")
	assert.ErrorIs(t, err, ErrInvalidContentID)
}

func TestGetStreamingURL_DescriptorUnavailable(t *testing.T) {
	svc, _ := serviceFixture(t)

	_, err := svc.GetStreamingURL(context.Background(), "bafkunknown", "high")
	assert.ErrorIs(t, err, metadata.ErrDescriptorUnavailable)
}

func TestGetStreamingURL_RefetchAfterClear(t *testing.T) {
	svc, byteFetches := serviceFixture(t)

	_, err := svc.GetStreamingURL(context.Background(), "bafktrack", "high")
	require.NoError(t, err)

	svc.ClearCache()

	_, err = svc.GetStreamingURL(context.Background(), "bafktrack", "high")
	require.NoError(t, err)
	assert.Equal(t, int32(2), byteFetches.Load())
}

func TestUploadContent(t *testing.T) {
	svc, _ := serviceFixture(t)

	result, err := svc.UploadContent(context.Background(), UploadInput{
		Title:    "Uploaded Track",
		Artist:   "Uploader",
		Duration: 95,
		Variants: map[string]UploadVariant{
			"high": {Data: testAudioBytes, Format: "mp3", Bitrate: 320},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ContentID)

	variant := result.Descriptor.Variants["high"]
	assert.Equal(t, utils.DeriveContentID(testAudioBytes), variant.ContentID,
		"variant ids are content-addressed from the bytes")
	assert.Equal(t, int64(len(testAudioBytes)), variant.SizeBytes)

	// the upload is immediately streamable without any gateway fetch
	handle, err := svc.GetStreamingURL(context.Background(), result.ContentID, "high")
	require.NoError(t, err)

	data, _, err := svc.Allocator.Open(handle)
	require.NoError(t, err)
	assert.Equal(t, testAudioBytes, data)
}

func TestUploadContent_Validation(t *testing.T) {
	svc, _ := serviceFixture(t)

	_, err := svc.UploadContent(context.Background(), UploadInput{Title: "No Variants"})
	assert.Error(t, err)

	_, err = svc.UploadContent(context.Background(), UploadInput{
		Title: "Empty Variant",
		Variants: map[string]UploadVariant{
			"high": {Format: "mp3", Bitrate: 320},
		},
	})
	assert.Error(t, err)
}

func TestUploadContent_Deterministic(t *testing.T) {
	svc, _ := serviceFixture(t)

	input := UploadInput{
		Title:    "Stable Track",
		Artist:   "Stable Artist",
		Duration: 60,
		Variants: map[string]UploadVariant{
			"high": {Data: testAudioBytes, Format: "mp3", Bitrate: 320},
		},
	}

	first, err := svc.UploadContent(context.Background(), input)
	require.NoError(t, err)
	second, err := svc.UploadContent(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t,
		first.Descriptor.Variants["high"].ContentID,
		second.Descriptor.Variants["high"].ContentID,
		"identical bytes derive identical variant ids")
}

func TestGeneratePlaylist(t *testing.T) {
	svc, _ := serviceFixture(t)

	result, err := svc.UploadContent(context.Background(), UploadInput{
		Title:    "Playlist Track",
		Artist:   "Playlist Artist",
		Duration: 200,
		Variants: map[string]UploadVariant{
			"high": {Data: testAudioBytes, Format: "mp3", Bitrate: 320},
			"low":  {Data: []byte("low quality bytes"), Format: "mp3", Bitrate: 128},
		},
	})
	require.NoError(t, err)

	playlist, err := svc.GeneratePlaylist(context.Background(), result.ContentID)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(playlist, "#EXTM3U"))
	assert.Contains(t, playlist, "#EXT-X-STREAM-INF")
	assert.Contains(t, playlist, "BANDWIDTH=320000")
	assert.Contains(t, playlist, "/stream/"+result.ContentID+"/high")
	assert.Contains(t, playlist, "/stream/"+result.ContentID+"/low")

	highIdx := strings.Index(playlist, "/high")
	lowIdx := strings.Index(playlist, "/low")
	assert.Less(t, highIdx, lowIdx, "tiers are listed highest bitrate first")
}

func TestMimeForFormat(t *testing.T) {
	assert.Equal(t, "audio/mpeg", MimeForFormat("mp3"))
	assert.Equal(t, "audio/mpeg", MimeForFormat("MP3"))
	assert.Equal(t, "audio/aac", MimeForFormat("aac"))
	assert.Equal(t, "audio/mp4", MimeForFormat("m4a"))
	assert.Equal(t, "audio/ogg", MimeForFormat("opus"))
	assert.Equal(t, "audio/flac", MimeForFormat("flac"))
	assert.Equal(t, "application/octet-stream", MimeForFormat("tracker-module"))
}
