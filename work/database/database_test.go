package database

import (
	"path/filepath"
	"testing"

	"sonicwave/work/config"
	"sonicwave/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "sonicwave.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDescriptorRoundTrip(t *testing.T) {
	db := openTestDB(t)

	descriptor := &types.ContentDescriptor{
		Title:    "Stored Track",
		Artist:   "Stored Artist",
		Duration: 312,
		Variants: map[string]types.VariantLocator{
			"high": {ContentID: "bafkstoredbytes", Format: "flac", Bitrate: 1411},
		},
	}
	require.NoError(t, db.SaveDescriptor("bafkstored", descriptor))

	got, err := db.GetDescriptor("bafkstored")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Stored Track", got.Title)
	assert.Equal(t, "bafkstoredbytes", got.Variants["high"].ContentID)

	count, err := db.CountDescriptors()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// re-publishing the same id replaces the document, not duplicates it
	descriptor.Title = "Stored Track (remaster)"
	require.NoError(t, db.SaveDescriptor("bafkstored", descriptor))

	got, err = db.GetDescriptor("bafkstored")
	require.NoError(t, err)
	assert.Equal(t, "Stored Track (remaster)", got.Title)

	count, err = db.CountDescriptors()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetDescriptor_Missing(t *testing.T) {
	db := openTestDB(t)

	got, err := db.GetDescriptor("bafkmissing")
	require.NoError(t, err)
	assert.Nil(t, got, "a missing descriptor is (nil, nil), not an error")
}

func TestListDescriptorIDs(t *testing.T) {
	db := openTestDB(t)

	ids, err := db.ListDescriptorIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	descriptor := &types.ContentDescriptor{
		Variants: map[string]types.VariantLocator{
			"high": {ContentID: "bafkbytes", Format: "mp3"},
		},
	}
	require.NoError(t, db.SaveDescriptor("bafkfirst", descriptor))
	require.NoError(t, db.SaveDescriptor("bafksecond", descriptor))

	ids, err = db.ListDescriptorIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bafkfirst", "bafksecond"}, ids)
}

func TestGatewayRoundTrip(t *testing.T) {
	db := openTestDB(t)

	loaded, err := db.LoadGateways()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	gateways := []config.GatewayConfig{
		{Name: "primary", URL: "https://primary.example/{cid}", Priority: 1, MaxRequestsPerSecond: 10},
		{Name: "backup", URL: "https://backup.example/{cid}", Priority: 2, MaxRequestsPerSecond: 5},
	}
	require.NoError(t, db.SaveGateways(gateways))

	loaded, err = db.LoadGateways()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "primary", loaded[0].Name, "gateways load in priority order")
	assert.Equal(t, 10, loaded[0].MaxRequestsPerSecond)

	// a save replaces the whole set
	require.NoError(t, db.SaveGateways(gateways[:1]))
	loaded, err = db.LoadGateways()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
