package blobcache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sonicwave/work/config"
	"sonicwave/work/logger"
	"sonicwave/work/metrics"
	"sonicwave/work/types"

	"github.com/panjf2000/ants/v2"
)

// ErrMaterialization is returned when handle allocation fails. The failure
// is local and recoverable; callers may retry after eviction frees
// resources, and no partial entry is ever left behind.
var ErrMaterialization = errors.New("materialization failed")

// ErrNoSourceData is returned by Recreate when no raw bytes were supplied
// and the existing entry retained none. This is a caller error, not a
// transient condition.
var ErrNoSourceData = errors.New("no source data retained")

// entryOverhead approximates the per-entry index and handle bookkeeping cost
// added on top of raw bytes in the derived memory estimate.
const entryOverhead = 512

// cacheEntry is the internal state for one materialized blob. All fields
// are guarded by the manager mutex. A deactivated entry has released its
// handle exactly once (the released flag enforces at-most-once release) and
// stays in the index, inactive, until an eviction pass reclaims it.
type cacheEntry struct {
	contentID   string
	handle      string
	mimeType    string
	size        int64
	data        []byte // retained source bytes for recreate after revocation
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
	active      bool
	released    bool
	seq         uint64 // insertion order, tie-break for deterministic listings
}

// BatchItem is one input to BatchMaterialize.
type BatchItem struct {
	ContentID string
	Data      []byte
	MimeType  string
}

// Manager owns the bounded local cache of materialized, player-ready audio
// blobs keyed uniquely by content id. It tracks per-entry size, access
// statistics, and active state, and runs both TTL and size-cap eviction on
// a periodic background tick as well as on demand.
//
// The index is a plain map guarded by a single mutex: contention is low and
// the correctness requirements (no double materialization, release exactly
// once, linearizable materialize/lookup/revoke per content id) matter more
// than fine-grained parallelism here. Handles are allocated and released
// only through the injected HandleAllocator.
type Manager struct {
	config     *config.Config
	allocator  HandleAllocator
	workerPool *ants.Pool

	mu      sync.Mutex
	entries map[string]*cacheEntry
	seq     uint64 // insertion counter for deterministic ordering of equal timestamps

	running  atomic.Bool   // janitor state flag
	stopChan chan struct{} // janitor shutdown signal
	stopMu   sync.Mutex    // guards stopChan across Start/Stop cycles
}

// NewManager creates a blob cache manager with the given allocator and
// shared worker pool. The eviction janitor is not started; call Start.
func NewManager(cfg *config.Config, allocator HandleAllocator, workerPool *ants.Pool) *Manager {
	logger.Debug("{blobcache - NewManager} Initializing blob cache (ttl=%v, cap=%d)",
		cfg.CacheTTL, cfg.CacheMaxEntries)

	return &Manager{
		config:     cfg,
		allocator:  allocator,
		workerPool: workerPool,
		entries:    make(map[string]*cacheEntry),
	}
}

// Start launches the periodic eviction janitor. Idempotent.
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	m.stopMu.Lock()
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.stopMu.Unlock()

	go m.janitorLoop(stop)
}

// Stop terminates the eviction janitor. Idempotent.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}

	m.stopMu.Lock()
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
	m.stopMu.Unlock()
}

// janitorLoop runs eviction on the configured interval until stopped.
func (m *Manager) janitorLoop(stop <-chan struct{}) {
	logger.Debug("{blobcache - janitorLoop} Eviction tick every %v", m.config.EvictionInterval)

	ticker := time.NewTicker(m.config.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			expired, capped := m.RunEviction()
			if expired+capped > 0 {
				logger.Debug("{blobcache - janitorLoop} Evicted %d expired, %d over-cap entries", expired, capped)
			}
		}
	}
}

// Materialize returns a playable handle for the content id, allocating one
// from the raw bytes when no active entry exists. Repeat calls for the same
// id are idempotent reuse: the existing handle comes back and the access
// count climbs by exactly one per call. Allocation failure returns
// ErrMaterialization and leaves no partial entry behind.
//
// The manager takes ownership of rawBytes; they are retained on the entry
// so the handle can be recreated after a revocation.
func (m *Manager) Materialize(contentID string, rawBytes []byte, mimeType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[contentID]; ok && entry.active {
		entry.accessCount++
		entry.lastAccess = time.Now()
		metrics.CacheEvents.WithLabelValues("hit").Inc()
		return entry.handle, nil
	}

	handle, err := m.allocator.Allocate(contentID, rawBytes, mimeType)
	if err != nil {
		metrics.CacheEvents.WithLabelValues("allocation_failure").Inc()
		return "", fmt.Errorf("content %s: %w: %v", contentID, ErrMaterialization, err)
	}

	// a stale inactive entry for the id is replaced outright; its handle was
	// already released when it was deactivated
	now := time.Now()
	m.seq++
	m.entries[contentID] = &cacheEntry{
		contentID:   contentID,
		handle:      handle,
		mimeType:    mimeType,
		size:        int64(len(rawBytes)),
		data:        rawBytes,
		createdAt:   now,
		lastAccess:  now,
		accessCount: 1,
		active:      true,
		seq:         m.seq,
	}

	metrics.CacheEvents.WithLabelValues("materialize").Inc()
	m.updateGaugesLocked()

	logger.Debug("{blobcache - Materialize} Materialized %s (%d bytes, %s)", contentID, len(rawBytes), mimeType)
	return handle, nil
}

// Lookup returns the cached handle for a content id, validating liveness
// first. A handle that fails the liveness check is deactivated and treated
// as a cache miss rather than returned stale.
func (m *Manager) Lookup(contentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[contentID]
	if !ok || !entry.active {
		metrics.CacheEvents.WithLabelValues("miss").Inc()
		return "", false
	}

	if !m.allocator.Alive(entry.handle) {
		logger.Warn("{blobcache - Lookup} Stale handle detected for %s, deactivating", contentID)
		m.deactivateLocked(entry, "evict_liveness")
		metrics.CacheEvents.WithLabelValues("miss").Inc()
		return "", false
	}

	entry.accessCount++
	entry.lastAccess = time.Now()
	metrics.CacheEvents.WithLabelValues("hit").Inc()
	return entry.handle, true
}

// Recreate releases the current handle for a content id (if any) and builds
// a fresh one. When rawBytes is nil the bytes retained by the existing
// entry are reused; if none exist the call fails with ErrNoSourceData. The
// old handle is always revoked before the new one is installed, so at most
// one live handle ever exists per content id.
func (m *Manager) Recreate(contentID string, rawBytes []byte, mimeType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[contentID]

	if rawBytes == nil {
		if !ok || len(entry.data) == 0 {
			return "", fmt.Errorf("content %s: %w", contentID, ErrNoSourceData)
		}
		rawBytes = entry.data
	}
	if mimeType == "" && ok {
		mimeType = entry.mimeType
	}

	// revoke the prior handle before installing a replacement
	if ok && entry.active {
		m.deactivateLocked(entry, "revoke")
	}

	handle, err := m.allocator.Allocate(contentID, rawBytes, mimeType)
	if err != nil {
		metrics.CacheEvents.WithLabelValues("allocation_failure").Inc()
		return "", fmt.Errorf("content %s: %w: %v", contentID, ErrMaterialization, err)
	}

	now := time.Now()
	m.seq++
	fresh := &cacheEntry{
		contentID:   contentID,
		handle:      handle,
		mimeType:    mimeType,
		size:        int64(len(rawBytes)),
		data:        rawBytes,
		createdAt:   now,
		lastAccess:  now,
		accessCount: 1,
		active:      true,
		seq:         m.seq,
	}
	if ok {
		// carry forward the access history of the recreated entry
		fresh.accessCount = entry.accessCount + 1
		fresh.createdAt = entry.createdAt
	}
	m.entries[contentID] = fresh

	metrics.CacheEvents.WithLabelValues("materialize").Inc()
	m.updateGaugesLocked()

	logger.Debug("{blobcache - Recreate} Recreated handle for %s", contentID)
	return handle, nil
}

// Revoke releases the resource behind a content id and marks the entry
// inactive. Revoking an absent or already-inactive entry is a no-op
// returning false.
func (m *Manager) Revoke(contentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[contentID]
	if !ok || !entry.active {
		return false
	}

	m.deactivateLocked(entry, "revoke")
	m.updateGaugesLocked()
	return true
}

// RevokeByHandle revokes whichever entry currently owns the given handle.
// Unknown or already-released handles are a no-op returning false.
func (m *Manager) RevokeByHandle(handle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		if entry.handle == handle && entry.active {
			m.deactivateLocked(entry, "revoke")
			m.updateGaugesLocked()
			return true
		}
	}
	return false
}

// RecordAccess bumps the access count and last-access time for a content id
// without materializing anything. Returns false when no active entry exists.
func (m *Manager) RecordAccess(contentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[contentID]
	if !ok || !entry.active {
		return false
	}

	entry.accessCount++
	entry.lastAccess = time.Now()
	return true
}

// BatchMaterialize materializes a set of items best-effort across the
// worker pool. A failure on one item never aborts the others; the result
// maps content id to handle for the successes only, so failures are
// observable by absence.
func (m *Manager) BatchMaterialize(items []BatchItem) map[string]string {
	results := make(map[string]string, len(items))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, item := range items {
		item := item
		wg.Add(1)

		task := func() {
			defer wg.Done()

			handle, err := m.Materialize(item.ContentID, item.Data, item.MimeType)
			if err != nil {
				logger.Debug("{blobcache - BatchMaterialize} Item %s failed: %v", item.ContentID, err)
				return
			}

			resultsMu.Lock()
			results[item.ContentID] = handle
			resultsMu.Unlock()
		}

		if err := m.workerPool.Submit(task); err != nil {
			// pool saturated or released; degrade to inline execution
			task()
		}
	}

	wg.Wait()
	return results
}

// EvictExpired deactivates and reclaims every entry older than the
// configured TTL, and reclaims entries already deactivated by earlier
// revocations or liveness failures. Returns the number of newly expired
// entries.
func (m *Manager) EvictExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	expired := 0

	for contentID, entry := range m.entries {
		if entry.active && now.Sub(entry.createdAt) > m.config.CacheTTL {
			m.deactivateLocked(entry, "evict_expired")
			expired++
		}

		// eviction is the single reclamation point for inactive entries
		if !entry.active {
			delete(m.entries, contentID)
		}
	}

	m.updateGaugesLocked()
	return expired
}

// EnforceCap evicts least-recently-accessed entries until the index is at
// or below the configured cap. Ties go to the lower access count, then the
// older creation time. Returns the number of evicted entries.
func (m *Manager) EnforceCap() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	over := len(m.entries) - m.config.CacheMaxEntries
	if over <= 0 {
		return 0
	}

	candidates := make([]*cacheEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		candidates = append(candidates, entry)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.lastAccess.Equal(b.lastAccess) {
			return a.lastAccess.Before(b.lastAccess)
		}
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		return a.createdAt.Before(b.createdAt)
	})

	evicted := 0
	for _, entry := range candidates[:over] {
		if entry.active {
			m.deactivateLocked(entry, "evict_capacity")
		}
		delete(m.entries, entry.contentID)
		evicted++
	}

	m.updateGaugesLocked()
	return evicted
}

// RunEviction performs one full eviction pass (TTL first, then the size
// cap), exactly what the background tick does. Safe to invoke synchronously
// from the admin API and tests.
func (m *Manager) RunEviction() (expired, capped int) {
	return m.EvictExpired(), m.EnforceCap()
}

// ClearAll releases every active handle and empties the index. Used for
// full resets such as forced memory reclaim and test teardown.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		if entry.active {
			m.deactivateLocked(entry, "clear")
		}
	}
	m.entries = make(map[string]*cacheEntry)
	m.updateGaugesLocked()

	logger.Debug("{blobcache - ClearAll} Cache cleared")
}

// Stats summarizes the cache for monitoring and the admin API.
func (m *Manager) Stats() types.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := types.CacheStats{Total: len(m.entries)}
	for _, entry := range m.entries {
		if entry.active {
			stats.Active++
		}
		stats.TotalBytes += entry.size
		if stats.Oldest.IsZero() || entry.createdAt.Before(stats.Oldest) {
			stats.Oldest = entry.createdAt
		}
		if entry.createdAt.After(stats.Newest) {
			stats.Newest = entry.createdAt
		}
	}
	stats.MemoryEstimate = stats.TotalBytes + int64(stats.Total)*entryOverhead
	return stats
}

// ListEntries returns read-only projections of every entry ordered by most
// recent access first. Equal timestamps fall back to insertion order, so
// repeated listings over unchanged state are deterministic.
func (m *Manager) ListEntries() []types.CacheEntryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := make([]*cacheEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		ordered = append(ordered, entry)
	}

	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.lastAccess.Equal(b.lastAccess) {
			return a.lastAccess.After(b.lastAccess)
		}
		return a.seq < b.seq
	})

	infos := make([]types.CacheEntryInfo, 0, len(ordered))
	for _, entry := range ordered {
		infos = append(infos, types.CacheEntryInfo{
			ContentID:   entry.contentID,
			Handle:      entry.handle,
			MimeType:    entry.mimeType,
			SizeBytes:   entry.size,
			CreatedAt:   entry.createdAt,
			LastAccess:  entry.lastAccess,
			AccessCount: entry.accessCount,
			Active:      entry.active,
		})
	}
	return infos
}

// Len returns the current number of index entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// deactivateLocked marks an entry inactive and releases its handle exactly
// once. The released flag is flipped before the allocator call, so even a
// re-entrant or failed release can never run twice for the same entry.
// Callers must hold m.mu.
func (m *Manager) deactivateLocked(entry *cacheEntry, reason string) {
	if entry.released {
		return
	}
	entry.released = true
	entry.active = false

	if err := m.allocator.Release(entry.handle); err != nil {
		logger.Warn("{blobcache - deactivateLocked} Release failed for %s (%s): %v",
			entry.contentID, reason, err)
	}

	metrics.CacheEvents.WithLabelValues(reason).Inc()
}

// updateGaugesLocked refreshes the entry and byte gauges. Callers must hold
// m.mu.
func (m *Manager) updateGaugesLocked() {
	var totalBytes int64
	for _, entry := range m.entries {
		totalBytes += entry.size
	}
	metrics.CacheEntries.Set(float64(len(m.entries)))
	metrics.CacheBytes.Set(float64(totalBytes))
}
