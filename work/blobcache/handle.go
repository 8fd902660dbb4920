package blobcache

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// HandleAllocator abstracts the platform mechanism that turns raw audio
// bytes into an opaque playable resource handle and back. The blob cache
// manager owns handle lifetimes through this interface; callers never free
// handles directly. Implementations must be safe for concurrent use.
type HandleAllocator interface {

	// Allocate materializes raw bytes into a playable handle. The returned
	// handle stays valid until Release is called with it.
	Allocate(contentID string, data []byte, mimeType string) (string, error)

	// Release frees the resources behind a handle. Releasing an unknown
	// handle is an error; the cache manager guarantees at-most-once release.
	Release(handle string) error

	// Alive reports whether a previously issued handle is still usable.
	// This is the cheap liveness check run before serving cached handles.
	Alive(handle string) bool
}

// ErrUnknownHandle is returned when a handle is released or opened after it
// was already freed or never issued.
var ErrUnknownHandle = errors.New("unknown resource handle")

// memoryBlob is one materialized resource held by the in-memory allocator.
type memoryBlob struct {
	data     []byte
	mimeType string
}

// MemoryAllocator is the in-process HandleAllocator implementation. Handles
// are minted as "blob:<contentID>:<sequence>" strings backed by a concurrent
// table of byte slices, and the HTTP layer serves them through Open. The
// sequence component makes every allocation distinct, so a stale handle from
// a released generation can never alias a fresh one for the same content id.
type MemoryAllocator struct {
	blobs *xsync.MapOf[string, *memoryBlob] // handle -> materialized bytes
	seq   atomic.Uint64                     // monotonic handle sequence
}

// NewMemoryAllocator creates an empty in-memory allocator.
func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{
		blobs: xsync.NewMapOf[string, *memoryBlob](),
	}
}

// Allocate stores a copy of the raw bytes and mints a fresh handle for them.
func (ma *MemoryAllocator) Allocate(contentID string, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("cannot allocate handle for empty data (content %s)", contentID)
	}

	handle := fmt.Sprintf("blob:%s:%d", contentID, ma.seq.Add(1))

	// copy so later mutation of the caller's slice cannot corrupt the blob
	owned := make([]byte, len(data))
	copy(owned, data)

	ma.blobs.Store(handle, &memoryBlob{data: owned, mimeType: mimeType})
	return handle, nil
}

// Release frees the bytes behind a handle.
func (ma *MemoryAllocator) Release(handle string) error {
	if _, ok := ma.blobs.LoadAndDelete(handle); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return nil
}

// Alive reports whether the handle still maps to stored bytes.
func (ma *MemoryAllocator) Alive(handle string) bool {
	_, ok := ma.blobs.Load(handle)
	return ok
}

// Open returns the bytes and mime type behind a live handle for serving.
func (ma *MemoryAllocator) Open(handle string) ([]byte, string, error) {
	blob, ok := ma.blobs.Load(handle)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return blob.data, blob.mimeType, nil
}

// Len returns the number of live handles.
func (ma *MemoryAllocator) Len() int {
	return ma.blobs.Size()
}
