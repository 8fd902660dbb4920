package blobcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAllocator_Lifecycle(t *testing.T) {
	a := NewMemoryAllocator()

	handle, err := a.Allocate("bafkalloc", []byte("payload"), "audio/mpeg")
	require.NoError(t, err)
	assert.Contains(t, handle, "blob:bafkalloc:")
	assert.True(t, a.Alive(handle))
	assert.Equal(t, 1, a.Len())

	data, mimeType, err := a.Open(handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, "audio/mpeg", mimeType)

	require.NoError(t, a.Release(handle))
	assert.False(t, a.Alive(handle))
	assert.Equal(t, 0, a.Len())

	_, _, err = a.Open(handle)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, a.Release(handle), ErrUnknownHandle)
}

func TestMemoryAllocator_UniqueHandles(t *testing.T) {
	a := NewMemoryAllocator()

	first, err := a.Allocate("bafksame", []byte("one"), "audio/mpeg")
	require.NoError(t, err)
	second, err := a.Allocate("bafksame", []byte("two"), "audio/mpeg")
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "handles are never reused, even for the same content id")
	assert.True(t, a.Alive(first))
	assert.True(t, a.Alive(second))
}

func TestMemoryAllocator_RejectsEmptyData(t *testing.T) {
	a := NewMemoryAllocator()

	_, err := a.Allocate("bafkempty", nil, "audio/mpeg")
	assert.Error(t, err)
	_, err = a.Allocate("bafkempty", []byte{}, "audio/mpeg")
	assert.Error(t, err)
	assert.Equal(t, 0, a.Len())
}

func TestMemoryAllocator_CopiesInput(t *testing.T) {
	a := NewMemoryAllocator()

	src := []byte("original")
	handle, err := a.Allocate("bafkcopy", src, "audio/mpeg")
	require.NoError(t, err)

	src[0] = 'X'

	data, _, err := a.Open(handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data, "allocated bytes must not alias the caller's slice")
}
