package chunkengine_test

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencall/core/pkg/chunkengine"
)

func TestSlice_RejectsNonUTF8(t *testing.T) {
	_, err := chunkengine.Slice([]byte{0xff, 0xfe, 0xfd}, "text/plain")
	require.ErrorIs(t, err, chunkengine.ErrNotUTF8)
}

func TestChunk_SingleByteResult(t *testing.T) {
	c, err := chunkengine.Slice([]byte("x"), "text/plain")
	require.NoError(t, err)
	require.Equal(t, 1, c.Total())

	chunk, err := c.Chunk(0)
	require.NoError(t, err)
	require.Equal(t, 1, chunk.Total)
	require.True(t, chunk.Complete)
	require.Nil(t, chunk.Cursor)
	require.Nil(t, chunk.ChecksumPrevious)
}

func TestChunk_EmptyResultStillProducesOneChunk(t *testing.T) {
	c, err := chunkengine.Slice(nil, "text/plain")
	require.NoError(t, err)
	require.Equal(t, 1, c.Total())

	chunk, err := c.Chunk(0)
	require.NoError(t, err)
	require.True(t, chunk.Complete)
	require.Nil(t, chunk.Cursor)
	require.Equal(t, "", chunk.Data)
}

func TestChunk_CursorOutOfRange(t *testing.T) {
	c, err := chunkengine.Slice([]byte("hello"), "text/plain")
	require.NoError(t, err)

	_, err = c.Chunk(-1)
	require.ErrorIs(t, err, chunkengine.ErrCursorOutOfRange)

	_, err = c.Chunk(c.Total())
	require.ErrorIs(t, err, chunkengine.ErrCursorOutOfRange)
}

func TestChunk_MultiChunkBoundaries(t *testing.T) {
	data := strings.Repeat("a", chunkengine.MaxChunkBytes+10)
	c, err := chunkengine.Slice([]byte(data), "text/plain")
	require.NoError(t, err)
	require.Equal(t, 2, c.Total())

	first, err := c.Chunk(0)
	require.NoError(t, err)
	require.Equal(t, chunkengine.MaxChunkBytes, first.Length)
	require.False(t, first.Complete)
	require.NotNil(t, first.Cursor)
	require.Equal(t, "1", *first.Cursor)
	require.Nil(t, first.ChecksumPrevious)

	last, err := c.Chunk(1)
	require.NoError(t, err)
	require.Equal(t, 10, last.Length)
	require.True(t, last.Complete)
	require.Nil(t, last.Cursor)
	require.NotNil(t, last.ChecksumPrevious)
	require.Equal(t, first.Checksum, *last.ChecksumPrevious)
}

func TestChunk_LastCursorIsNilOnTotalMinusOne(t *testing.T) {
	data := strings.Repeat("b", chunkengine.MaxChunkBytes*2)
	c, err := chunkengine.Slice([]byte(data), "text/plain")
	require.NoError(t, err)

	last, err := c.Chunk(c.Total() - 1)
	require.NoError(t, err)
	require.True(t, last.Complete)
	require.Nil(t, last.Cursor)
}

func TestChunk_ChecksumMatchesRawBytes(t *testing.T) {
	data := []byte("the quick brown fox")
	c, err := chunkengine.Slice(data, "text/plain")
	require.NoError(t, err)

	chunk, err := c.Chunk(0)
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	require.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), chunk.Checksum)
}
