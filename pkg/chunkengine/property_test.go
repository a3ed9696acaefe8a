//go:build property
// +build property

package chunkengine_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/opencall/core/pkg/chunkengine"
)

// TestChunkChecksumChainLinks verifies P4: checksumPrevious(i) equals
// checksum(i-1) for i >= 1, and checksumPrevious(0) is null.
func TestChunkChecksumChainLinks(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("checksum chain links every chunk to its predecessor", prop.ForAll(
		func(data []byte) bool {
			c, err := chunkengine.Slice(data, "text/plain")
			if err != nil {
				return true // non-UTF8 draws are out of scope, skip
			}

			var prevChecksum string
			for i := 0; i < c.Total(); i++ {
				chunk, err := c.Chunk(i)
				if err != nil {
					return false
				}
				if i == 0 {
					if chunk.ChecksumPrevious != nil {
						return false
					}
				} else {
					if chunk.ChecksumPrevious == nil || *chunk.ChecksumPrevious != prevChecksum {
						return false
					}
				}
				prevChecksum = chunk.Checksum
			}
			return true
		},
		gen.SliceOf(gen.UInt8Range(0x20, 0x7e)),
	))

	properties.TestingRun(t)
}

// TestChunkChecksumMatchesRawBytes verifies P5: the SHA-256 of a chunk's
// raw byte slice equals the numeric portion of its checksum field.
func TestChunkChecksumMatchesRawBytes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("checksum is the SHA-256 of the chunk's raw bytes", prop.ForAll(
		func(data []byte) bool {
			c, err := chunkengine.Slice(data, "text/plain")
			if err != nil {
				return true
			}

			for i := 0; i < c.Total(); i++ {
				chunk, err := c.Chunk(i)
				if err != nil {
					return false
				}
				sum := sha256.Sum256([]byte(chunk.Data))
				want := "sha256:" + hex.EncodeToString(sum[:])
				if chunk.Checksum != want {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8Range(0x20, 0x7e)),
	))

	properties.TestingRun(t)
}

// TestChunkLastCursorResolvesComplete verifies B3: a cursor equal to
// totalChunks-1 returns state complete with cursor == nil.
func TestChunkLastCursorResolvesComplete(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("the chunk at totalChunks-1 is complete with no cursor", prop.ForAll(
		func(data []byte) bool {
			c, err := chunkengine.Slice(data, "text/plain")
			if err != nil {
				return true
			}

			last, err := c.Chunk(c.Total() - 1)
			if err != nil {
				return false
			}
			return last.Complete && last.Cursor == nil
		},
		gen.SliceOf(gen.UInt8Range(0x20, 0x7e)),
	))

	properties.TestingRun(t)
}

// TestSingleByteResultIsOneCompleteChunk verifies B4: a single-byte
// result still produces exactly one chunk with totalChunks == 1 and
// cursor == nil.
func TestSingleByteResultIsOneCompleteChunk(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a single-byte result is one complete chunk", prop.ForAll(
		func(b byte) bool {
			if b < 0x20 || b > 0x7e {
				return true // keep the draw valid UTF-8
			}
			c, err := chunkengine.Slice([]byte{b}, "text/plain")
			if err != nil {
				return false
			}
			if c.Total() != 1 {
				return false
			}
			chunk, err := c.Chunk(0)
			if err != nil {
				return false
			}
			return chunk.Total == 1 && chunk.Cursor == nil && chunk.Complete
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
