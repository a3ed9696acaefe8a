// Package chunkengine turns a completed operation's result bytes into an
// ordered, checksum-chained sequence of chunks, computed on every read.
// Nothing is precomputed or cached: a Chunker only carries the
// underlying bytes, a size, and recomputes each chunk's SHA-256 from
// scratch, which keeps it trivially safe for concurrent readers.
package chunkengine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// MaxChunkBytes is the contiguous slice size each chunk covers, except
// possibly the last.
const MaxChunkBytes = 64 * 1024

// ErrCursorOutOfRange is returned by Chunk for an index outside
// [0, Total()).
var ErrCursorOutOfRange = errors.New("chunkengine: cursor out of range")

// ErrNotUTF8 is returned by Slice when the result bytes do not decode as
// well-formed UTF-8 — binary results are out of scope for this protocol.
var ErrNotUTF8 = errors.New("chunkengine: result is not valid UTF-8")

// Chunk is one derived-on-read slice of a result.
type Chunk struct {
	Index             int
	Offset            int
	Length            int
	Data              string
	Checksum          string // "sha256:<hex>"
	ChecksumPrevious  *string
	Total             int // byte count of the full result
	MimeType          string
	Cursor            *string // decimal index of the next chunk, nil on the last
	Complete          bool    // true only for the final chunk
}

// Chunker is a stateless, deterministic view over one result's bytes.
type Chunker interface {
	Chunk(i int) (Chunk, error)
	Total() int // total chunk count
}

type chunker struct {
	data     []byte
	mimeType string
}

// Slice validates data as well-formed UTF-8 and returns a Chunker over
// it. Binary results are out of core scope: malformed UTF-8 is reported
// as ErrNotUTF8 for the caller to log and surface as INTERNAL_ERROR.
func Slice(data []byte, mimeType string) (Chunker, error) {
	if _, err := unicode.UTF8.NewDecoder().Bytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotUTF8, err)
	}
	return &chunker{data: data, mimeType: mimeType}, nil
}

func (c *chunker) Total() int {
	if len(c.data) == 0 {
		return 1
	}
	return (len(c.data) + MaxChunkBytes - 1) / MaxChunkBytes
}

func checksumOf(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (c *chunker) bounds(i int) (start, end int) {
	start = i * MaxChunkBytes
	end = start + MaxChunkBytes
	if end > len(c.data) {
		end = len(c.data)
	}
	return start, end
}

func (c *chunker) Chunk(i int) (Chunk, error) {
	total := c.Total()
	if i < 0 || i >= total {
		return Chunk{}, ErrCursorOutOfRange
	}

	start, end := c.bounds(i)
	bytes := c.data[start:end]
	checksum := checksumOf(bytes)

	var prev *string
	if i > 0 {
		pStart, pEnd := c.bounds(i - 1)
		p := checksumOf(c.data[pStart:pEnd])
		prev = &p
	}

	var cursor *string
	last := i == total-1
	if !last {
		s := fmt.Sprintf("%d", i+1)
		cursor = &s
	}

	return Chunk{
		Index:            i,
		Offset:           start,
		Length:           len(bytes),
		Data:             string(bytes),
		Checksum:         checksum,
		ChecksumPrevious: prev,
		Total:            len(c.data),
		MimeType:         c.mimeType,
		Cursor:           cursor,
		Complete:         last,
	}, nil
}
