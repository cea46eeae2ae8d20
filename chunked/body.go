// Package chunked represents request and response payloads as an ordered
// sequence of immutable byte chunks. A Body can be hashed and streamed chunk
// by chunk without ever being concatenated into a single buffer.
package chunked

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// UnknownLength is the length reported for sources that cannot tell their
// size before they are drained.
const UnknownLength int64 = -1

// DefaultChunkSize is the read granularity of reader backed bodies.
const DefaultChunkSize = 64 * 1024

var (
	// ErrLengthUnknown is returned by Len when the body was built from a
	// source without a declared length.
	ErrLengthUnknown = errors.New("body length is unknown until the source is drained")

	// ErrNotReplayable is returned when a second pass is requested over a
	// body whose source has already been consumed.
	ErrNotReplayable = errors.New("body source cannot be replayed")
)

var emptyHash = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

// EmptyHash returns the hex encoded SHA-256 digest of zero-length input.
func EmptyHash() string {
	return emptyHash
}

// Body is an ordered sequence of immutable byte chunks. The concatenation of
// the chunks in iteration order is the logical payload.
//
// In-memory and io.ReaderAt backed bodies can be iterated any number of
// times. Bodies built with FromReader can be iterated once.
type Body struct {
	chunks [][]byte

	readerAt io.ReaderAt
	base     int64

	reader  io.Reader
	claimed atomic.Bool

	size      int64
	chunkSize int
}

// Empty returns a body with zero chunks.
func Empty() *Body {
	return &Body{}
}

// FromBytes wraps a single buffer. The buffer must not be modified while the
// body is in use.
func FromBytes(b []byte) *Body {
	return FromChunks(b)
}

// FromChunks wraps a finite list of buffers, keeping their order. Zero-length
// buffers are dropped. The buffers must not be modified while the body is in use.
func FromChunks(chunks ...[]byte) *Body {
	b := &Body{}
	for _, c := range chunks {
		if len(c) == 0 {
			continue
		}
		b.chunks = append(b.chunks, c)
		b.size += int64(len(c))
	}
	return b
}

// FromReaderAt returns a replayable body over length bytes of r starting at
// offset. Each pass reads the section again in chunkSize pieces.
func FromReaderAt(r io.ReaderAt, offset, length int64, chunkSize int) *Body {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Body{
		readerAt:  r,
		base:      offset,
		size:      length,
		chunkSize: chunkSize,
	}
}

// FromReader returns a single-pass body over r. Pass UnknownLength when the
// size of the source is not known ahead of time.
func FromReader(r io.Reader, length int64, chunkSize int) *Body {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if length < 0 {
		length = UnknownLength
	}
	return &Body{
		reader:    r,
		size:      length,
		chunkSize: chunkSize,
	}
}

// Len returns the total number of bytes in the body.
func (b *Body) Len() (int64, error) {
	if b.size == UnknownLength {
		return 0, ErrLengthUnknown
	}
	return b.size, nil
}

// Replayable reports whether the body can be iterated more than once.
func (b *Body) Replayable() bool {
	return b.reader == nil
}

// Consumed reports whether a single-pass body has been claimed by a reader.
// Replayable bodies are never consumed.
func (b *Body) Consumed() bool {
	return b.reader != nil && b.claimed.Load()
}

// Chunks starts a new forward-only pass over the body.
//
// For single-pass bodies the first iterator that pulls a chunk claims the
// source; every later pull from any other iterator fails with ErrNotReplayable.
// Creating an iterator does not consume anything.
func (b *Body) Chunks() (*Iterator, error) {
	switch {
	case b.reader != nil:
		if b.claimed.Load() {
			return nil, ErrNotReplayable
		}
		return &Iterator{next: b.readerNext()}, nil
	case b.readerAt != nil:
		return &Iterator{next: b.readerAtNext()}, nil
	default:
		i := 0
		return &Iterator{next: func() ([]byte, error) {
			if i >= len(b.chunks) {
				return nil, io.EOF
			}
			c := b.chunks[i]
			i++
			return c, nil
		}}, nil
	}
}

// ContentHash folds SHA-256 over the chunks in order and returns the hex
// digest. Hashing a single-pass body consumes it.
func (b *Body) ContentHash() (string, error) {
	it, err := b.Chunks()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for {
		c, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("hash body: %w", err)
		}
		h.Write(c) //nolint:errcheck
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Open returns a reader streaming a new pass over the body. Closing the
// reader never closes the underlying source.
func (b *Body) Open() (io.ReadCloser, error) {
	it, err := b.Chunks()
	if err != nil {
		return nil, err
	}
	return &reader{it: it}, nil
}

func (b *Body) readerAtNext() func() ([]byte, error) {
	var pos int64
	return func() ([]byte, error) {
		if pos >= b.size {
			return nil, io.EOF
		}
		n := int64(b.chunkSize)
		if remaining := b.size - pos; remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		read, err := b.readerAt.ReadAt(buf, b.base+pos)
		if int64(read) < n {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read at offset %d: %w", b.base+pos, err)
		}
		pos += n
		return buf, nil
	}
}

func (b *Body) readerNext() func() ([]byte, error) {
	owner := false
	var read int64
	done := false
	return func() ([]byte, error) {
		if !owner {
			if !b.claimed.CompareAndSwap(false, true) {
				return nil, ErrNotReplayable
			}
			owner = true
		}
		if done {
			return nil, io.EOF
		}

		n := int64(b.chunkSize)
		if b.size != UnknownLength {
			remaining := b.size - read
			if remaining <= 0 {
				done = true
				return nil, io.EOF
			}
			if remaining < n {
				n = remaining
			}
		}

		buf := make([]byte, n)
		got, err := io.ReadFull(b.reader, buf)
		read += int64(got)
		switch {
		case err == nil:
			return buf, nil
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			done = true
			if b.size != UnknownLength {
				return nil, fmt.Errorf("source ended after %d of %d bytes: %w", read, b.size, io.ErrUnexpectedEOF)
			}
			if got == 0 {
				return nil, io.EOF
			}
			return buf[:got], nil
		default:
			return nil, fmt.Errorf("read source: %w", err)
		}
	}
}

// Iterator is a forward-only pass over the chunks of a Body.
type Iterator struct {
	next func() ([]byte, error)
}

// Next returns the next chunk, or io.EOF after the last one. Returned chunks
// are never modified afterwards.
func (it *Iterator) Next() ([]byte, error) {
	return it.next()
}

type reader struct {
	it  *Iterator
	cur []byte
	err error
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.cur) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.cur, r.err = r.it.Next()
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *reader) Close() error {
	return nil
}
