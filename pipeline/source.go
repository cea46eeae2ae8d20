package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bitrise-io/go-s3stream/chunked"
)

// Source provides chunk data to a pipeline. Implementations can read from
// files, memory buffers, or streams, and must be safe for concurrent
// ReadChunk calls.
type Source interface {
	// Size returns the total number of bytes, or chunked.UnknownLength for
	// unbounded sources.
	Size() int64

	// ReadChunk reads up to size bytes starting at offset. It returns io.EOF
	// and no data once offset is past the end of the source.
	ReadChunk(ctx context.Context, offset, size int64) ([]byte, error)
}

// FileSource reads chunks from a file on disk with positioned reads, so
// chunks can be read in parallel.
type FileSource struct {
	file io.ReaderAt
	size int64
	c    io.Closer
}

// OpenFile creates a FileSource over the file at path.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileSource{file: file, size: info.Size(), c: file}, nil
}

// NewReaderAtSource creates a source over the first size bytes of r.
func NewReaderAtSource(r io.ReaderAt, size int64) *FileSource {
	return &FileSource{file: r, size: size}
}

// Size implements Source.
func (s *FileSource) Size() int64 {
	return s.size
}

// ReadChunk implements Source.
func (s *FileSource) ReadChunk(_ context.Context, offset, size int64) ([]byte, error) {
	if offset >= s.size {
		return nil, io.EOF
	}
	if remaining := s.size - offset; size > remaining {
		size = remaining
	}

	chunk := make([]byte, size)
	n, err := s.file.ReadAt(chunk, offset)
	if int64(n) < size {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read %d bytes at offset %d: %w", size, offset, err)
	}
	return chunk, nil
}

// Close closes the underlying file, if the source opened one.
func (s *FileSource) Close() error {
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

// BytesSource provides chunks from an in-memory buffer. Returned chunks
// alias the buffer.
type BytesSource struct {
	data []byte
}

// NewBytesSource creates a Source from a byte slice.
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

// Size implements Source.
func (s *BytesSource) Size() int64 {
	return int64(len(s.data))
}

// ReadChunk implements Source.
func (s *BytesSource) ReadChunk(_ context.Context, offset, size int64) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}
	if offset >= int64(len(s.data)) {
		return nil, io.EOF
	}
	end := offset + size
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	return s.data[offset:end:end], nil
}

// StreamSource reads chunks from an io.Reader of unknown length. Reads are
// served strictly in offset order; a ReadChunk call waits until every lower
// offset has been read.
type StreamSource struct {
	r    io.Reader
	size int64

	mu   sync.Mutex
	cond *sync.Cond
	pos  int64
	eof  bool
	err  error
}

// NewStreamSource creates a Source over r. Pass chunked.UnknownLength when
// the stream length is not known.
func NewStreamSource(r io.Reader, size int64) *StreamSource {
	if size < 0 {
		size = chunked.UnknownLength
	}
	s := &StreamSource{r: r, size: size}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Size implements Source.
func (s *StreamSource) Size() int64 {
	return s.size
}

// Position returns the number of bytes consumed from the stream.
func (s *StreamSource) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// ReadChunk implements Source. A chunk shorter than size is only returned at
// the end of the stream.
func (s *StreamSource) ReadChunk(ctx context.Context, offset, size int64) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.pos < offset && !s.eof && s.err == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cond.Wait()
	}
	switch {
	case s.err != nil:
		return nil, s.err
	case s.eof:
		return nil, io.EOF
	case s.pos != offset:
		return nil, fmt.Errorf("offset %d was already read", offset)
	}

	// reading under the lock keeps the stream order
	chunk := make([]byte, size)
	n, err := io.ReadFull(s.r, chunk)
	s.pos += int64(n)
	defer s.cond.Broadcast()

	switch {
	case err == nil:
		return chunk, nil
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		s.eof = true
		if s.size != chunked.UnknownLength && s.pos < s.size {
			s.err = fmt.Errorf("stream ended after %d of %d bytes: %w", s.pos, s.size, io.ErrUnexpectedEOF)
			return nil, s.err
		}
		if n == 0 {
			return nil, io.EOF
		}
		return chunk[:n], nil
	default:
		s.err = fmt.Errorf("read stream at offset %d: %w", offset, err)
		return nil, s.err
	}
}
