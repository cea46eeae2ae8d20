// Package compression wraps streams with zstd encoding and decoding.
package compression

import (
	"context"
	"fmt"
	"io"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Compressor encodes a source stream on the fly. Reading from it yields the
// compressed bytes; the source is drained by a background goroutine that
// stops when the Compressor is closed.
type Compressor struct {
	ctx  context.Context
	pr   *io.PipeReader
	done chan struct{}
	read int64
}

// NewCompressor starts compressing src. Once ctx is done, Close stops
// waiting for a source Read that never returns.
func NewCompressor(ctx context.Context, src io.Reader, logger log.Logger) (*Compressor, error) {
	if logger == nil {
		logger = log.NewLogger()
	}

	pr, pw := io.Pipe()
	zstdWriter, err := zstd.NewWriter(pw)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}

	c := &Compressor{ctx: ctx, pr: pr, done: make(chan struct{})}
	go func() {
		defer close(c.done)

		n, err := io.Copy(zstdWriter, src)
		c.read = n
		if closeErr := zstdWriter.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close zstd writer: %w", closeErr)
		}
		if err != nil {
			pw.CloseWithError(fmt.Errorf("compress stream: %w", err)) //nolint:errcheck
			return
		}
		logger.Debugf("Compressed %d source bytes", n)
		pw.Close() //nolint:errcheck
	}()

	return c, nil
}

// Read implements io.Reader.
func (c *Compressor) Read(p []byte) (int, error) {
	return c.pr.Read(p)
}

// Close stops the compressor and waits for the background goroutine, or
// until the context passed to NewCompressor is done. In the latter case the
// goroutine exits once the pending source Read returns.
func (c *Compressor) Close() error {
	err := c.pr.CloseWithError(io.ErrClosedPipe)
	select {
	case <-c.done:
	case <-c.ctx.Done():
	}
	return err
}

// SourceBytes returns the number of uncompressed bytes consumed. It blocks
// until the source is drained or the Compressor is closed.
func (c *Compressor) SourceBytes() int64 {
	<-c.done
	return c.read
}

type decoder struct {
	*zstd.Decoder
	src io.Closer
}

func (d decoder) Close() error {
	d.Decoder.Close()
	return d.src.Close()
}

// NewDecompressor returns a reader of the decoded content of src. Closing it
// closes src.
func NewDecompressor(src io.ReadCloser) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	return decoder{Decoder: zr, src: src}, nil
}
