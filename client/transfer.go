package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bitrise-io/go-s3stream/chunked"
	"github.com/bitrise-io/go-s3stream/compression"
	"github.com/bitrise-io/go-s3stream/dispatch"
	"github.com/bitrise-io/go-s3stream/pipeline"
)

// StreamOptions configure AppendStream.
type StreamOptions struct {
	Options ObjectOptions
	// Compress encodes the stream with zstd before it is appended.
	Compress bool
}

func (c *Client) chunkSize(total int64) int64 {
	if c.settings.chunkSize > 0 {
		return c.settings.chunkSize
	}
	return pipeline.OptimalChunkSizeBytes(total, c.settings.concurrency)
}

func (c *Client) newPipeline(chunkSize int64, positional bool) *pipeline.Pipeline {
	var opts []pipeline.Option
	if c.collector != nil {
		opts = append(opts, pipeline.WithObserver(c.collector))
	}
	return pipeline.New(pipeline.Config{
		ChunkSize:   chunkSize,
		Concurrency: c.settings.concurrency,
		Positional:  positional,
	}, c.logger, opts...)
}

// appendBase returns the current state of an appendable object. A missing
// object has size 0.
func (c *Client) appendBase(ctx context.Context, bucket, object string, opts ObjectOptions) (*AppendResult, error) {
	info, err := c.StatObject(ctx, StatObject{
		Bucket:  bucket,
		Object:  object,
		Options: ObjectOptions{Region: opts.Region, SSECustomerKey: opts.SSECustomerKey},
	})
	if err != nil {
		var perr *dispatch.ProtocolError
		if errors.As(err, &perr) && perr.Code == dispatch.CodeNoSuchKey {
			c.logger.Debugf("Object %s/%s does not exist yet, appending from offset 0", bucket, object)
			return &AppendResult{ObjectSize: 0}, nil
		}
		return nil, err
	}
	if info.Size < 0 {
		return nil, fmt.Errorf("stat %s/%s: size is unknown", bucket, object)
	}
	return &AppendResult{ETag: info.ETag, VersionID: info.VersionID, ObjectSize: info.Size}, nil
}

// AppendFile appends the file at path to the object, starting at the
// object's current size. Chunks are read concurrently and appended strictly
// in offset order.
func (c *Client) AppendFile(ctx context.Context, bucket, object, path string, opts ObjectOptions) (*AppendResult, error) {
	src, err := pipeline.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			c.logger.Errorf("Failed to close %s: %s", path, err)
		}
	}()

	return c.AppendSource(ctx, bucket, object, src, opts)
}

// AppendStream appends everything read from r to the object.
func (c *Client) AppendStream(ctx context.Context, bucket, object string, r io.Reader, opts StreamOptions) (*AppendResult, error) {
	if opts.Compress {
		compressor, err := compression.NewCompressor(ctx, r, c.logger)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := compressor.Close(); err != nil {
				c.logger.Errorf("Failed to close compressor: %s", err)
			}
		}()
		r = compressor
	}

	return c.AppendSource(ctx, bucket, object, pipeline.NewStreamSource(r, chunked.UnknownLength), opts.Options)
}

// AppendSource appends src to the object with a positional pipeline.
func (c *Client) AppendSource(ctx context.Context, bucket, object string, src pipeline.Source, opts ObjectOptions) (*AppendResult, error) {
	base, err := c.appendBase(ctx, bucket, object, opts)
	if err != nil {
		return nil, err
	}

	var (
		mu         sync.Mutex
		last       = base
		lastOffset = int64(-1)
	)
	p := c.newPipeline(c.chunkSize(src.Size()), true)
	res, err := p.Run(ctx, src, func(ctx context.Context, chunk pipeline.Chunk) (string, error) {
		r, err := c.AppendObject(ctx, AppendObject{
			Bucket:  bucket,
			Object:  object,
			Offset:  base.ObjectSize + chunk.Offset,
			Body:    chunk.Body(),
			Options: opts,
		})
		if err != nil {
			return "", err
		}

		mu.Lock()
		defer mu.Unlock()
		if chunk.Offset > lastOffset {
			last, lastOffset = r, chunk.Offset
		}
		return r.ETag, nil
	})
	if err != nil {
		return nil, fmt.Errorf("append to %s/%s: %w", bucket, object, err)
	}

	out := *last
	out.Appended = res.Bytes
	out.Chunks = len(res.Receipts)
	if out.ObjectSize < 0 {
		out.ObjectSize = base.ObjectSize + res.Bytes
	}
	return &out, nil
}

// UploadParts uploads src as the parts of an existing multipart upload.
// Parts are uploaded concurrently; part N holds the Nth chunk of src.
func (c *Client) UploadParts(ctx context.Context, bucket, object, uploadID string, src pipeline.Source, opts ObjectOptions) ([]Part, error) {
	chunkSize := c.chunkSize(src.Size())
	if size := src.Size(); size > 0 && (size+chunkSize-1)/chunkSize > MaxPartNumber {
		return nil, fmt.Errorf("upload %s/%s: %d byte source needs more than %d parts of %d bytes", bucket, object, size, MaxPartNumber, chunkSize)
	}

	p := c.newPipeline(chunkSize, false)
	res, err := p.Run(ctx, src, func(ctx context.Context, chunk pipeline.Chunk) (string, error) {
		return c.UploadPart(ctx, UploadPart{
			Bucket:     bucket,
			Object:     object,
			UploadID:   uploadID,
			PartNumber: int(chunk.Offset/chunkSize) + 1,
			Body:       chunk.Body(),
			Options:    opts,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("upload parts of %s/%s: %w", bucket, object, err)
	}

	parts := make([]Part, len(res.Receipts))
	for i, r := range res.Receipts {
		parts[i] = Part{Number: int(r.Offset/chunkSize) + 1, ETag: r.Value, Size: r.Length}
	}
	return parts, nil
}
