// Package pipeline drives a bounded window of concurrent chunk operations
// over a file, buffer or stream. Each operation reads one chunk and hands it
// to a transmit function; for positional operations, such as appending to a
// growing object, the transmit phase is serialized by offset.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"github.com/bitrise-io/go-s3stream/chunked"
)

// Chunk is the unit of work of a pipeline.
type Chunk struct {
	// Offset is the position of the first byte within the source.
	Offset int64
	Data   []byte
}

// Len returns the number of bytes in the chunk.
func (c Chunk) Len() int64 {
	return int64(len(c.Data))
}

// Body wraps the chunk data for dispatching.
func (c Chunk) Body() *chunked.Body {
	return chunked.FromBytes(c.Data)
}

// TransmitFunc sends one chunk and returns a receipt value (an ETag, for
// example). Its context carries the values of the context passed to Run but
// not its cancellation: an operation that started always completes.
type TransmitFunc func(ctx context.Context, chunk Chunk) (string, error)

// Receipt records one transmitted chunk.
type Receipt struct {
	Offset int64
	Length int64
	Value  string
}

// Result is the outcome of a completed pipeline.
type Result struct {
	// Receipts are sorted by offset.
	Receipts []Receipt
	Bytes    int64
}

// Values returns the receipt values in offset order.
func (r *Result) Values() []string {
	values := make([]string, len(r.Receipts))
	for i, rc := range r.Receipts {
		values[i] = rc.Value
	}
	return values
}

// Observer is notified about the window and about finished chunks.
type Observer interface {
	ObserveInFlight(delta int)
	ObserveChunk(bytes int64, duration time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveInFlight(int)                       {}
func (nopObserver) ObserveChunk(int64, time.Duration, error) {}

// Pipeline runs chunk operations with a bounded window.
type Pipeline struct {
	config   Config
	logger   log.Logger
	observer Observer
	stats    *Stats
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// New creates a Pipeline. Zero config fields take their defaults.
func New(config Config, logger log.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = log.NewLogger()
	}
	p := &Pipeline{
		config:   config.withDefaults(),
		logger:   logger,
		observer: nopObserver{},
		stats:    &Stats{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns the statistics of every Run of p.
func (p *Pipeline) Stats() *Stats {
	return p.stats
}

// Run reads src in chunks of Config.ChunkSize and transmits every chunk.
//
// At most Config.Concurrency chunks are in flight; when one finishes the next
// offset starts. A positional pipeline keeps a read chunk in its slot until
// every lower offset was transmitted. The first failure stops launching new
// chunks; chunks already in flight finish and their results are discarded.
// Cancelling ctx has the same effect: unstarted chunks never begin, started
// ones run to completion and Run returns ctx.Err().
func (p *Pipeline) Run(ctx context.Context, src Source, transmit TransmitFunc) (*Result, error) {
	if transmit == nil {
		return nil, errors.New("transmit function is required")
	}

	size := src.Size()
	chunkSize := p.config.ChunkSize
	start := time.Now()

	runCtx, stopLaunching := context.WithCancel(ctx)
	defer stopLaunching()
	g, abort := errgroup.WithContext(runCtx)
	slots := make(chan struct{}, p.config.Concurrency)

	var seq *sequencer
	if p.config.Positional {
		seq = newSequencer(chunkSize)
		stop := context.AfterFunc(abort, func() { seq.abort(errSequenceAborted) })
		defer stop()
	}

	var (
		mu        sync.Mutex
		receipts  []Receipt
		exhausted atomic.Bool
	)

	if size == chunked.UnknownLength {
		p.logger.Debugf("Starting pipeline over a stream (chunk size %s, window %d)", units.HumanSize(float64(chunkSize)), p.config.Concurrency)
	} else {
		p.logger.Debugf("Starting pipeline over %s (chunk size %s, window %d)", units.HumanSize(float64(size)), units.HumanSize(float64(chunkSize)), p.config.Concurrency)
	}

launch:
	for offset := int64(0); size == chunked.UnknownLength || offset < size; offset += chunkSize {
		select {
		case <-abort.Done():
			break launch
		case slots <- struct{}{}:
		}
		if abort.Err() != nil || exhausted.Load() {
			<-slots
			break
		}

		off, n := offset, chunkSize
		if size != chunked.UnknownLength && size-off < n {
			n = size - off
		}

		g.Go(func() error {
			defer func() { <-slots }()

			receipt, err := p.process(ctx, src, off, n, transmit, seq)
			switch {
			case err == io.EOF:
				exhausted.Store(true)
				return nil
			case errors.Is(err, errSequenceAborted):
				// the failure that aborted the sequence is reported by its own chunk
				return nil
			case err != nil:
				// stop the launcher before this slot is released
				stopLaunching()
				if seq != nil {
					seq.abort(errSequenceAborted)
				}
				return err
			}

			mu.Lock()
			receipts = append(receipts, receipt)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(receipts, func(i, j int) bool { return receipts[i].Offset < receipts[j].Offset })

	result := &Result{Receipts: receipts}
	for _, r := range receipts {
		result.Bytes += r.Length
	}

	took := time.Since(start)
	p.logger.Infof("Transferred %s in %d chunk(s) in %s (avg chunk %s)",
		units.HumanSize(float64(result.Bytes)), len(receipts), took.Round(time.Millisecond), p.stats.Average().Round(time.Millisecond))

	return result, nil
}

// process runs one chunk operation. io.EOF means the source had no data at
// offset.
func (p *Pipeline) process(ctx context.Context, src Source, offset, size int64, transmit TransmitFunc, seq *sequencer) (Receipt, error) {
	p.observer.ObserveInFlight(1)
	defer p.observer.ObserveInFlight(-1)

	start := time.Now()
	ctx = context.WithoutCancel(ctx)

	data, err := src.ReadChunk(ctx, offset, size)
	if err == io.EOF && len(data) == 0 {
		return Receipt{}, io.EOF
	}
	if err != nil {
		p.observer.ObserveChunk(0, time.Since(start), err)
		return Receipt{}, fmt.Errorf("read chunk at offset %d: %w", offset, err)
	}
	chunk := Chunk{Offset: offset, Data: data}

	if seq != nil {
		if err := seq.wait(offset); err != nil {
			p.logger.Debugf("Dropping chunk at offset %d: %s", offset, err)
			return Receipt{}, err
		}
	}

	value, err := transmit(ctx, chunk)
	took := time.Since(start)
	p.observer.ObserveChunk(chunk.Len(), took, err)
	if err != nil {
		p.logger.Warnf("Chunk at offset %d failed after %s: %s", offset, took.Round(time.Millisecond), err)
		return Receipt{}, fmt.Errorf("transmit chunk at offset %d: %w", offset, err)
	}

	if seq != nil {
		seq.done(offset)
	}

	p.stats.Update(took, chunk.Len())
	p.logger.Debugf("Chunk at offset %d (%s) done in %s [finished=%d]",
		offset, units.HumanSize(float64(chunk.Len())), took.Round(time.Millisecond), p.stats.FinishedCount())

	return Receipt{Offset: offset, Length: chunk.Len(), Value: value}, nil
}
