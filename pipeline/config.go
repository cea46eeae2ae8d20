package pipeline

import (
	"net/http"
	"runtime"
	"time"
)

const (
	// MinChunkSize is the smallest chunk OptimalChunkSizeBytes returns.
	MinChunkSize = 8 * 1024 * 1024
	// MaxChunkSize is the largest chunk OptimalChunkSizeBytes returns.
	MaxChunkSize = 100 * 1024 * 1024
)

// Config holds configuration for a chunk pipeline.
type Config struct {
	// ChunkSize is the number of source bytes per chunk.
	// Default: MinChunkSize
	ChunkSize int64

	// Concurrency is the size of the in-flight window.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// Positional serializes the transmit phase by offset: the chunk at
	// offset N+1 is handed to the transmit function only after the chunk at
	// offset N was accepted. Reads stay concurrent.
	Positional bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   MinChunkSize,
		Concurrency: DefaultConcurrency(),
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = MinChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency()
	}
	return c
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// DefaultHTTPClient creates an HTTP client tuned for many parallel chunk
// requests against one host.
func DefaultHTTPClient(concurrency int) *http.Client {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency()
	}
	return &http.Client{
		// per attempt limits are applied by the dispatcher
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        2 * concurrency,
			MaxIdleConnsPerHost: concurrency,
			MaxConnsPerHost:     concurrency,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// OptimalChunkSizeBytes spreads totalSize over the window, staying within
// [MinChunkSize, MaxChunkSize].
func OptimalChunkSizeBytes(totalSize int64, concurrency int) int64 {
	if totalSize <= 0 || concurrency <= 0 {
		return MinChunkSize
	}
	return int64(optimalChunkSizeBytes(uint64(totalSize), MinChunkSize, MaxChunkSize, uint64(concurrency)))
}

func optimalChunkSizeBytes(totalSize, min, max, concurrency uint64) uint64 {
	cs := totalSize / concurrency

	// halve very large chunks to keep the window busy
	if cs >= max {
		cs = cs / 2
	}

	if cs < min {
		cs = min
	}

	if max > 0 && cs > max {
		cs = max
	}

	return cs
}
