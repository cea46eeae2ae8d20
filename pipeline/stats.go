package pipeline

import (
	"sync"
	"time"
)

// Stats accumulates per-chunk timings and byte counts of a pipeline.
type Stats struct {
	mu       sync.Mutex
	sum      time.Duration
	finished int64
	bytes    int64
}

// Update records a completed chunk.
func (s *Stats) Update(d time.Duration, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finished++
	s.bytes += bytes
}

// Average returns the mean duration of completed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// FinishedCount returns the number of completed chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Bytes returns the number of bytes in completed chunks.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
