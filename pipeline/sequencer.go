package pipeline

import (
	"errors"
	"sync"
)

var errSequenceAborted = errors.New("pipeline aborted before chunk could be transmitted")

// sequencer hands out transmit turns in offset order.
type sequencer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	next   int64
	stride int64
	err    error
}

func newSequencer(stride int64) *sequencer {
	s := &sequencer{stride: stride}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// wait blocks until offset is the next one to transmit, or the sequence is
// aborted.
func (s *sequencer) wait(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.next != offset && s.err == nil {
		s.cond.Wait()
	}
	return s.err
}

// done passes the turn to the following offset.
func (s *sequencer) done(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == offset {
		s.next = offset + s.stride
	}
	s.cond.Broadcast()
}

// abort releases every waiter with err. The first error wins.
func (s *sequencer) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
}
