package broker

import (
	"context"
	"io"
	"sync"
)

// Subscription is one reader attached to a Broker. Next must be called from
// a single goroutine; Close may be called from any.
type Subscription struct {
	broker *Broker

	mu           sync.Mutex
	pending      [][]byte
	pendingBytes int
	limit        int
	dropped      int
	closed       bool
	detached     bool
	notify       chan struct{}
}

// Next returns the next chunk in emission order. Once the broker is closed
// and the queue drained it returns io.EOF, and keeps returning it.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.pendingBytes -= len(chunk)
			s.mu.Unlock()
			return chunk, nil
		}
		if s.closed || s.detached {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dropped is the number of chunks discarded because this subscriber fell
// behind by more than its queue limit.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. Pending chunks are discarded.
func (s *Subscription) Close() {
	s.broker.detach(s)
	s.mu.Lock()
	s.detached = true
	s.pending = nil
	s.pendingBytes = 0
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) push(chunk []byte) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, chunk)
	s.pendingBytes += len(chunk)
	for s.pendingBytes > s.limit && len(s.pending) > 1 {
		s.pendingBytes -= len(s.pending[0])
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.dropped++
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
