// Package pubsub provides a small multi-subscriber broadcast channel pair:
// Pub fans every written value out, in write order, to all subscribers
// attached at write time. Late subscribers do not see prior values.
package pubsub

import (
	"context"
	"sync"
)

// Pub is the writer side of a broadcast channel.
type Pub[T any] struct {
	mu     sync.Mutex
	subs   map[*Sub[T]]struct{}
	closed bool
}

// NewPub creates an open publish channel.
func NewPub[T any]() *Pub[T] {
	return &Pub[T]{subs: make(map[*Sub[T]]struct{})}
}

// Write broadcasts v to every attached subscriber. Writes to a closed pub
// are dropped.
func (p *Pub[T]) Write(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for s := range p.subs {
		s.push(v)
	}
}

// Close marks end-of-stream. Subscribers drain buffered values and then
// observe the sentinel.
func (p *Pub[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for s := range p.subs {
		s.finish()
	}
	p.subs = make(map[*Sub[T]]struct{})
}

// Closed reports whether end-of-stream has been written.
func (p *Pub[T]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Subscribe attaches a new reader. Subscribing to a closed pub yields a
// subscription that immediately reports end-of-stream.
func (p *Pub[T]) Subscribe() *Sub[T] {
	s := &Sub[T]{pub: p, wake: make(chan struct{}, 1)}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.done = true
		return s
	}
	p.subs[s] = struct{}{}
	return s
}

// SubscriberCount returns the number of attached subscribers.
func (p *Pub[T]) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Pub[T]) detach(s *Sub[T]) {
	p.mu.Lock()
	delete(p.subs, s)
	p.mu.Unlock()
}

// Sub is one reader's view of a Pub. Values are buffered without bound so a
// slow reader never stalls the writer or other readers.
type Sub[T any] struct {
	pub *Pub[T]

	mu   sync.Mutex
	buf  []T
	done bool
	wake chan struct{}
}

func (s *Sub[T]) push(v T) {
	s.mu.Lock()
	s.buf = append(s.buf, v)
	s.mu.Unlock()
	s.signal()
}

func (s *Sub[T]) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.signal()
}

func (s *Sub[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Read returns the next value in write order. ok is false at end-of-stream
// (pub closed and buffer drained, or the subscription cancelled) and on
// context cancellation.
func (s *Sub[T]) Read(ctx context.Context) (T, bool) {
	var zero T
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			v := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return v, true
		}
		if s.done {
			s.mu.Unlock()
			return zero, false
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// TryRead returns a buffered value without blocking.
func (s *Sub[T]) TryRead() (T, bool) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return zero, false
	}
	v := s.buf[0]
	s.buf = s.buf[1:]
	return v, true
}

// Cancel detaches the subscription. Buffered values are discarded and
// subsequent reads report end-of-stream.
func (s *Sub[T]) Cancel() {
	s.pub.detach(s)
	s.mu.Lock()
	s.buf = nil
	s.done = true
	s.mu.Unlock()
	s.signal()
}
