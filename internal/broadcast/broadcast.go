// Package broadcast implements an in-process publish/subscribe topic with a
// bounded history. Every subscriber keeps its own cursor; a subscriber that
// falls more than the topic's capacity behind loses the oldest values
// instead of holding up the publisher or the other subscribers.
package broadcast

import (
	"context"
	"fmt"
	"sync"

	"codeberg.org/mutker/enosed/internal/errors"
)

var (
	// ErrClosed is returned by Recv once the topic or the subscription is
	// closed and nothing is left to read.
	ErrClosed = errors.New().New(errors.ErrTopicClosed)

	// ErrLagged matches every *LaggedError via errors.Is.
	ErrLagged = errors.New().New(errors.ErrPeerLagged)
)

// LaggedError reports how many values a subscriber skipped because they had
// already been overwritten.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged: %d values skipped", e.Missed)
}

func (e *LaggedError) Is(target error) bool {
	return target == ErrLagged
}

// Topic is a broadcast channel retaining the last capacity values.
type Topic[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   uint64 // sequence number of the next value
	notify chan struct{}
	subs   int
	closed bool
}

// New creates a topic. A capacity below one is treated as one.
func New[T any](capacity int) *Topic[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &Topic[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}),
	}
}

// Publish stores v and wakes waiting subscribers. It never blocks and returns
// the number of subscribers attached at the time of the call; publishing to
// a topic without subscribers is not an error.
func (t *Topic[T]) Publish(v T) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0
	}

	t.buf[t.head%uint64(len(t.buf))] = v
	t.head++

	close(t.notify)
	t.notify = make(chan struct{})

	return t.subs
}

// Subscribe attaches a new cursor positioned after the latest value, so only
// values published from now on are delivered.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Subscription[T]{topic: t, next: t.head}
	if t.closed {
		s.closed = true
		return s
	}
	t.subs++

	return s
}

// Subscribers returns the number of attached subscriptions.
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.subs
}

// Capacity returns how many values the topic retains.
func (t *Topic[T]) Capacity() int {
	return len(t.buf)
}

// Close stops the topic. Subscribers drain what they have not read yet and
// then get ErrClosed.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	close(t.notify)
}

// Subscription is one subscriber's cursor. It must not be used by more than
// one goroutine at a time, except for Close.
type Subscription[T any] struct {
	topic  *Topic[T]
	next   uint64
	closed bool
}

// Recv blocks until the next value is available, the context ends or the
// topic closes. When the cursor has fallen out of the retained history it is
// moved to the oldest retained value and a *LaggedError is returned; the
// following Recv continues from there.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	t := s.topic

	for {
		t.mu.Lock()

		if s.closed {
			t.mu.Unlock()
			return zero, ErrClosed
		}

		capacity := uint64(len(t.buf))
		var oldest uint64
		if t.head > capacity {
			oldest = t.head - capacity
		}

		if s.next < oldest {
			missed := oldest - s.next
			s.next = oldest
			t.mu.Unlock()
			return zero, &LaggedError{Missed: missed}
		}

		if s.next < t.head {
			v := t.buf[s.next%capacity]
			s.next++
			t.mu.Unlock()
			return v, nil
		}

		if t.closed {
			t.mu.Unlock()
			return zero, ErrClosed
		}

		wait := t.notify
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Close detaches the subscription from its topic. It is safe to call more
// than once. A Recv already waiting is not woken; cancel its context.
func (s *Subscription[T]) Close() {
	t := s.topic

	t.mu.Lock()
	defer t.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	t.subs--
}
