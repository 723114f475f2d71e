package core

import (
	"sync"
	"sync/atomic"

	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/state"
)

// Broadcast fans events out to every current subscriber. A slow subscriber never blocks the producer,
// once its buffer is full the oldest pending event is discarded.
type Broadcast[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	buffer int
	closed bool
}

type Subscription[T any] struct {
	C       <-chan T
	ch      chan T
	parent  *Broadcast[T]
	dropped atomic.Uint64
}

func NewBroadcast[T any]() *Broadcast[T] {
	return NewBroadcastSize[T](state.BroadcastBuffer)
}

func NewBroadcastSize[T any](buffer int) *Broadcast[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcast[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		buffer: buffer,
	}
}

// Subscribe only observes events published after it returns
func (b *Broadcast[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, b.buffer)
	sub := &Subscription[T]{C: ch, ch: ch, parent: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Broadcast[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.offer(v)
	}
}

func (b *Broadcast[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription, their channels are closed once drained
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	clear(b.subs)
}

func (s *Subscription[T]) offer(v T) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			perf.EventsDropped.Add(1)
		default:
		}
	}
}

// Dropped is the number of events discarded because the subscriber fell behind
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription[T]) Close() {
	b := s.parent
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Drain returns up to limit pending events without blocking
func (s *Subscription[T]) Drain(limit int) []T {
	var out []T
	for len(out) < limit {
		select {
		case v, ok := <-s.ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
	return out
}
