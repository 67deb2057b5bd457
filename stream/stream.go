// Package stream provides a small multi-subscriber broadcast primitive used
// for the status, role and message streams. Replay mode keeps the latest
// value and hands it to late subscribers, which is the only buffering
// guarantee beyond the per-subscriber channel itself.
package stream

import (
	"sync"

	"github.com/rs/zerolog"
)

const (
	defaultSubscriberBuffer = 32
)

type Broadcaster[T any] struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	subs   []chan T
	last   T
	replay bool
	seen   bool
	closed bool
}

// New creates a broadcaster without replay. Subscribers only see values
// published after they subscribed.
func New[T any](logger *zerolog.Logger) *Broadcaster[T] {
	return &Broadcaster[T]{
		logger: logger.With().Str("component", "stream").Logger(),
		mx:     &sync.Mutex{},
	}
}

// NewReplay creates a broadcaster that replays the latest value (starting
// with initial) to every new subscriber.
func NewReplay[T any](logger *zerolog.Logger, initial T) *Broadcaster[T] {
	return &Broadcaster[T]{
		logger: logger.With().Str("component", "stream").Logger(),
		mx:     &sync.Mutex{},
		last:   initial,
		replay: true,
		seen:   true,
	}
}

// Subscribe registers a new subscriber channel. In replay mode the latest
// value is delivered first. The channel is closed when the broadcaster is.
func (b *Broadcaster[T]) Subscribe() <-chan T {
	b.mx.Lock()
	defer b.mx.Unlock()

	ch := make(chan T, defaultSubscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	if b.replay && b.seen {
		ch <- b.last
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers v to all current subscribers in subscription order.
// A subscriber that stopped draining its channel loses values.
func (b *Broadcaster[T]) Publish(v T) {
	b.mx.Lock()
	defer b.mx.Unlock()

	if b.closed {
		return
	}
	b.last = v
	b.seen = true
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.logger.Warn().Msg("subscriber buffer full, value dropped")
		}
	}
}

// Latest returns the most recently published value.
func (b *Broadcaster[T]) Latest() T {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.last
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Broadcaster[T]) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
