// Package broadcast fans out the latest value of a stream to any number of
// subscribers without letting a slow subscriber block the publisher.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by Subscribe and Next once the subscriber or the
// whole broadcaster has been closed.
var ErrClosed = errors.New("broadcast: closed")

// DefaultQueueSize is the per-subscriber queue bound used when none is given.
const DefaultQueueSize = 64

// Kind distinguishes the first message of a subscription and resyncs from
// ordinary transitions.
type Kind int

const (
	// KindSnapshot is the value current at subscription time.
	KindSnapshot Kind = iota
	// KindUpdate is a published transition.
	KindUpdate
	// KindResync replaces messages dropped after the queue overflowed.
	KindResync
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindUpdate:
		return "update"
	case KindResync:
		return "resync"
	}
	return "unknown"
}

// Message is one value delivered to a subscriber.
type Message[T any] struct {
	Seq   uint64
	Value T
	Kind  Kind
}

// Broadcaster holds the current value and delivers every change to its
// subscribers in publish order.
type Broadcaster[T any] struct {
	queueSize int
	clone     func(T) T
	logger    *zap.Logger

	mu      sync.Mutex
	current T
	seq     uint64
	nextID  uint64
	subs    map[uint64]*Subscriber[T]
	closed  bool
}

// New creates a broadcaster whose initial value is initial. clone, if not
// nil, is applied to every value handed to a subscriber so that subscribers
// never share mutable state.
func New[T any](initial T, queueSize int, clone func(T) T, logger *zap.Logger) *Broadcaster[T] {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	if clone == nil {
		clone = func(v T) T { return v }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster[T]{
		queueSize: queueSize,
		clone:     clone,
		logger:    logger,
		current:   clone(initial),
		subs:      make(map[uint64]*Subscriber[T]),
	}
}

// Subscribe registers a new subscriber. Its first message is the current
// value; no publish can fall between capturing that value and registering.
func (b *Broadcaster[T]) Subscribe() (*Subscriber[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	s := &Subscriber[T]{
		id:     b.nextID,
		b:      b,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.push(Message[T]{Seq: b.seq, Value: b.current, Kind: KindSnapshot}, b.queueSize)
	b.subs[s.id] = s

	b.logger.Debug("subscriber added",
		zap.Uint64("subscriber", s.id),
		zap.Int("subscribers", len(b.subs)),
	)
	return s, nil
}

// Unsubscribe removes s. Calling it more than once is harmless.
func (b *Broadcaster[T]) Unsubscribe(s *Subscriber[T]) {
	if s == nil {
		return
	}

	b.mu.Lock()
	_, ok := b.subs[s.id]
	delete(b.subs, s.id)
	n := len(b.subs)
	b.mu.Unlock()

	s.close(true)
	if ok {
		b.logger.Debug("subscriber removed",
			zap.Uint64("subscriber", s.id),
			zap.Int("subscribers", n),
			zap.Uint64("resyncs", s.Resyncs()),
		)
	}
}

// Publish makes v the current value and queues it for every subscriber. It
// never blocks on a subscriber. It returns the sequence number assigned to v.
func (b *Broadcaster[T]) Publish(v T) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.seq
	}

	b.seq++
	b.current = b.clone(v)
	msg := Message[T]{Seq: b.seq, Value: b.current, Kind: KindUpdate}
	for _, s := range b.subs {
		if s.push(msg, b.queueSize) {
			b.logger.Debug("subscriber queue overflowed, resyncing",
				zap.Uint64("subscriber", s.id),
				zap.Uint64("seq", msg.Seq),
			)
		}
	}
	return b.seq
}

// Current returns the current value and its sequence number.
func (b *Broadcaster[T]) Current() (T, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clone(b.current), b.seq
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later Subscribe calls fail with ErrClosed
// and Publish becomes a no-op.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscriber[T])
	b.mu.Unlock()

	for _, s := range subs {
		s.close(false)
	}
	b.logger.Debug("broadcaster closed", zap.Int("subscribers", len(subs)))
}

// Subscriber is a single consumer of a Broadcaster.
type Subscriber[T any] struct {
	id uint64
	b  *Broadcaster[T]

	mu      sync.Mutex
	queue   []Message[T]
	resyncs uint64

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ID is an opaque identifier, unique within the broadcaster.
func (s *Subscriber[T]) ID() uint64 { return s.id }

// Resyncs counts how many times the queue overflowed.
func (s *Subscriber[T]) Resyncs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncs
}

// Done is closed when the subscription ends.
func (s *Subscriber[T]) Done() <-chan struct{} { return s.done }

// Next blocks until a message is available, the subscription ends
// (ErrClosed) or ctx is done. Messages queued before the broadcaster was
// closed are still delivered.
func (s *Subscriber[T]) Next(ctx context.Context) (Message[T], error) {
	for {
		if m, ok := s.pop(); ok {
			m.Value = s.b.clone(m.Value)
			return m, nil
		}

		select {
		case <-s.done:
			if m, ok := s.pop(); ok {
				m.Value = s.b.clone(m.Value)
				return m, nil
			}
			return Message[T]{}, ErrClosed
		default:
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return Message[T]{}, ctx.Err()
		}
	}
}

// Close is shorthand for Unsubscribe.
func (s *Subscriber[T]) Close() {
	s.b.Unsubscribe(s)
}

// push appends m, collapsing the queue into a single resync message when it
// is full. It reports whether that happened.
func (s *Subscriber[T]) push(m Message[T], limit int) bool {
	s.mu.Lock()
	overflow := len(s.queue) >= limit
	if overflow {
		clear(s.queue)
		m.Kind = KindResync
		s.queue = append(s.queue[:0], m)
		s.resyncs++
	} else {
		s.queue = append(s.queue, m)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return overflow
}

func (s *Subscriber[T]) pop() (Message[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return Message[T]{}, false
	}
	m := s.queue[0]
	var zero Message[T]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	return m, true
}

// close ends the subscription; drop also discards undelivered messages.
func (s *Subscriber[T]) close(drop bool) {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	if drop {
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	}
}
