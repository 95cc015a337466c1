package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when a depth cap is set and the overflow
	// policy rejects the newest message.
	ErrQueueFull = errors.New("bus: queue full")

	// ErrClosed is returned when publishing to a closed bus.
	ErrClosed = errors.New("bus: closed")
)

// OverflowPolicy selects what happens when a capped queue is full.
type OverflowPolicy string

const (
	// OverflowReject refuses the newest message.
	OverflowReject OverflowPolicy = "reject"

	// OverflowDropOldest evicts the oldest queued message.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// Options configures queue depth limits. The zero value gives unbounded
// queues, which never drop a message once it is enqueued.
type Options struct {
	// MaxDepth caps each queue. 0 means unbounded.
	MaxDepth int `yaml:"max_depth"`

	// Overflow is applied when MaxDepth is reached. Defaults to reject.
	Overflow OverflowPolicy `yaml:"overflow"`
}

// MessageBus holds the inbound and outbound queues.
type MessageBus struct {
	inbound  *queue[InboundMessage]
	outbound *queue[OutboundMessage]
	logger   *slog.Logger
}

// New creates a bus with unbounded queues.
func New(logger *slog.Logger) *MessageBus {
	return NewWithOptions(Options{}, logger)
}

// NewWithOptions creates a bus with the given depth limits.
func NewWithOptions(opts Options, logger *slog.Logger) *MessageBus {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowReject
	}
	logger = logger.With("component", "bus")
	return &MessageBus{
		inbound:  newQueue[InboundMessage]("inbound", opts, logger),
		outbound: newQueue[OutboundMessage]("outbound", opts, logger),
		logger:   logger,
	}
}

// PublishInbound enqueues a message for the agent loop. It never blocks.
func (b *MessageBus) PublishInbound(msg InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return b.inbound.push(msg)
}

// PublishOutbound enqueues a reply for the channel dispatcher. It never blocks.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) error {
	return b.outbound.push(msg)
}

// ConsumeInbound removes and returns the oldest inbound message. It returns
// ok=false when timeout elapses, ctx is done or the bus is closed and
// drained. A non-positive timeout waits until ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context, timeout time.Duration) (InboundMessage, bool) {
	return b.inbound.pop(ctx, timeout)
}

// ConsumeOutbound is the outbound counterpart of ConsumeInbound.
func (b *MessageBus) ConsumeOutbound(ctx context.Context, timeout time.Duration) (OutboundMessage, bool) {
	return b.outbound.pop(ctx, timeout)
}

// InboundDepth returns the number of queued inbound messages.
func (b *MessageBus) InboundDepth() int { return b.inbound.len() }

// OutboundDepth returns the number of queued outbound messages.
func (b *MessageBus) OutboundDepth() int { return b.outbound.len() }

// Dropped returns how many messages were evicted by OverflowDropOldest.
func (b *MessageBus) Dropped() (inbound, outbound int64) {
	return b.inbound.droppedCount(), b.outbound.droppedCount()
}

// Close rejects further publishes and wakes all waiting consumers.
// Messages already queued can still be consumed.
func (b *MessageBus) Close() {
	b.inbound.close()
	b.outbound.close()
}

// queue is an unbounded (or optionally capped) FIFO. Consumers wait on
// signal, which is poked on every push, instead of polling.
type queue[T any] struct {
	name   string
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	items   []T
	closed  bool
	dropped int64

	signal chan struct{}
	done   chan struct{}
}

func newQueue[T any](name string, opts Options, logger *slog.Logger) *queue[T] {
	return &queue[T]{
		name:   name,
		opts:   opts,
		logger: logger,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *queue[T]) push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.opts.MaxDepth > 0 && len(q.items) >= q.opts.MaxDepth {
		if q.opts.Overflow != OverflowDropOldest {
			q.mu.Unlock()
			q.logger.Warn("queue full, rejecting message", "queue", q.name, "depth", q.opts.MaxDepth)
			return ErrQueueFull
		}
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped++
		q.logger.Warn("queue full, dropped oldest message", "queue", q.name, "depth", q.opts.MaxDepth)
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.notify()
	return nil
}

func (q *queue[T]) pop(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			// Hand the wake-up to the next waiter when items remain.
			if more {
				q.notify()
			}
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, false
		}

		select {
		case <-q.signal:
		case <-q.done:
		case <-expired:
			return zero, false
		case <-ctx.Done():
			return zero, false
		}
	}
}

func (q *queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) droppedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
