package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/casualjim/mals/internal/pqueue"
	"github.com/casualjim/mals/messages"
	"github.com/casualjim/mals/pkg/slogx"
	"github.com/fogfish/opts"
)

var (
	// ErrEmptyTopic is returned when a topic name is empty.
	ErrEmptyTopic = errors.New("topic must not be empty")
	// ErrNilSubscriber is returned when subscribing or unsubscribing nil.
	ErrNilSubscriber = errors.New("subscriber is required")
	// ErrInvalidPriority is returned by Publish for priorities outside the
	// four defined levels.
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrStopped is returned by Publish and Start once the broker was stopped.
	ErrStopped = errors.New("broker stopped")
)

// Stats are cumulative counters describing what the broker did with the
// messages it was given.
type Stats struct {
	Published uint64 `json:"published"`
	Rejected  uint64 `json:"rejected"`
	Coerced   uint64 `json:"coerced"`
	Unrouted  uint64 `json:"unrouted"`
	Delivered uint64 `json:"delivered"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
	Pending   int    `json:"pending"`
}

type counters struct {
	published atomic.Uint64
	rejected  atomic.Uint64
	coerced   atomic.Uint64
	unrouted  atomic.Uint64
	delivered atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// Broker owns the delivery queue and the subscription registry, and runs the
// dispatcher that moves messages from one to the other.
//
// Publishing is accepted as soon as the broker is built; nothing is delivered
// until Start. Stop closes the queue: whatever was accepted before Stop is
// still dispatched, later publishes fail with ErrStopped.
type Broker struct {
	name     string
	log      *slog.Logger
	queue    *pqueue.Queue[messages.Message]
	registry *Registry
	stats    counters

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

var (
	// Name sets the logger name of the broker.
	Name = opts.ForName[Broker, string]("name")
	// Logger replaces the logger derived from slog.Default.
	Logger = opts.ForName[Broker, *slog.Logger]("log")
)

func New(options ...opts.Option[Broker]) *Broker {
	b := &Broker{
		name:     "broker",
		queue:    pqueue.New[messages.Message](),
		registry: NewRegistry(),
		done:     make(chan struct{}),
	}
	if err := opts.Apply(b, options); err != nil {
		panic(err)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With(slogx.LoggerName(b.name))
	return b
}

// Publish enqueues a message and returns it with its sequence number. It never
// waits for the dispatcher.
func (b *Broker) Publish(topic, payload string, priority messages.Priority) (messages.Message, error) {
	if !priority.Valid() {
		b.stats.rejected.Add(1)
		return messages.Message{}, fmt.Errorf("%w: %s", ErrInvalidPriority, priority)
	}
	return b.enqueue(messages.New(topic, payload, priority))
}

// PublishRaw is the entry point for priorities that arrive from outside the
// process. Ranks outside 0..3 are coerced to Normal, logged, counted and
// flagged on the message.
func (b *Broker) PublishRaw(topic, payload string, rawPriority int64) (messages.Message, error) {
	priority, ok := messages.ParsePriority(rawPriority)
	msg := messages.New(topic, payload, priority)
	if !ok {
		b.stats.coerced.Add(1)
		b.log.Warn("unexpected priority level, falling back to normal",
			slogx.Topic(topic), slog.Int64("raw_priority", rawPriority))
		msg = msg.WithCoerced()
	}
	return b.enqueue(msg)
}

func (b *Broker) enqueue(msg messages.Message) (messages.Message, error) {
	if msg.Topic() == "" {
		b.stats.rejected.Add(1)
		return messages.Message{}, ErrEmptyTopic
	}

	stamped, err := b.queue.Push(msg.Priority().Rank(), msg.WithSequence)
	if err != nil {
		b.stats.rejected.Add(1)
		if errors.Is(err, pqueue.ErrClosed) {
			return messages.Message{}, ErrStopped
		}
		return messages.Message{}, err
	}
	b.stats.published.Add(1)
	return stamped, nil
}

// Subscribe adds sub to topic. It reports whether the set changed;
// subscribing an existing member is a no-op.
//
// A message published concurrently with Subscribe may or may not reach the
// new subscriber: delivery uses the set as it was when fan-out began.
func (b *Broker) Subscribe(topic string, sub Subscriber) (bool, error) {
	if err := validate(topic, sub); err != nil {
		return false, err
	}
	added := b.registry.Add(topic, sub)
	if added {
		b.log.Info("subscriber added", slogx.Topic(topic), slogx.Subscriber(sub.ID()))
	} else {
		b.log.Debug("subscriber already present", slogx.Topic(topic), slogx.Subscriber(sub.ID()))
	}
	return added, nil
}

// Unsubscribe removes sub from topic. It reports whether the set changed;
// removing a non-member is logged and otherwise ignored. A fan-out that
// already started may still deliver one message to sub.
func (b *Broker) Unsubscribe(topic string, sub Subscriber) (bool, error) {
	if err := validate(topic, sub); err != nil {
		return false, err
	}
	removed := b.registry.Remove(topic, sub)
	if removed {
		b.log.Info("subscriber removed", slogx.Topic(topic), slogx.Subscriber(sub.ID()))
	} else {
		b.log.Debug("unknown subscriber", slogx.Topic(topic), slogx.Subscriber(sub.ID()))
	}
	return removed, nil
}

// UnsubscribeAll removes sub from every topic and returns the topics it left.
func (b *Broker) UnsubscribeAll(sub Subscriber) []string {
	if sub == nil {
		return nil
	}
	left := b.registry.RemoveAll(sub)
	if len(left) > 0 {
		b.log.Info("subscriber removed from all topics", slogx.Subscriber(sub.ID()), slog.Any("topics", left))
	}
	return left
}

// Subscribers returns a snapshot of the subscribers of topic.
func (b *Broker) Subscribers(topic string) []Subscriber {
	return b.registry.Snapshot(topic)
}

// Topics lists the known topics.
func (b *Broker) Topics() []string {
	return b.registry.Topics()
}

// Pending returns the number of messages waiting for dispatch.
func (b *Broker) Pending() int {
	return b.queue.Len()
}

// Running reports whether the dispatcher is active.
func (b *Broker) Running() bool {
	return b.running.Load()
}

func (b *Broker) Stats() Stats {
	return Stats{
		Published: b.stats.published.Load(),
		Rejected:  b.stats.rejected.Load(),
		Coerced:   b.stats.coerced.Load(),
		Unrouted:  b.stats.unrouted.Load(),
		Delivered: b.stats.delivered.Load(),
		Skipped:   b.stats.skipped.Load(),
		Failed:    b.stats.failed.Load(),
		Pending:   b.queue.Len(),
	}
}

// Start launches the dispatcher. Calling it again is a no-op; calling it after
// Stop returns ErrStopped.
func (b *Broker) Start() error {
	b.startOnce.Do(func() {
		b.running.Store(true)
		go b.dispatchLoop()
		b.log.Info("broker started")
	})
	// Stop closes the queue before it claims startOnce, so a closed queue
	// here covers a Stop that won the race as well as one that came later.
	if b.queue.Closed() {
		return ErrStopped
	}
	return nil
}

// Stop closes the delivery queue and waits for the dispatcher to hand out what
// was already accepted. A broker that never started discards its queue.
// It returns the context error when ctx ends before the dispatcher exits.
func (b *Broker) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.queue.Close()
		// claim startOnce so a racing Start cannot launch the dispatcher
		b.startOnce.Do(func() {
			if dropped := b.queue.Drain(); len(dropped) > 0 {
				b.log.Warn("broker stopped before start, discarding queue", slog.Int("discarded", len(dropped)))
			}
			close(b.done)
		})
	})

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) dispatchLoop() {
	defer func() {
		b.running.Store(false)
		close(b.done)
		b.log.Info("broker stopped")
	}()

	for {
		msg, err := b.queue.Pop(context.Background())
		if err != nil {
			return
		}
		b.dispatch(msg)
	}
}

func (b *Broker) dispatch(msg messages.Message) {
	subs := b.registry.Snapshot(msg.Topic())
	if len(subs) == 0 {
		b.stats.unrouted.Add(1)
		b.log.Debug("no subscribers for topic", slogx.Message(msg))
		return
	}
	for _, sub := range subs {
		b.deliver(sub, msg)
	}
}

func (b *Broker) deliver(sub Subscriber, msg messages.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.stats.failed.Add(1)
			b.log.Error("subscriber panicked during delivery",
				slogx.Subscriber(sub.ID()), slogx.Message(msg), slog.Any("panic", r))
		}
	}()

	if conn, ok := sub.(Connection); ok && !conn.Alive() {
		b.stats.skipped.Add(1)
		b.log.Warn("connection closed, skipping delivery", slogx.Subscriber(sub.ID()), slogx.Message(msg))
		return
	}

	if err := sub.Deliver(msg); err != nil {
		b.stats.failed.Add(1)
		b.log.Warn("delivery failed", slogx.Subscriber(sub.ID()), slogx.Message(msg), slogx.Error(err))
		return
	}
	b.stats.delivered.Add(1)
}

func validate(topic string, sub Subscriber) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if sub == nil {
		return ErrNilSubscriber
	}
	return nil
}
