package taskmodule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/casualjim/mals/internal/broker"
	"github.com/casualjim/mals/internal/pqueue"
	"github.com/casualjim/mals/messages"
	"github.com/casualjim/mals/pkg/slogx"
	"github.com/fogfish/opts"
)

var (
	// ErrStopped is returned when a stopped module is asked to accept or
	// receive messages, or to start again.
	ErrStopped = errors.New("module stopped")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("module already started")
	// ErrDetached is returned by the bus helpers of a module that was never
	// attached to a broker.
	ErrDetached = errors.New("module is not attached to a broker")
	// ErrInvalidModule is returned by New for an empty name or nil behavior.
	ErrInvalidModule = errors.New("invalid module")
)

// State is the lifecycle state of a module.
type State int32

const (
	Created State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Behavior is the business logic of a module. Setup runs once; Loop is called
// repeatedly until the module is stopped. The context is cancelled when Stop is
// called, which releases a Loop blocked in Receive.
type Behavior interface {
	Setup(ctx context.Context, m *Module) error
	Loop(ctx context.Context, m *Module) error
}

// Funcs builds a Behavior from two functions. A nil setup is skipped.
func Funcs(setup, loop func(context.Context, *Module) error) Behavior {
	return funcBehavior{setup: setup, loop: loop}
}

type funcBehavior struct {
	setup func(context.Context, *Module) error
	loop  func(context.Context, *Module) error
}

func (f funcBehavior) Setup(ctx context.Context, m *Module) error {
	if f.setup == nil {
		return nil
	}
	return f.setup(ctx, m)
}

func (f funcBehavior) Loop(ctx context.Context, m *Module) error {
	return f.loop(ctx, m)
}

// Bus is the part of the broker a module talks to.
type Bus interface {
	Publish(topic, payload string, priority messages.Priority) (messages.Message, error)
	Subscribe(topic string, sub broker.Subscriber) (bool, error)
	Unsubscribe(topic string, sub broker.Subscriber) (bool, error)
	UnsubscribeAll(sub broker.Subscriber) []string
}

var _ broker.Subscriber = (*Module)(nil)

// Module is a named task with its own inbox. Two modules are the same
// subscriber when their names are equal.
type Module struct {
	name     string
	behavior Behavior
	runner   Runner
	bus      Bus
	log      *slog.Logger

	inbox     *pqueue.Queue[messages.Message]
	state     atomic.Int32
	stopping  atomic.Bool
	discarded atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

var (
	// WithRunner sets the Runner used by Start. Defaults to GoRunner.
	WithRunner = opts.ForName[Module, Runner]("runner")
	// WithBus attaches the module to a broker at construction.
	WithBus = opts.ForName[Module, Bus]("bus")
	// WithLogger replaces the logger derived from slog.Default.
	WithLogger = opts.ForName[Module, *slog.Logger]("log")
)

func New(name string, behavior Behavior, options ...opts.Option[Module]) (*Module, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidModule)
	}
	if behavior == nil {
		return nil, fmt.Errorf("%w: %q has no behavior", ErrInvalidModule, name)
	}

	m := &Module{
		name:     name,
		behavior: behavior,
		runner:   GoRunner,
		inbox:    pqueue.New[messages.Message](),
		done:     make(chan struct{}),
	}
	if err := opts.Apply(m, options); err != nil {
		return nil, err
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With(slogx.LoggerName("taskmodule"), slogx.Module(name))
	m.log.Info("task module initialized")
	return m, nil
}

func (m *Module) Name() string { return m.name }

// ID implements broker.Subscriber.
func (m *Module) ID() string { return m.name }

// Deliver implements broker.Subscriber.
func (m *Module) Deliver(msg messages.Message) error { return m.AcceptMessage(msg) }

// Attach connects the module to a broker. It must be called before Start.
func (m *Module) Attach(bus Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = bus
}

// SetRunner replaces the runner used by Start. It must be called before Start.
func (m *Module) SetRunner(r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runner = r
}

func (m *Module) State() State { return State(m.state.Load()) }

// AcceptMessage puts msg in the inbox without blocking.
func (m *Module) AcceptMessage(msg messages.Message) error {
	if m.State() == Stopped {
		return ErrStopped
	}
	if _, err := m.inbox.Push(msg.Priority().Rank(), func(uint64) messages.Message { return msg }); err != nil {
		return ErrStopped
	}
	m.log.Debug("message accepted", slogx.Message(msg))
	return nil
}

// Receive blocks until the inbox has a message or ctx ends.
func (m *Module) Receive(ctx context.Context) (messages.Message, error) {
	msg, err := m.inbox.Pop(ctx)
	if errors.Is(err, pqueue.ErrClosed) {
		return messages.Message{}, ErrStopped
	}
	return msg, err
}

// TryReceive returns the head of the inbox without blocking.
func (m *Module) TryReceive() (messages.Message, bool) {
	return m.inbox.TryPop()
}

// Pending returns the number of messages in the inbox.
func (m *Module) Pending() int { return m.inbox.Len() }

// Discarded returns the number of messages dropped from the inbox on stop.
func (m *Module) Discarded() int { return int(m.discarded.Load()) }

func (m *Module) getBus() (Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus == nil {
		return nil, ErrDetached
	}
	return m.bus, nil
}

// Publish sends a message through the attached broker.
func (m *Module) Publish(topic, payload string, priority messages.Priority) error {
	bus, err := m.getBus()
	if err != nil {
		return err
	}
	_, err = bus.Publish(topic, payload, priority)
	return err
}

// Subscribe registers the module's inbox on topic.
func (m *Module) Subscribe(topic string) error {
	bus, err := m.getBus()
	if err != nil {
		return err
	}
	_, err = bus.Subscribe(topic, m)
	return err
}

// Unsubscribe removes the module's inbox from topic.
func (m *Module) Unsubscribe(topic string) error {
	bus, err := m.getBus()
	if err != nil {
		return err
	}
	_, err = bus.Unsubscribe(topic, m)
	return err
}

// Start moves the module to Running and hands its main function to the
// runner. Cancelling ctx has the same effect as Stop.
func (m *Module) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(Created), int32(Running)) {
		if m.State() == Stopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	runner := m.runner
	m.mu.Unlock()

	if err := runner.Go(func() { m.run(runCtx) }); err != nil {
		cancel()
		m.finish(fmt.Errorf("start %q: %w", m.name, err))
		return m.Err()
	}
	m.log.Info("task module started")
	return nil
}

// Stop asks the module to exit at the top of its loop and waits until it has,
// or until ctx ends. A module that never started goes straight to Stopped.
func (m *Module) Stop(ctx context.Context) error {
	if m.state.CompareAndSwap(int32(Created), int32(Stopped)) {
		m.finish(nil)
	} else {
		m.stopping.Store(true)
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the module stopped and returns the error that ended it, if
// any.
func (m *Module) Wait() error {
	<-m.done
	return m.Err()
}

// Done is closed once the module reached Stopped.
func (m *Module) Done() <-chan struct{} { return m.done }

// Err returns the error that ended the module.
func (m *Module) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Module) run(ctx context.Context) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module %q panicked: %v", m.name, r)
		}
		m.finish(err)
	}()

	if err = m.behavior.Setup(ctx, m); err != nil {
		err = fmt.Errorf("setup %q: %w", m.name, err)
		return
	}

	for !m.stopping.Load() && ctx.Err() == nil {
		if lerr := m.behavior.Loop(ctx, m); lerr != nil {
			if ctx.Err() != nil && (errors.Is(lerr, context.Canceled) || errors.Is(lerr, ErrStopped)) {
				return
			}
			err = fmt.Errorf("loop %q: %w", m.name, lerr)
			return
		}
	}
}

func (m *Module) finish(err error) {
	m.state.Store(int32(Stopped))
	if bus, berr := m.getBus(); berr == nil {
		bus.UnsubscribeAll(m)
	}

	m.inbox.Close()
	if dropped := m.inbox.Drain(); len(dropped) > 0 {
		m.discarded.Add(int64(len(dropped)))
		m.log.Warn("discarding undelivered messages", slog.Int("discarded", len(dropped)))
	}

	m.mu.Lock()
	m.err = err
	m.mu.Unlock()

	if err != nil {
		m.log.Error("task module stopped with error", slogx.Error(err))
	} else {
		m.log.Info("task module stopped")
	}
	close(m.done)
}
