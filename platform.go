package mals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/casualjim/mals/internal/broker"
	"github.com/casualjim/mals/internal/registry"
	"github.com/casualjim/mals/internal/taskmodule"
	"github.com/casualjim/mals/messages"
	"github.com/casualjim/mals/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/panjf2000/ants/v2"
)

type (
	Behavior   = taskmodule.Behavior
	Module     = taskmodule.Module
	Subscriber = broker.Subscriber
	Connection = broker.Connection
	Stats      = broker.Stats
)

var (
	// Funcs builds a Behavior from a setup and a loop function.
	Funcs = taskmodule.Funcs
	// SubscriberFunc adapts a function to Subscriber.
	SubscriberFunc = broker.SubscriberFunc
)

var (
	// ErrDuplicateModule is returned when a module name is registered twice.
	ErrDuplicateModule = registry.ErrDuplicate
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("platform already started")
	// ErrStopped is returned when a stopped platform is started or given
	// new modules.
	ErrStopped = errors.New("platform stopped")
)

type platformState int

const (
	platformCreated platformState = iota
	platformRunning
	platformStopped
)

// Platform owns one broker and the task modules attached to it. Modules run
// on an ants pool whose capacity bounds how many modules can run at once.
type Platform struct {
	name       string
	log        *slog.Logger
	baseLog    *slog.Logger
	maxModules int

	broker  *broker.Broker
	modules registry.Registry[*taskmodule.Module]

	mu    sync.Mutex
	state platformState
	order []string
	pool  *ants.Pool
	ctx   context.Context
}

var (
	// Name sets the platform name used in logs.
	Name = opts.ForName[Platform, string]("name")
	// MaxModules caps the number of concurrently running modules.
	MaxModules = opts.ForName[Platform, int]("maxModules")
	// Logger replaces the logger derived from slog.Default.
	Logger = opts.ForName[Platform, *slog.Logger]("log")
)

func New(options ...opts.Option[Platform]) *Platform {
	p := &Platform{
		name:       "mals",
		maxModules: 64,
		modules:    registry.New[*taskmodule.Module](),
	}
	if err := opts.Apply(p, options); err != nil {
		panic(err)
	}
	if p.maxModules < 1 {
		p.maxModules = 1
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.baseLog = p.log
	p.broker = broker.New(broker.Name(p.name+".broker"), broker.Logger(p.baseLog))
	p.log = p.baseLog.With(slogx.LoggerName(p.name))
	return p
}

func (p *Platform) Broker() *broker.Broker { return p.broker }

// Publish is a shortcut for Broker().Publish.
func (p *Platform) Publish(topic, payload string, priority messages.Priority) (messages.Message, error) {
	return p.broker.Publish(topic, payload, priority)
}

// RegisterModule builds a module attached to the platform broker. Names are
// unique; a duplicate fails with ErrDuplicateModule. Registering on a running
// platform starts the module right away.
func (p *Platform) RegisterModule(name string, behavior Behavior, options ...opts.Option[taskmodule.Module]) (*Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == platformStopped {
		return nil, ErrStopped
	}
	if _, taken := p.modules.Get(name); taken {
		return nil, fmt.Errorf("register module: %q: %w", name, ErrDuplicateModule)
	}

	options = append([]opts.Option[taskmodule.Module]{taskmodule.WithLogger(p.baseLog)}, options...)
	m, err := taskmodule.New(name, behavior, options...)
	if err != nil {
		return nil, err
	}
	m.Attach(p.broker)
	if err := p.modules.Add(name, m); err != nil {
		return nil, fmt.Errorf("register module: %w", err)
	}
	p.order = append(p.order, name)

	if p.state == platformRunning {
		m.SetRunner(taskmodule.PoolRunner(p.pool))
		if err := m.Start(p.ctx); err != nil {
			return m, err
		}
	}
	return m, nil
}

// Module returns the module registered under name.
func (p *Platform) Module(name string) (*Module, bool) {
	return p.modules.Get(name)
}

// Modules returns the module names in registration order.
func (p *Platform) Modules() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.order)
}

// Start starts the broker and then every registered module. When a module
// fails to start, everything started so far is stopped again.
func (p *Platform) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case platformRunning:
		return ErrAlreadyStarted
	case platformStopped:
		return ErrStopped
	}

	pool, err := ants.NewPool(p.maxModules,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(r any) {
			p.log.Error("module worker panicked", slog.Any("panic", r))
		}),
	)
	if err != nil {
		return fmt.Errorf("module pool: %w", err)
	}
	if err := p.broker.Start(); err != nil {
		pool.Release()
		return err
	}
	p.pool = pool
	p.ctx = ctx
	p.state = platformRunning

	for _, name := range p.order {
		m, _ := p.modules.Get(name)
		m.SetRunner(taskmodule.PoolRunner(pool))
		if err := m.Start(ctx); err != nil {
			p.log.Error("module failed to start", slogx.Module(name), slogx.Error(err))
			return errors.Join(err, p.stopLocked(context.WithoutCancel(ctx)))
		}
	}
	p.log.Info("platform started", slog.Int("modules", p.modules.Len()))
	return nil
}

// Stop stops every module, in reverse registration order, and then the
// broker. The broker drains its queue; messages it still routes to stopped
// modules count as failed deliveries.
func (p *Platform) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == platformStopped {
		return nil
	}
	return p.stopLocked(ctx)
}

func (p *Platform) stopLocked(ctx context.Context) error {
	p.state = platformStopped

	var errs []error
	for _, name := range slices.Backward(p.order) {
		m, _ := p.modules.Get(name)
		if err := m.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop module %q: %w", name, err))
		}
	}
	if err := p.broker.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop broker: %w", err))
	}
	if p.pool != nil {
		p.pool.Release()
	}

	err := errors.Join(errs...)
	if err != nil {
		p.log.Error("platform stopped with errors", slogx.Error(err))
	} else {
		p.log.Info("platform stopped", slog.Any("stats", p.broker.Stats()))
	}
	return err
}
