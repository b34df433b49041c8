package taskmodule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/mals/internal/broker"
	"github.com/casualjim/mals/messages"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector drains the inbox into a slice.
type collector struct {
	mu       sync.Mutex
	setups   int
	received []messages.Message
}

func (c *collector) Setup(context.Context, *Module) error {
	c.mu.Lock()
	c.setups++
	c.mu.Unlock()
	return nil
}

func (c *collector) Loop(ctx context.Context, m *Module) error {
	msg, err := m.Receive(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.received = append(c.received, msg)
	c.mu.Unlock()
	return nil
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.received))
	for i, m := range c.received {
		out[i] = m.Payload()
	}
	return out
}

func newModule(t *testing.T, name string, behavior Behavior) *Module {
	t.Helper()
	m, err := New(name, behavior)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func stop(t *testing.T, m *Module) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
}

func TestNewValidation(t *testing.T) {
	_, err := New("", &collector{})
	require.ErrorIs(t, err, ErrInvalidModule)
	_, err = New("x", nil)
	require.ErrorIs(t, err, ErrInvalidModule)
}

func TestLifecycle(t *testing.T) {
	c := &collector{}
	m := newModule(t, "lifecycle", c)
	assert.Equal(t, Created, m.State())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, Running, m.State())
	require.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, m.AcceptMessage(messages.New("t", "hello", messages.Normal)))
	require.Eventually(t, func() bool { return len(c.payloads()) == 1 }, time.Second, 5*time.Millisecond)

	stop(t, m)
	assert.Equal(t, Stopped, m.State())
	require.NoError(t, m.Wait())
	require.ErrorIs(t, m.Start(context.Background()), ErrStopped)
	assert.Equal(t, 1, c.setups)
	assert.Equal(t, "stopped", m.State().String())
}

func TestInboxOrdering(t *testing.T) {
	m := newModule(t, "inbox", &collector{})

	for _, in := range []struct {
		payload  string
		priority messages.Priority
	}{
		{"n1", messages.Normal},
		{"c1", messages.Critical},
		{"u1", messages.Unimportant},
		{"n2", messages.Normal},
		{"c2", messages.Critical},
		{"i1", messages.Important},
	} {
		require.NoError(t, m.AcceptMessage(messages.New("t", in.payload, in.priority)))
	}
	assert.Equal(t, 6, m.Pending())

	var got []string
	for {
		msg, ok := m.TryReceive()
		if !ok {
			break
		}
		got = append(got, msg.Payload())
	}
	assert.Equal(t, []string{"c1", "c2", "i1", "n1", "n2", "u1"}, got)
}

func TestConcurrentAccept(t *testing.T) {
	c := &collector{}
	m := newModule(t, "concurrent", c)
	require.NoError(t, m.Start(context.Background()))

	const producers, each = 4, 250
	var wg sync.WaitGroup
	wg.Add(producers)
	for range producers {
		go func() {
			defer wg.Done()
			for range each {
				assert.NoError(t, m.AcceptMessage(messages.New("t", "x", messages.Normal)))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(c.payloads()) == producers*each }, 2*time.Second, 5*time.Millisecond)
}

func TestStopDiscards(t *testing.T) {
	release := make(chan struct{})
	busy := Funcs(nil, func(ctx context.Context, m *Module) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	m := newModule(t, "busy", busy)
	require.NoError(t, m.Start(context.Background()))

	for range 3 {
		require.NoError(t, m.AcceptMessage(messages.New("t", "queued", messages.Normal)))
	}
	stop(t, m)

	assert.Equal(t, 3, m.Discarded())
	assert.Zero(t, m.Pending())
	require.ErrorIs(t, m.AcceptMessage(messages.New("t", "late", messages.Critical)), ErrStopped)
	_, err := m.Receive(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}

func TestStopBeforeStart(t *testing.T) {
	c := &collector{}
	m := newModule(t, "idle", c)
	require.NoError(t, m.AcceptMessage(messages.New("t", "queued", messages.Normal)))

	stop(t, m)
	assert.Equal(t, Stopped, m.State())
	assert.Equal(t, 1, m.Discarded())
	assert.Zero(t, c.setups)
}

func TestBehaviorErrors(t *testing.T) {
	t.Run("setup error stops the module", func(t *testing.T) {
		boom := errors.New("no sensor")
		m := newModule(t, "setup", Funcs(
			func(context.Context, *Module) error { return boom },
			func(context.Context, *Module) error { t.Error("loop must not run"); return nil },
		))
		require.NoError(t, m.Start(context.Background()))
		require.ErrorIs(t, m.Wait(), boom)
		assert.Equal(t, Stopped, m.State())
	})

	t.Run("loop error stops the module", func(t *testing.T) {
		boom := errors.New("actuator jammed")
		m := newModule(t, "loop", Funcs(nil, func(context.Context, *Module) error { return boom }))
		require.NoError(t, m.Start(context.Background()))
		require.ErrorIs(t, m.Wait(), boom)
	})

	t.Run("panics are recovered", func(t *testing.T) {
		m := newModule(t, "panic", Funcs(nil, func(context.Context, *Module) error { panic("kaboom") }))
		require.NoError(t, m.Start(context.Background()))
		err := m.Wait()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaboom")
	})

	t.Run("parent context cancels the module", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		m := newModule(t, "parent", &collector{})
		require.NoError(t, m.Start(ctx))
		cancel()
		select {
		case <-m.Done():
		case <-time.After(time.Second):
			t.Fatal("module did not stop")
		}
		require.NoError(t, m.Err())
	})
}

func TestRunners(t *testing.T) {
	t.Run("ants pool", func(t *testing.T) {
		pool, err := ants.NewPool(1, ants.WithNonblocking(true))
		require.NoError(t, err)
		defer pool.Release()

		first, err := New("first", &collector{}, WithRunner(PoolRunner(pool)))
		require.NoError(t, err)
		second, err := New("second", &collector{}, WithRunner(PoolRunner(pool)))
		require.NoError(t, err)

		require.NoError(t, first.Start(context.Background()))
		err = second.Start(context.Background())
		require.ErrorIs(t, err, ants.ErrPoolOverload)
		assert.Equal(t, Stopped, second.State())

		stop(t, first)
	})

	t.Run("failing runner", func(t *testing.T) {
		m := newModule(t, "norunner", &collector{})
		m.SetRunner(RunnerFunc(func(func()) error { return errors.New("no capacity") }))
		require.Error(t, m.Start(context.Background()))
		assert.Equal(t, Stopped, m.State())
	})
}

func TestBusHelpers(t *testing.T) {
	t.Run("detached", func(t *testing.T) {
		m := newModule(t, "detached", &collector{})
		require.ErrorIs(t, m.Publish("t", "x", messages.Normal), ErrDetached)
		require.ErrorIs(t, m.Subscribe("t"), ErrDetached)
		require.ErrorIs(t, m.Unsubscribe("t"), ErrDetached)
	})

	t.Run("attached", func(t *testing.T) {
		b := broker.New()
		require.NoError(t, b.Start())
		defer func() { _ = b.Stop(context.Background()) }()

		c := &collector{}
		m, err := New("attached", c, WithBus(b))
		require.NoError(t, err)
		require.NoError(t, m.Subscribe("sensors/temp"))
		require.NoError(t, m.Start(context.Background()))

		require.NoError(t, m.Publish("sensors/temp", "23.5", messages.Important))
		require.Eventually(t, func() bool { return len(c.payloads()) == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, m.Unsubscribe("sensors/temp"))
		require.NoError(t, m.Subscribe("sensors/humidity"))
		stop(t, m)
		assert.Empty(t, b.Subscribers("sensors/humidity"), "stopping leaves every topic")
	})
}
