package taskmodule

import (
	"github.com/panjf2000/ants/v2"
)

// Runner executes a module's main function on some execution unit.
type Runner interface {
	Go(fn func()) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(fn func()) error

func (f RunnerFunc) Go(fn func()) error { return f(fn) }

// GoRunner runs every module on its own goroutine.
var GoRunner Runner = RunnerFunc(func(fn func()) error {
	go fn()
	return nil
})

// PoolRunner runs modules on workers of an ants pool. A module occupies its
// worker for its whole lifetime, so the pool capacity bounds the number of
// concurrently running modules. With a nonblocking pool a full pool makes
// Start fail with ants.ErrPoolOverload instead of waiting.
func PoolRunner(pool *ants.Pool) Runner {
	return RunnerFunc(pool.Submit)
}
