// Package registry is a concurrent name -> value table that refuses duplicate
// names.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/alphadose/haxmap"
)

// ErrDuplicate is returned when a name is registered twice.
var ErrDuplicate = errors.New("already registered")

// ErrEmptyName is returned for an empty name.
var ErrEmptyName = errors.New("name must not be empty")

type Registry[T any] interface {
	Get(name string) (T, bool)
	Add(name string, value T) error
	Len() int
}

// registry serializes writers so the existence check and the insert happen as
// one step; readers go straight to the map.
type registry[T any] struct {
	mu     sync.Mutex
	values *haxmap.Map[string, T]
}

func New[T any]() Registry[T] {
	return &registry[T]{
		values: haxmap.New[string, T](),
	}
}

func (r *registry[T]) Get(name string) (T, bool) {
	return r.values.Get(name)
}

// Add stores value under name unless the name is taken.
func (r *registry[T]) Add(name string, value T) error {
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.values.Get(name); taken {
		return fmt.Errorf("%q: %w", name, ErrDuplicate)
	}
	r.values.Set(name, value)
	return nil
}

func (r *registry[T]) Len() int {
	return int(r.values.Len())
}
