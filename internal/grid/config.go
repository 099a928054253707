package grid

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Selection is an immutable snapshot of the active arity together with the
// classifier variant trained for it.
type Selection[M any] struct {
	Arity Arity
	Model M
}

// Config holds the active Selection. Readers take a Snapshot at the start of
// a pass and use it for the whole pass; Set swaps arity and model together.
type Config[M any] struct {
	current atomic.Pointer[Selection[M]]
	mu      sync.Mutex
	resolve func(Arity) (M, bool)
}

// NewConfig creates a Config starting at the given arity. resolve returns
// the model variant for an arity, or false if none is loaded.
func NewConfig[M any](initial Arity, resolve func(Arity) (M, bool)) (*Config[M], error) {
	c := &Config[M]{resolve: resolve}
	if err := c.Set(initial); err != nil {
		return nil, err
	}
	return c, nil
}

// Set switches the active arity and its model in one step.
func (c *Config[M]) Set(a Arity) error {
	if !a.Valid() {
		return fmt.Errorf("unsupported arity %d", a)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.resolve(a)
	if !ok {
		return fmt.Errorf("no classifier loaded for arity %d", a)
	}
	c.current.Store(&Selection[M]{Arity: a, Model: m})
	return nil
}

// Snapshot returns the active selection.
func (c *Config[M]) Snapshot() Selection[M] {
	return *c.current.Load()
}

// Arity returns the active arity.
func (c *Config[M]) Arity() Arity {
	return c.current.Load().Arity
}
