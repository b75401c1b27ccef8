package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/statum/pkg/schema"
)

// CallbackFunc is an in-process hook target. payload is the rendered action
// payload; the func must honour ctx cancellation.
type CallbackFunc func(ctx context.Context, payload any) error

// Callbacks is a thread-safe registry of named callbacks.
type Callbacks struct {
	mu  sync.RWMutex
	fns map[string]CallbackFunc
}

// NewCallbacks creates an empty registry.
func NewCallbacks() *Callbacks {
	return &Callbacks{fns: make(map[string]CallbackFunc)}
}

// Register adds fn under name. Returns CONFLICT on a duplicate name.
func (c *Callbacks) Register(name string, fn CallbackFunc) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "callback name is empty")
	}
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "callback %q is nil", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.fns[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "callback %q already registered", name)
	}
	c.fns[name] = fn
	return nil
}

// Get returns the callback registered under name.
func (c *Callbacks) Get(name string) (CallbackFunc, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fn, ok := c.fns[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "callback %q not registered", name)
	}
	return fn, nil
}

// Has reports whether name is registered.
func (c *Callbacks) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.fns[name]
	return ok
}

// Names returns the registered names, sorted.
func (c *Callbacks) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.fns))
	for n := range c.fns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
