package flow

import "sync"

// Context is the mutable key/value state shared across the steps of a run.
// Completed steps write their output under their own name; later steps and the
// caller read it. Safe for concurrent use, though in distributed mode steps
// must not write the same key (single writer per key).
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewContext creates a Context seeded with the given initial values.
// A nil map yields an empty context.
func NewContext(initial map[string]any) *Context {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Context{values: values}
}

// Get returns the value stored under key and whether it was present.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Keys returns the set of keys currently present.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a shallow copy of the underlying map, suitable for
// persistence or expression evaluation.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Len returns the number of keys present.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
