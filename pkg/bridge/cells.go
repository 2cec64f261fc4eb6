package bridge

import "sync"

// Cell is a serializable reactive mirror the UI layer reads. Cells are written
// only by the bridge's registered channel callbacks; consumers observe them
// via Load and Watch.
type Cell[T any] struct {
	mu       sync.Mutex
	v        T
	watchers map[int]func(T)
	nextID   int
}

func newCell[T any](v T) *Cell[T] {
	return &Cell[T]{v: v, watchers: map[int]func(T){}}
}

// Load returns the current value.
func (c *Cell[T]) Load() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Watch registers an observer invoked on every write, and returns its
// cancellation function. Observers may run while the bridge's epoch lock is
// held and must not call back into its lifecycle or proxy methods.
func (c *Cell[T]) Watch(fn func(T)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *Cell[T]) set(v T) {
	c.mu.Lock()
	c.v = v
	watchers := make([]func(T), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.mu.Unlock()
	for _, fn := range watchers {
		fn(v)
	}
}
