package task

import (
	"context"
	"sync"
)

// Cancels tracks the cancel functions of tasks executing in this process so
// that a cancel request can interrupt the goroutine doing the work.
type Cancels struct {
	mu    sync.Mutex
	funcs map[string]context.CancelFunc
}

func NewCancels() *Cancels {
	return &Cancels{funcs: make(map[string]context.CancelFunc)}
}

// Track derives a cancelable context for taskID. The returned release func
// must be called when the work ends.
func (c *Cancels) Track(parent context.Context, taskID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	c.funcs[taskID] = cancel
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		delete(c.funcs, taskID)
		c.mu.Unlock()
		cancel()
	}
}

// Cancel interrupts the work tracked for taskID and reports whether any was
// running in this process.
func (c *Cancels) Cancel(taskID string) bool {
	c.mu.Lock()
	cancel, ok := c.funcs[taskID]
	c.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

func (c *Cancels) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.funcs)
}
