package cm

import (
	"context"
	"sync"
)

// Waiter is a one-shot completion handle returned by the asynchronous
// Client operations.
type Waiter struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

// resolve completes w. Only the first call has any effect.
func (w *Waiter) resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Done is closed once the operation finished.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Err returns the outcome, or nil while still pending.
func (w *Waiter) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Wait blocks until the operation finished or ctx ends.
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
