package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/convsync/internal/engine"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("bus closed")

// Local is an in-process Bus. Notify hands the event to every running
// handler synchronously.
type Local struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	closed   bool
	done     chan struct{}
}

// NewLocal creates an in-process bus.
func NewLocal() *Local {
	return &Local{
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}
}

// Notify implements engine.Notifier.
func (l *Local) Notify(_ context.Context, ev engine.Event) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}
	for _, h := range l.handlers {
		h(ev)
	}
	return nil
}

// Run registers h and blocks until ctx is cancelled or the bus is closed.
func (l *Local) Run(ctx context.Context, h Handler) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	id := l.next
	l.next++
	l.handlers[id] = h
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return nil
	}
}

// Attach registers h without blocking. Used where no goroutine owns the
// bus lifetime, such as tests that Drain engines by hand.
func (l *Local) Attach(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[l.next] = h
	l.next++
}

// Close stops all Run calls.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}
