package scope

/*
Task scopes

A Scope owns background goroutines and cleanup functions. Disposing a scope:
	1. cancels its context, so every task stops at its next blocking point
	2. runs registered cleanups, last registered first
	3. waits for every task to return

Dispose returns only after all three steps, so state owned by the tasks can be
reused right after. Child scopes are disposed together with their parent.
Dispose must not be called from one of the scope's own tasks.
*/

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Scope is a cancellable group of tasks plus cleanups
type Scope struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	cleanups []func()
	disposed bool

	once sync.Once
	err  error
	done chan struct{}
}

// New creates a scope whose context derives from parent
func New(parent context.Context, name string) *Scope {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Scope{
		name:   name,
		ctx:    gctx,
		cancel: cancel,
		group:  group,
		done:   make(chan struct{}),
	}
}

func (s *Scope) Name() string {
	return s.name
}

// Context is cancelled when the scope is disposed or a task fails
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Go runs fn as a task of the scope. It is a no-op once the scope is disposed.
// A task returning a non-nil error cancels its siblings.
func (s *Scope) Go(fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return false
	}
	s.group.Go(func() error {
		return fn(s.ctx)
	})
	return true
}

// OnDispose registers a cleanup. If the scope is already disposed the cleanup runs immediately.
func (s *Scope) OnDispose(fn func()) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// Child creates a scope disposed together with s
func (s *Scope) Child(name string) *Scope {
	child := New(s.ctx, name)
	s.OnDispose(func() { _ = child.Dispose() })
	return child
}

// Disposed reports whether Dispose has started
func (s *Scope) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Done is closed when Dispose has completed
func (s *Scope) Done() <-chan struct{} {
	return s.done
}

// Dispose cancels, cleans up and joins. Concurrent callers all wait for the first to finish.
// The returned error is the first task failure that was not a cancellation.
func (s *Scope) Dispose() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.disposed = true
		cleanups := s.cleanups
		s.cleanups = nil
		s.mu.Unlock()

		s.cancel()
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}

		err := s.group.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.err = err
		}
		close(s.done)
	})
	<-s.done
	return s.err
}
