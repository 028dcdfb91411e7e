package scope

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisposeStopsTasksAndRunsCleanups(t *testing.T) {
	s := New(context.Background(), "test")

	var stopped atomic.Bool
	started := make(chan struct{})
	s.Go(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		stopped.Store(true)
		return ctx.Err()
	})
	<-started

	var order []int
	s.OnDispose(func() { order = append(order, 1) })
	s.OnDispose(func() { order = append(order, 2) })

	require.NoError(t, s.Dispose())
	assert.True(t, stopped.Load(), "dispose must join tasks")
	assert.Equal(t, []int{2, 1}, order)
	assert.True(t, s.Disposed())

	assert.False(t, s.Go(func(context.Context) error { return nil }))

	ran := false
	s.OnDispose(func() { ran = true })
	assert.True(t, ran)
}

func TestChildDisposedWithParent(t *testing.T) {
	parent := New(context.Background(), "parent")
	child := parent.Child("child")

	child.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	require.NoError(t, parent.Dispose())
	select {
	case <-child.Done():
	default:
		t.Fatal("child not disposed")
	}
}

func TestTaskFailureCancelsSiblings(t *testing.T) {
	s := New(context.Background(), "failing")
	boom := errors.New("boom")

	s.Go(func(ctx context.Context) error { return boom })
	s.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	assert.ErrorIs(t, s.Dispose(), boom)
}

func TestConcurrentDispose(t *testing.T) {
	s := New(context.Background(), "concurrent")
	s.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	errs := make(chan error, 2)
	go func() { errs <- s.Dispose() }()
	go func() { errs <- s.Dispose() }()
	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
}
