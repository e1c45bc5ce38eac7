package dispatch

import (
	"context"
	"sync"
)

// Spawner starts handler tasks.
type Spawner interface {
	Spawn(fn func())
	// Wait blocks until every spawned task has returned or ctx ends.
	Wait(ctx context.Context) error
}

// GoSpawner runs every task on its own goroutine.
type GoSpawner struct {
	wg sync.WaitGroup
}

func NewGoSpawner() *GoSpawner {
	return &GoSpawner{}
}

func (s *GoSpawner) Spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *GoSpawner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InlineSpawner runs each task to completion on the loop goroutine. It is the
// synchronous mode: the next receive waits for the current task.
type InlineSpawner struct{}

func (InlineSpawner) Spawn(fn func()) {
	fn()
}

func (InlineSpawner) Wait(context.Context) error {
	return nil
}
