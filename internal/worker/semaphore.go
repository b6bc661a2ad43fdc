package worker

import (
	"context"
	"sync"
)

// dynamicSemaphore is a context-aware, dynamically-resizable concurrency
// limiter. A limit of 0 means unlimited.
type dynamicSemaphore struct {
	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	acquired int
}

func newDynamicSemaphore(limit int) *dynamicSemaphore {
	if limit < 0 {
		limit = 0
	}
	s := &dynamicSemaphore{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a slot is available or the context is cancelled.
func (s *dynamicSemaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limit == 0 {
		s.acquired++
		return nil
	}

	// A helper goroutine broadcasts on cancellation so blocked waiters wake
	// and can return the context error.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-done:
		}
	}()

	for s.acquired >= s.limit && s.limit > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.acquired++
	return nil
}

// Release frees a slot and signals one waiting goroutine.
func (s *dynamicSemaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acquired > 0 {
		s.acquired--
	}
	s.cond.Signal()
}

// SetLimit adjusts capacity at runtime; waiters re-evaluate immediately.
func (s *dynamicSemaphore) SetLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	s.cond.Broadcast()
}

// InUse returns the number of currently held slots.
func (s *dynamicSemaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}
