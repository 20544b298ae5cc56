package util

import (
	"context"
)

// Semaphore bounds how many goroutines work at once.
type Semaphore interface {
	// Acquire blocks until a slot is free.  Returns false, without taking a slot, if the context is
	// done first.
	Acquire(ctx context.Context) bool
	// Release frees a slot taken by a successful Acquire.
	Release()
}

// NewSemaphore returns a Semaphore with count slots.  A count of zero or less is unlimited.
func NewSemaphore(count int) Semaphore {
	if count <= 0 {
		return unlimited{}
	}
	return make(chanSemaphore, count)
}

// chanSemaphore holds one element per taken slot.
type chanSemaphore chan struct{}

func (c chanSemaphore) Acquire(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case c <- struct{}{}:
		return true
	}
}

func (c chanSemaphore) Release() {
	<-c
}

type unlimited struct{}

func (unlimited) Acquire(ctx context.Context) bool {
	return ctx.Err() == nil
}

func (unlimited) Release() {}
