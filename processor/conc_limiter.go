package processor

import (
	"context"
	"sync"
)

// ConcLimiter caps the number of tile tasks in flight and lets the
// dispatcher wait for all of them.
type ConcLimiter struct {
	*sync.WaitGroup
	Pool chan struct{}
}

// Increase blocks until a slot is free or ctx is done.
func (c *ConcLimiter) Increase(ctx context.Context) error {
	select {
	case c.Pool <- struct{}{}:
		c.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ConcLimiter) Decrease() {
	<-c.Pool
	c.Done()
}

func NewConcLimiter(cLevel int) *ConcLimiter {
	if cLevel < 1 {
		cLevel = 1
	}
	var wg sync.WaitGroup
	return &ConcLimiter{&wg, make(chan struct{}, cLevel)}
}
