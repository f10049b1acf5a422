package rampart

import (
	"context"
	"sync/atomic"
)

// forwardLimiter bounds the number of concurrent origin forwards a single
// instance will issue, independent of how many requests are being served
// from cache. A cache HIT/STALE never touches it.
type forwardLimiter struct {
	slots chan struct{}
	depth int64
}

func newForwardLimiter(maxConcurrent int) *forwardLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 256
	}
	return &forwardLimiter{slots: make(chan struct{}, maxConcurrent)}
}

// acquire blocks until a slot is free or ctx is done.
func (l *forwardLimiter) acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		atomic.AddInt64(&l.depth, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *forwardLimiter) release() {
	atomic.AddInt64(&l.depth, -1)
	<-l.slots
}

func (l *forwardLimiter) Depth() int64 { return atomic.LoadInt64(&l.depth) }
