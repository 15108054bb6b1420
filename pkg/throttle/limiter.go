package throttle

import (
	"context"
	"sync"
)

// Limiter is a resizable counting semaphore. SetLimit may shrink the limit
// below the number of holders; in-flight work finishes and new acquisitions
// wait until usage drops under the new limit.
type Limiter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	limit int
	inUse int
}

func NewLimiter(limit int) *Limiter {
	if limit < 1 {
		limit = 1
	}
	l := &Limiter{limit: limit}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.inUse >= l.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				l.cond.Broadcast()
			case <-done:
			}
		}()
		l.cond.Wait()
		close(done)
	}

	l.inUse++
	return nil
}

func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inUse > 0 {
		l.inUse--
	}
	l.cond.Broadcast()
}

func (l *Limiter) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = n
	l.cond.Broadcast()
}

func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}
