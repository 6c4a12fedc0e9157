// Package gate provides bounded-permit admission control for conversion
// job slots.
package gate

import (
	"context"
	"fmt"
	"sync"
)

// Gate is a counting semaphore with FIFO admission. Release hands a freed
// permit directly to the longest-waiting caller instead of returning it to
// the pool, so queued acquirers resume in arrival order.
type Gate struct {
	mu      sync.Mutex
	free    int
	max     int
	waiters []chan struct{}
}

// New constructs a gate with maxPermits slots. maxPermits below 1 is
// raised to 1.
func New(maxPermits int) *Gate {
	if maxPermits < 1 {
		maxPermits = 1
	}
	return &Gate{free: maxPermits, max: maxPermits}
}

// Max returns the permit capacity.
func (g *Gate) Max() int {
	return g.max
}

// Acquire obtains a permit, blocking in FIFO order until one is free or the
// context is cancelled. Every successful Acquire must be paired with exactly
// one Release on all exit paths.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.free > 0 {
		g.free--
		g.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	g.waiters = append(g.waiters, grant)
	g.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == grant {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// The grant raced the cancellation: the waiter was already dequeued,
		// so the close is imminent. Take the permit and pass it along before
		// reporting cancellation.
		<-grant
		g.Release()
		return ctx.Err()
	}
}

// Release returns a permit. It hands the slot to the oldest waiter when one
// is queued. Releasing more permits than were acquired panics, since that
// indicates a missing Acquire pairing.
func (g *Gate) Release() {
	g.mu.Lock()
	if len(g.waiters) > 0 {
		grant := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.mu.Unlock()
		close(grant)
		return
	}
	if g.free == g.max {
		g.mu.Unlock()
		panic(fmt.Sprintf("gate: release without matching acquire (max %d)", g.max))
	}
	g.free++
	g.mu.Unlock()
}
