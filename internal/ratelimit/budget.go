package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Budget is the global connects-per-minute budget shared by all probes.
type Budget interface {
	// Wait blocks until one connect fits under limit per minute, or ctx
	// ends. limit <= 0 means unlimited.
	Wait(ctx context.Context, limit int) error
}

// MemoryBudget is a sliding one-minute window for a single process.
type MemoryBudget struct {
	mu     sync.Mutex
	stamps []time.Time
	now    func() time.Time
}

func NewMemoryBudget() *MemoryBudget {
	return &MemoryBudget{now: time.Now}
}

func (b *MemoryBudget) Wait(ctx context.Context, limit int) error {
	if limit <= 0 {
		return nil
	}
	for {
		wait := b.take(limit)
		if wait == 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// take records a connect and returns 0, or returns how long until the
// oldest stamp leaves the window.
func (b *MemoryBudget) take(limit int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(b.stamps) && !b.stamps[i].After(cutoff) {
		i++
	}
	b.stamps = b.stamps[i:]

	if len(b.stamps) < limit {
		b.stamps = append(b.stamps, now)
		return 0
	}
	wait := b.stamps[0].Sub(cutoff)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}
