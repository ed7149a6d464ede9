package ratelimit

import (
	"context"
	"fmt"

	"github.com/optimode/verifyengine/types"
)

// Limiter bundles the gates a probe passes before connecting.
type Limiter struct {
	breakers *Registry
	slots    *DomainSlots
	budget   Budget
}

// New creates a limiter. A nil budget uses an in-process MemoryBudget.
func New(budget Budget, onChange func(key string, from, to State)) *Limiter {
	if budget == nil {
		budget = NewMemoryBudget()
	}
	return &Limiter{
		breakers: NewRegistry(onChange),
		slots:    NewDomainSlots(),
		budget:   budget,
	}
}

func (l *Limiter) Breakers() *Registry { return l.breakers }

func (l *Limiter) Slots() *DomainSlots { return l.slots }

// Admit consults the server and domain breakers. It returns an error
// wrapping types.ErrCircuitOpen when either refuses.
func (l *Limiter) Admit(serverID, domain string, p types.Policy) error {
	cfg := BreakerConfigFrom(p)
	sk, dk := ServerKey(serverID), DomainKey(domain)

	if !l.breakers.Allow(sk, cfg) {
		return fmt.Errorf("%w: %s", types.ErrCircuitOpen, sk)
	}
	if !l.breakers.Allow(dk, cfg) {
		l.breakers.Cancel(sk)
		return fmt.Errorf("%w: %s", types.ErrCircuitOpen, dk)
	}
	return nil
}

// AcquireDomain takes a per-domain concurrency slot.
func (l *Limiter) AcquireDomain(ctx context.Context, domain string, p types.Policy) (func(), error) {
	return l.slots.Acquire(ctx, domain, p.PerDomainConcurrency)
}

// WaitConnect takes one connect from the global budget.
func (l *Limiter) WaitConnect(ctx context.Context, p types.Policy) error {
	return l.budget.Wait(ctx, p.GlobalConnectsPerMinute)
}

// Abandon hands back half-open trials admitted for a probe that ended
// before any attempt outcome was observed.
func (l *Limiter) Abandon(serverID, domain string) {
	l.breakers.Cancel(ServerKey(serverID))
	l.breakers.Cancel(DomainKey(domain))
}

// Record feeds one attempt outcome to both breakers.
func (l *Limiter) Record(serverID, domain string, p types.Policy, tempfail bool) {
	cfg := BreakerConfigFrom(p)
	l.breakers.Record(ServerKey(serverID), cfg, tempfail)
	l.breakers.Record(DomainKey(domain), cfg, tempfail)
}
