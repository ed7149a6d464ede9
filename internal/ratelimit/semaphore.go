package ratelimit

import (
	"context"
	"sync"
)

// DomainSlots bounds concurrent probes per recipient domain, independent
// of which engine server runs them.
type DomainSlots struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewDomainSlots() *DomainSlots {
	return &DomainSlots{slots: make(map[string]*slot)}
}

// Acquire blocks until one of limit slots for domain is free or ctx ends.
// The returned release func must be called exactly once.
func (d *DomainSlots) Acquire(ctx context.Context, domain string, limit int) (func(), error) {
	if limit <= 0 {
		limit = 1
	}
	d.mu.Lock()
	s, ok := d.slots[domain]
	if !ok || (s.refs == 0 && cap(s.ch) != limit) {
		s = &slot{ch: make(chan struct{}, limit)}
		d.slots[domain] = s
	}
	s.refs++
	d.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		d.unref(domain, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			d.unref(domain, s)
		})
	}, nil
}

// InUse returns the number of held slots for domain.
func (d *DomainSlots) InUse(domain string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slots[domain]; ok {
		return len(s.ch)
	}
	return 0
}

func (d *DomainSlots) unref(domain string, s *slot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.refs--
	if s.refs == 0 && d.slots[domain] == s {
		delete(d.slots, domain)
	}
}
