// Package ratelimit holds the admission controls every SMTP probe passes
// through: circuit breakers per engine server and recipient domain,
// per-domain concurrency slots and the global connects-per-minute budget.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/optimode/verifyengine/types"
)

// State of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig is derived from the active policy on every call, so a new
// settings snapshot takes effect without rebuilding the registry.
type BreakerConfig struct {
	Threshold  float64
	Window     time.Duration
	MinSamples int
	Cooldown   time.Duration
}

// BreakerConfigFrom maps a policy to breaker parameters.
func BreakerConfigFrom(p types.Policy) BreakerConfig {
	return BreakerConfig{
		Threshold:  p.CircuitBreakerThreshold,
		Window:     p.BreakerWindow(),
		MinSamples: p.CircuitBreakerMinSample,
		Cooldown:   p.TempfailBackoff(),
	}
}

// ServerKey and DomainKey name breakers.
func ServerKey(serverID string) string { return "server:" + serverID }

func DomainKey(domain string) string { return "domain:" + domain }

const (
	windowBuckets = 10
	shardCount    = 32
)

type bucket struct {
	epoch    int64
	total    int
	tempfail int
}

type breaker struct {
	state    State
	openedAt time.Time
	trial    bool // half-open trial handed out
	buckets  [windowBuckets]bucket
}

func (b *breaker) reset() {
	b.buckets = [windowBuckets]bucket{}
	b.trial = false
}

func (b *breaker) observe(now time.Time, window time.Duration, tempfail bool) (total, failed int) {
	width := window / windowBuckets
	if width <= 0 {
		width = time.Second
	}
	epoch := now.UnixNano() / int64(width)
	bk := &b.buckets[epoch%windowBuckets]
	if bk.epoch != epoch {
		*bk = bucket{epoch: epoch}
	}
	bk.total++
	if tempfail {
		bk.tempfail++
	}

	for _, x := range b.buckets {
		if x.epoch > epoch-windowBuckets && x.epoch <= epoch {
			total += x.total
			failed += x.tempfail
		}
	}
	return total, failed
}

type shard struct {
	mu       sync.Mutex
	breakers map[string]*breaker
}

// Registry is a lock-sharded set of breakers keyed by "server:<id>" or
// "domain:<name>". Observations on different shards never contend.
type Registry struct {
	shards   [shardCount]shard
	now      func() time.Time
	onChange func(key string, from, to State)
}

// NewRegistry creates an empty registry. onChange, when non-nil, is called
// on every state transition while the shard lock is held; it must not call
// back into the registry.
func NewRegistry(onChange func(key string, from, to State)) *Registry {
	r := &Registry{now: time.Now, onChange: onChange}
	for i := range r.shards {
		r.shards[i].breakers = make(map[string]*breaker)
	}
	return r
}

// SetClock replaces the time source (tests).
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.shards[h.Sum32()%shardCount]
}

// Allow reports whether a probe may proceed under key. An open breaker
// whose cooldown elapsed turns half-open and admits exactly one trial.
func (r *Registry) Allow(key string, cfg BreakerConfig) bool {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		return true
	}
	switch b.state {
	case Open:
		if r.now().Sub(b.openedAt) < cfg.Cooldown {
			return false
		}
		r.transition(key, b, HalfOpen)
		b.trial = true
		return true
	case HalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	return true
}

// Record adds one observation. tempfail marks an attempt that ended in a
// temporary failure (4xx, timeout, connection error).
func (r *Registry) Record(key string, cfg BreakerConfig, tempfail bool) {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{}
		s.breakers[key] = b
	}
	now := r.now()

	switch b.state {
	case Open:
		// late result from an attempt admitted before the breaker opened
		return
	case HalfOpen:
		b.reset()
		if tempfail {
			b.openedAt = now
			r.transition(key, b, Open)
			return
		}
		r.transition(key, b, Closed)
		return
	}

	total, failed := b.observe(now, cfg.Window, tempfail)
	if total >= cfg.MinSamples && total > 0 && float64(failed)/float64(total) >= cfg.Threshold {
		b.reset()
		b.openedAt = now
		r.transition(key, b, Open)
	}
}

// Cancel returns an unused half-open trial, e.g. when another gate
// refused the probe after Allow succeeded.
func (r *Registry) Cancel(key string) {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok && b.state == HalfOpen {
		b.trial = false
	}
}

// State returns the current state of key without side effects.
func (r *Registry) State(key string) State {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b.state
	}
	return Closed
}

func (r *Registry) transition(key string, b *breaker, to State) {
	from := b.state
	b.state = to
	if r.onChange != nil && from != to {
		r.onChange(key, from, to)
	}
}
