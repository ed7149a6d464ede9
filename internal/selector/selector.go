// Package selector picks the engine server a chunk is probed from.
package selector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/optimode/verifyengine/types"
)

// ServerSource lists engine servers. The store satisfies it.
type ServerSource interface {
	ListServers(ctx context.Context) ([]types.Server, error)
}

// Selector hands out per-server leases. In-flight counts are tracked here,
// so one Selector must be shared by all workers of a process.
type Selector struct {
	src ServerSource
	now func() time.Time

	mu       sync.Mutex
	inFlight map[string]int
	cursor   int
}

func New(src ServerSource) *Selector {
	return &Selector{src: src, now: time.Now, inFlight: make(map[string]int)}
}

// SetClock replaces the time source (tests).
func (s *Selector) SetClock(now func() time.Time) { s.now = now }

// Lease reserves one concurrency slot on Server until Release.
type Lease struct {
	Server types.Server
	once   sync.Once
	sel    *Selector
}

// Release frees the slot. Calling it more than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.sel.mu.Lock()
		defer l.sel.mu.Unlock()
		if l.sel.inFlight[l.Server.ID] > 0 {
			l.sel.inFlight[l.Server.ID]--
		}
	})
}

// Acquire picks the eligible server with the lowest in-flight count. Ties
// rotate round-robin across calls. It fails with types.ErrNoServerAvailable
// when the engine is paused, no server is active and online, or every
// eligible server is saturated.
func (s *Selector) Acquire(ctx context.Context, settings types.Settings) (*Lease, error) {
	if settings.Paused {
		return nil, fmt.Errorf("%w: engine paused", types.ErrNoServerAvailable)
	}
	servers, err := s.src.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })

	policy, err := settings.Policy(settings.ActiveMode())
	if err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	best := -1
	bestLoad := 0
	n := len(servers)
	for k := 0; k < n; k++ {
		i := (s.cursor + k) % n
		srv := servers[i]
		if !srv.Active || srv.Drain || !srv.Online(now, settings.HeartbeatWindow) {
			continue
		}
		limit := srv.MaxConcurrency
		if limit <= 0 {
			limit = policy.DefaultConcurrency
		}
		load := s.inFlight[srv.ID]
		if load >= limit {
			continue
		}
		if best < 0 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("%w: no eligible server among %d", types.ErrNoServerAvailable, n)
	}

	s.cursor = best + 1
	srv := servers[best]
	s.inFlight[srv.ID]++
	return &Lease{Server: srv, sel: s}, nil
}

// InFlight returns the leased slot count of serverID.
func (s *Selector) InFlight(serverID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[serverID]
}
