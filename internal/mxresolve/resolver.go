// Package mxresolve resolves recipient domains to ordered mail exchanger
// lists. Results, including negative ones, are cached for a bounded TTL
// and concurrent lookups of the same domain share one DNS query.
package mxresolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/optimode/verifyengine/types"
)

// Lookuper is satisfied by *net.Resolver, *dnsclient.Client and
// mockdns.Resolver.
type Lookuper interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// MX is one candidate exchanger.
type MX struct {
	Pref uint16
	Host string
}

// ResolutionError reports why a domain has no usable exchanger.
// errors.Is(err, types.ErrResolution) is true for every ResolutionError.
type ResolutionError struct {
	Domain   string
	Timeout  bool
	NotFound bool
	NullMX   bool // RFC 7505: the domain accepts no mail
	Err      error
}

func (e *ResolutionError) Error() string {
	switch {
	case e.NullMX:
		return fmt.Sprintf("resolve %s: null MX, domain accepts no mail", e.Domain)
	case e.Timeout:
		return fmt.Sprintf("resolve %s: timeout: %v", e.Domain, e.Err)
	case e.NotFound:
		return fmt.Sprintf("resolve %s: no records", e.Domain)
	}
	return fmt.Sprintf("resolve %s: %v", e.Domain, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == types.ErrResolution }

// Resolver is a caching MX resolver.
type Resolver struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	lookup  Lookuper
	now     func() time.Time
}

type entry struct {
	records []MX
	err     error
	expires time.Time
	done    chan struct{} // closed when lookup is complete
}

// New creates a resolver backed by the system resolver.
func New(ttl time.Duration) *Resolver {
	return NewWithLookuper(ttl, &net.Resolver{PreferGo: true})
}

// NewWithLookuper creates a resolver backed by l.
func NewWithLookuper(ttl time.Duration, l Lookuper) *Resolver {
	return &Resolver{
		entries: make(map[string]*entry),
		ttl:     ttl,
		lookup:  l,
		now:     time.Now,
	}
}

// Resolve returns the exchangers of domain, lowest preference first with
// ties in host order. timeout bounds the DNS query.
func (r *Resolver) Resolve(ctx context.Context, domain string, timeout time.Duration) ([]MX, error) {
	domain = normalize(domain)
	return r.cached(ctx, "mx:"+domain, func(lctx context.Context) ([]MX, error) {
		lctx, cancel := context.WithTimeout(lctx, timeout)
		defer cancel()

		recs, err := r.lookup.LookupMX(lctx, domain)
		if err != nil {
			return nil, resolutionError(domain, err)
		}
		return order(domain, recs)
	})
}

// Fallback returns the domain itself as a last-resort exchanger when it
// has A or AAAA records (RFC 5321 section 5.1 implicit MX).
func (r *Resolver) Fallback(ctx context.Context, domain string, timeout time.Duration) ([]MX, error) {
	domain = normalize(domain)
	return r.cached(ctx, "a:"+domain, func(lctx context.Context) ([]MX, error) {
		lctx, cancel := context.WithTimeout(lctx, timeout)
		defer cancel()

		addrs, err := r.lookup.LookupHost(lctx, domain)
		if err != nil {
			return nil, resolutionError(domain, err)
		}
		if len(addrs) == 0 {
			return nil, &ResolutionError{Domain: domain, NotFound: true}
		}
		return []MX{{Pref: 0, Host: domain}}, nil
	})
}

// Len returns the number of cache entries.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Resolver) cached(ctx context.Context, key string, fn func(context.Context) ([]MX, error)) ([]MX, error) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		select {
		case <-e.done:
			if r.now().Before(e.expires) {
				r.mu.Unlock()
				return copyMX(e.records), e.err
			}
		default:
			r.mu.Unlock()
			select {
			case <-e.done:
				return copyMX(e.records), e.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	e := &entry{done: make(chan struct{})}
	r.entries[key] = e
	r.mu.Unlock()

	// Waiters share this lookup, so one caller's cancellation must not
	// poison the result for the others.
	e.records, e.err = fn(context.WithoutCancel(ctx))
	e.expires = r.now().Add(r.ttl)
	var re *ResolutionError
	if errors.As(e.err, &re) && re.Timeout {
		e.expires = r.now()
	}
	close(e.done)

	return copyMX(e.records), e.err
}

func order(domain string, recs []*net.MX) ([]MX, error) {
	out := make([]MX, 0, len(recs))
	for _, rec := range recs {
		out = append(out, MX{Pref: rec.Pref, Host: normalize(rec.Host)})
	}
	if len(out) == 0 {
		return nil, &ResolutionError{Domain: domain, NotFound: true}
	}
	if len(out) == 1 && out[0].Host == "" {
		return nil, &ResolutionError{Domain: domain, NullMX: true}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pref != out[j].Pref {
			return out[i].Pref < out[j].Pref
		}
		return out[i].Host < out[j].Host
	})
	return out, nil
}

func resolutionError(domain string, err error) error {
	re := &ResolutionError{Domain: domain, Err: err}
	var de *net.DNSError
	if errors.As(err, &de) {
		re.Timeout = de.IsTimeout
		re.NotFound = de.IsNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		re.Timeout = true
	}
	return re
}

func normalize(host string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
}

func copyMX(records []MX) []MX {
	if records == nil {
		return nil
	}
	out := make([]MX, len(records))
	copy(out, records)
	return out
}
