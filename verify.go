package verifyengine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/optimode/verifyengine/internal/parse"
)

// VerifyMany probes addresses concurrently, outside any job.
// The result order matches the input slice order.
// Addresses are sorted by domain internally for MX cache and SMTP
// connection pool locality. An address whose probe could not start (no
// server free, engine paused) keeps a zero Result and the first such error
// is returned alongside the rest. Keep Workers within the servers'
// combined concurrency, or some probes fail with ErrNoServerAvailable.
func (e *Engine) VerifyMany(ctx context.Context, emails []string, opts ...ConcurrencyOptions) (Results, error) {
	o := defaultConcurrencyOptions()
	if len(opts) > 0 && opts[0].Workers > 0 {
		o.Workers = opts[0].Workers
	}

	results := make(Results, len(emails))
	type job struct {
		idx    int
		email  string
		domain string
	}

	jobSlice := make([]job, len(emails))
	for i, addr := range emails {
		jobSlice[i] = job{idx: i, email: addr, domain: parse.NewEmail(addr).Domain}
	}
	sort.SliceStable(jobSlice, func(i, j int) bool {
		return jobSlice[i].domain < jobSlice[j].domain
	})

	bufSize := min(len(emails), 1000)
	jobs := make(chan job, bufSize)
	go func() {
		defer close(jobs)
		for _, j := range jobSlice {
			select {
			case jobs <- j:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := 0; i < o.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				res, err := e.Verify(ctx, j.email)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("verifying %q: %w", j.email, err)
					}
					mu.Unlock()
					continue
				}
				results[j.idx] = res
			}
		}()
	}

	wg.Wait()
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return results, firstErr
}
