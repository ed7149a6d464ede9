package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/verifyengine/internal/selector"
	"github.com/optimode/verifyengine/internal/store"
	"github.com/optimode/verifyengine/probe"
	"github.com/optimode/verifyengine/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const claimTTL = 10 * time.Minute

type staticSettings struct {
	mu sync.Mutex
	s  types.Settings
}

func (s *staticSettings) Snapshot(context.Context) (types.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s, nil
}

func (s *staticSettings) update(fn func(*types.Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.s)
}

// fakeProber answers from a per-address table; unlisted addresses are valid.
type fakeProber struct {
	mu      sync.Mutex
	answers map[string]types.Result
	calls   map[string]int
	// after runs once per probe, outside the lock.
	after func(email string)
}

func newFakeProber() *fakeProber {
	return &fakeProber{answers: make(map[string]types.Result), calls: make(map[string]int)}
}

func (f *fakeProber) Probe(_ context.Context, req probe.Request) types.Result {
	f.mu.Lock()
	f.calls[req.Email]++
	r, ok := f.answers[req.Email]
	after := f.after
	f.mu.Unlock()

	if !ok {
		r = types.Result{Classification: types.Valid, Reason: types.ReasonAccepted}
	}
	r.Email = req.Email
	r.ServerID = req.Identity.ServerID
	if after != nil {
		after(req.Email)
	}
	return r
}

func (f *fakeProber) set(email string, r types.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[email] = r
}

func (f *fakeProber) count(email string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[email]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	sched    *Scheduler
	store    *store.Memory
	settings *staticSettings
	prober   *fakeProber
	sel      *selector.Selector
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.UpsertServer(context.Background(), types.Server{
		ID: "s1", IP: "192.0.2.10", Active: true, MaxConcurrency: 4,
		LastHeartbeatAt: t0, VerifierDomain: "verify.example.net",
	}))

	settings := types.DefaultSettings()
	p := settings.Policies[types.ModeStandard]
	p.ChunkSize = 2
	p.MaxChunkAttempts = 2
	p.TempfailBackoffSeconds = 60
	settings.Policies[types.ModeStandard] = p

	clk := &clock{now: t0}
	sel := selector.New(st)
	sel.SetClock(func() time.Time { return t0 })

	src := &staticSettings{s: settings}
	prober := newFakeProber()
	s := New(st, src, sel, prober, Options{IdleWait: 5 * time.Millisecond, ErrorWait: 5 * time.Millisecond, ClaimTTL: claimTTL})
	s.SetClock(clk.Now)
	return &fixture{sched: s, store: st, settings: src, prober: prober, sel: sel, clock: clk}
}

func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		claimed, err := f.sched.ProcessNext(context.Background(), "w1")
		require.NoError(t, err)
		if !claimed {
			return n
		}
		n++
	}
}

func TestSubmit_SplitsIntoChunks(t *testing.T) {
	f := newFixture(t)
	addrs := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"}

	receipt, err := f.sched.Submit(context.Background(), JobRequest{JobID: "job-1", OwnerID: "o1", Addresses: addrs})
	require.NoError(t, err)
	assert.Equal(t, "job-1", receipt.JobID)
	assert.Equal(t, 3, receipt.ChunkCount)
	assert.Equal(t, types.JobPending, receipt.Status)
	assert.Equal(t, types.ModeStandard, receipt.Mode)

	chunks, err := f.store.ListChunks(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	var got []string
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, types.ChunkPending, c.Status)
		got = append(got, c.Addresses...)
	}
	assert.Equal(t, addrs, got)
	assert.Len(t, chunks[2].Addresses, 1)

	job, err := f.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 5, job.Total)
}

func TestSubmit_EmptyJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Submit(context.Background(), JobRequest{OwnerID: "o1"})
	assert.ErrorIs(t, err, types.ErrEmptyJob)
}

func TestSubmit_ModeFromSnapshot(t *testing.T) {
	f := newFixture(t)
	f.settings.update(func(s *types.Settings) { s.EnhancedEnabled = true })

	receipt, err := f.sched.Submit(context.Background(), JobRequest{Addresses: []string{"a@example.com"}})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.JobID)
	assert.Equal(t, types.ModeEnhanced, receipt.Mode)
}

func TestProcessNext_CompletesJob(t *testing.T) {
	f := newFixture(t)
	f.prober.set("gone@example.com", types.Result{Classification: types.Invalid, Reason: types.ReasonMailboxNotFound, SMTPCode: 550})
	f.prober.set("full@example.com", types.Result{Classification: types.Risky, Reason: types.ReasonMailboxFull, SMTPCode: 552})

	_, err := f.sched.Submit(context.Background(), JobRequest{JobID: "j", Addresses: []string{
		"ok@example.com", "gone@example.com", "full@example.com",
	}})
	require.NoError(t, err)

	assert.Equal(t, 2, f.drain(t))

	job, err := f.store.GetJob(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, types.Counts{Valid: 1, Invalid: 1, Risky: 1}, job.Counts)
	assert.Equal(t, job.Total, job.Counts.Sum())
	assert.False(t, job.CompletedAt.IsZero())

	results, err := f.store.JobResults(context.Background(), "j")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, "s1", r.ServerID)
		assert.NotEmpty(t, r.ChunkID)
	}
	assert.Equal(t, 0, f.sel.InFlight("s1"))
}

func TestProcessNext_Paused(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Submit(context.Background(), JobRequest{JobID: "j", Addresses: []string{"a@example.com"}})
	require.NoError(t, err)
	f.settings.update(func(s *types.Settings) { s.Paused = true })

	claimed, err := f.sched.ProcessNext(context.Background(), "w1")
	assert.ErrorIs(t, err, types.ErrPaused)
	assert.False(t, claimed)

	chunks, err := f.store.ListChunks(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkPending, chunks[0].Status)
	assert.Equal(t, 0, f.prober.count("a@example.com"))
}

func TestProcessNext_PauseLetsInFlightChunkFinish(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Submit(context.Background(), JobRequest{JobID: "j", Addresses: []string{
		"a@example.com", "b@example.com", "c@example.com",
	}})
	require.NoError(t, err)
	f.prober.after = func(email string) {
		if email == "a@example.com" {
			f.settings.update(func(s *types.Settings) { s.Paused = true })
		}
	}

	claimed, err := f.sched.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, claimed)

	chunks, err := f.store.ListChunks(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkCompleted, chunks[0].Status)
	assert.Equal(t, types.Counts{Valid: 2}, chunks[0].Counts)
	assert.Equal(t, 1, f.prober.count("b@example.com"))

	claimed, err = f.sched.ProcessNext(context.Background(), "w1")
	assert.ErrorIs(t, err, types.ErrPaused)
	assert.False(t, claimed)

	chunks, err = f.store.ListChunks(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkPending, chunks[1].Status)
	assert.Equal(t, 0, f.prober.count("c@example.com"))
	assert.Equal(t, 0, f.sel.InFlight("s1"))
}

func TestProcessNext_TakesOverAbandonedClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sched.Submit(ctx, JobRequest{JobID: "j", Addresses: []string{"a@example.com"}})
	require.NoError(t, err)

	_, err = f.store.ClaimChunk(ctx, "dead-worker", "s1", t0, claimTTL)
	require.NoError(t, err)

	assert.Equal(t, 0, f.drain(t), "a live claim is left alone")

	f.clock.Advance(claimTTL)
	require.Equal(t, 1, f.drain(t))

	chunks, err := f.store.ListChunks(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkCompleted, chunks[0].Status)
	assert.Equal(t, 1, chunks[0].Attempts)
	assert.Empty(t, chunks[0].WorkerID)

	job, err := f.store.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, types.Counts{Valid: 1}, job.Counts)
}

func TestProcessNext_RepeatedTakeoversExhaustChunk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sched.Submit(ctx, JobRequest{JobID: "j", Addresses: []string{"a@example.com"}})
	require.NoError(t, err)

	_, err = f.store.ClaimChunk(ctx, "dead-1", "s1", t0, claimTTL)
	require.NoError(t, err)
	f.clock.Advance(claimTTL)
	_, err = f.store.ClaimChunk(ctx, "dead-2", "s1", f.clock.Now(), claimTTL)
	require.NoError(t, err)
	f.clock.Advance(claimTTL)

	require.Equal(t, 1, f.drain(t))
	assert.Equal(t, 0, f.prober.count("a@example.com"))

	chunks, err := f.store.ListChunks(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkFailed, chunks[0].Status)
	assert.Equal(t, 2, chunks[0].Attempts)
	assert.Equal(t, types.Counts{Unknown: 1}, chunks[0].Counts)

	results, err := f.store.JobResults(ctx, "j")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.ReasonRetriesExhausted, results[0].Reason)

	job, err := f.store.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompletedWithErrors, job.Status)
}

// flakyStore fails the first claimed -> probing transition.
type flakyStore struct {
	*store.Memory
	failed bool
}

func (s *flakyStore) UpdateChunk(ctx context.Context, c types.Chunk, from types.ChunkStatus) error {
	if !s.failed && from == types.ChunkClaimed && c.Status == types.ChunkProbing {
		s.failed = true
		return errors.New("connection reset")
	}
	return s.Memory.UpdateChunk(ctx, c, from)
}

func TestProcessNext_StartProbingFailureRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := &flakyStore{Memory: f.store}
	sched := New(st, f.settings, f.sel, f.prober, Options{ClaimTTL: claimTTL})
	sched.SetClock(f.clock.Now)

	_, err := sched.Submit(ctx, JobRequest{JobID: "j", Addresses: []string{"a@example.com"}})
	require.NoError(t, err)

	claimed, err := sched.ProcessNext(ctx, "w1")
	assert.True(t, claimed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start probing")

	chunks, err := f.store.ListChunks(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkPending, chunks[0].Status)
	assert.Equal(t, 1, chunks[0].Attempts)
	assert.Equal(t, t0.Add(60*time.Second), chunks[0].NextAttemptAt)

	f.clock.Advance(60 * time.Second)
	claimed, err = sched.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, claimed)

	job, err := f.store.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
}

func TestProcessNext_DuplicateAddressAcrossChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sched.Submit(ctx, JobRequest{JobID: "j", Addresses: []string{
		"dup@example.com", "a@example.com", "dup@example.com",
	}})
	require.NoError(t, err)

	// the first chunk sees dup accepted, the second only ever tempfails
	f.prober.after = func(email string) {
		if email == "dup@example.com" {
			f.prober.set(email, types.Result{Classification: types.Tempfail, Reason: types.ReasonRcptTempfail, SMTPCode: 451})
		}
	}
	require.Equal(t, 2, f.drain(t))
	f.clock.Advance(60 * time.Second)
	require.Equal(t, 1, f.drain(t))

	chunks, err := f.store.ListChunks(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkCompleted, chunks[0].Status)
	assert.Equal(t, types.ChunkFailed, chunks[1].Status)

	first, err := f.store.ChunkResults(ctx, chunks[0].ID)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "dup@example.com", first[1].Email)
	assert.Equal(t, types.Valid, first[1].Classification)

	job, err := f.store.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, types.Counts{Valid: 2, Unknown: 1}, job.Counts)

	results, err := f.store.JobResults(ctx, "j")
	require.NoError(t, err)
	require.Len(t, results, 3)
	var stored types.Counts
	for _, r := range results {
		stored.Add(r.Classification)
	}
	assert.Equal(t, job.Counts, stored)
}

func TestProcessNext_NothingDueReleasesLease(t *testing.T) {
	f := newFixture(t)
	claimed, err := f.sched.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, 0, f.sel.InFlight("s1"))
}

func TestProcessNext_NoServer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertServer(context.Background(), types.Server{ID: "s1", IP: "192.0.2.10", Active: false}))
	_, err := f.sched.Submit(context.Background(), JobRequest{JobID: "j", Addresses: []string{"a@example.com"}})
	require.NoError(t, err)

	claimed, err := f.sched.ProcessNext(context.Background(), "w1")
	assert.ErrorIs(t, err, types.ErrNoServerAvailable)
	assert.False(t, claimed)

	chunks, err := f.store.ListChunks(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkPending, chunks[0].Status)
}

func TestProcessNext_RetryThenExhaust(t *testing.T) {
	f := newFixture(t)
	f.prober.set("slow@example.com", types.Result{Classification: types.Tempfail, Reason: types.ReasonRcptTempfail, SMTPCode: 451})

	_, err := f.sched.Submit(context.Background(), JobRequest{JobID: "j", Addresses: []string{"ok@example.com", "slow@example.com"}})
	require.NoError(t, err)

	require.Equal(t, 1, f.drain(t))
	chunks, err := f.store.ListChunks(context.Background(), "j")
	require.NoError(t, err)
	c := chunks[0]
	assert.Equal(t, types.ChunkPending, c.Status)
	assert.Equal(t, 1, c.Attempts)
	assert.Equal(t, t0.Add(60*time.Second), c.NextAttemptAt)

	// not due yet
	assert.Equal(t, 0, f.drain(t))

	f.clock.Advance(60 * time.Second)
	require.Equal(t, 1, f.drain(t))

	assert.Equal(t, 1, f.prober.count("ok@example.com"), "terminal results are not re-probed")
	assert.Equal(t, 2, f.prober.count("slow@example.com"))

	chunks, err = f.store.ListChunks(context.Background(), "j")
	require.NoError(t, err)
	c = chunks[0]
	assert.Equal(t, types.ChunkFailed, c.Status)
	assert.Equal(t, 2, c.Attempts)
	assert.Equal(t, types.Counts{Valid: 1, Unknown: 1}, c.Counts)

	results, err := f.store.ChunkResults(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "slow@example.com", results[1].Email)
	assert.Equal(t, types.Unknown, results[1].Classification)
	assert.Equal(t, types.ReasonRetriesExhausted, results[1].Reason)
	assert.Equal(t, 451, results[1].SMTPCode)

	job, err := f.store.GetJob(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompletedWithErrors, job.Status)
	assert.Equal(t, 1, job.FailedChunks)
	assert.Equal(t, job.Total, job.Counts.Sum())
}

func TestProcessNext_StrictAggregatePolicy(t *testing.T) {
	f := newFixture(t)
	f.settings.update(func(s *types.Settings) {
		s.JobAggregatePolicy = types.AggregateFailed
		p := s.Policies[types.ModeStandard]
		p.MaxChunkAttempts = 1
		s.Policies[types.ModeStandard] = p
	})
	f.prober.set("slow@example.com", types.Result{Classification: types.Tempfail, Reason: types.ReasonTimeout})

	_, err := f.sched.Submit(context.Background(), JobRequest{JobID: "j", Addresses: []string{"slow@example.com"}})
	require.NoError(t, err)
	require.Equal(t, 1, f.drain(t))

	job, err := f.store.GetJob(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, types.Counts{Unknown: 1}, job.Counts)
}

func TestProcessNext_DeferralKeepsAttempts(t *testing.T) {
	f := newFixture(t)
	f.prober.set("a@busy.example", types.Result{Classification: types.Tempfail, Reason: types.ReasonCircuitOpen, Deferred: true})

	_, err := f.sched.Submit(context.Background(), JobRequest{JobID: "j", Addresses: []string{"a@busy.example"}})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Equal(t, 1, f.drain(t))
		chunks, err := f.store.ListChunks(context.Background(), "j")
		require.NoError(t, err)
		assert.Equal(t, types.ChunkPending, chunks[0].Status)
		assert.Equal(t, 0, chunks[0].Attempts)
		assert.Equal(t, types.ReasonCircuitOpen, chunks[0].LastError)
		f.clock.Advance(60 * time.Second)
	}

	f.prober.set("a@busy.example", types.Result{Classification: types.Valid, Reason: types.ReasonAccepted})
	require.Equal(t, 1, f.drain(t))
	job, err := f.store.GetJob(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
}

func TestProcessNext_FeedbackShortCircuits(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.InsertFeedback(context.Background(), types.FeedbackRecord{
		Email: "bounced@example.com", Outcome: types.Invalid, Source: "esp-bounce", ObservedAt: t0.Add(-time.Hour),
	})
	require.NoError(t, err)

	_, err = f.sched.Submit(context.Background(), JobRequest{JobID: "j", Addresses: []string{"bounced@example.com", "new@example.com"}})
	require.NoError(t, err)
	require.Equal(t, 1, f.drain(t))

	assert.Equal(t, 0, f.prober.count("bounced@example.com"))
	assert.Equal(t, 1, f.prober.count("new@example.com"))

	results, err := f.store.JobResults(context.Background(), "j")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, types.Invalid, results[0].Classification)
	assert.Equal(t, types.ReasonFeedback, results[0].Reason)
	assert.Equal(t, "esp-bounce", results[0].Details)
}

func TestProcessNext_StaleFeedbackIgnored(t *testing.T) {
	f := newFixture(t)
	f.settings.update(func(s *types.Settings) { s.FeedbackTTL = time.Hour })
	_, err := f.store.InsertFeedback(context.Background(), types.FeedbackRecord{
		Email: "old@example.com", Outcome: types.Invalid, Source: "esp-bounce", ObservedAt: t0.Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	_, err = f.sched.Submit(context.Background(), JobRequest{JobID: "j", Addresses: []string{"old@example.com"}})
	require.NoError(t, err)
	require.Equal(t, 1, f.drain(t))
	assert.Equal(t, 1, f.prober.count("old@example.com"))
}

func TestRun_ProcessesUntilStopped(t *testing.T) {
	f := newFixture(t)
	var addrs []string
	for i := 0; i < 9; i++ {
		addrs = append(addrs, fmt.Sprintf("user%d@example.com", i))
	}
	_, err := f.sched.Submit(context.Background(), JobRequest{JobID: "j", Addresses: addrs})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(context.Background(), 3) }()

	require.Eventually(t, func() bool {
		job, err := f.store.GetJob(context.Background(), "j")
		return err == nil && job.Status == types.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	f.sched.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	job, err := f.store.GetJob(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, 9, job.Counts.Valid)
	for _, a := range addrs {
		assert.Equal(t, 1, f.prober.count(a))
	}
}

func TestRun_RejectsBadWorkerCount(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.sched.Run(context.Background(), 0))
}
