// Package scheduler splits jobs into chunks and drives worker passes over
// them: claim, probe, record, requeue or finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/optimode/verifyengine/internal/logger"
	"github.com/optimode/verifyengine/internal/metrics"
	"github.com/optimode/verifyengine/internal/parse"
	"github.com/optimode/verifyengine/internal/selector"
	"github.com/optimode/verifyengine/internal/store"
	"github.com/optimode/verifyengine/probe"
	"github.com/optimode/verifyengine/types"
)

// Store is the persistence the scheduler needs.
type Store interface {
	store.Jobs
	LatestFeedback(ctx context.Context, email string, since time.Time) (types.FeedbackRecord, bool, error)
}

// Prober is satisfied by *probe.Prober.
type Prober interface {
	Probe(ctx context.Context, req probe.Request) types.Result
}

// Leaser is satisfied by *selector.Selector.
type Leaser interface {
	Acquire(ctx context.Context, settings types.Settings) (*selector.Lease, error)
}

// JobRequest is a batch submitted for verification. JobID is generated
// when empty.
type JobRequest struct {
	JobID     string   `json:"job_id,omitempty"`
	OwnerID   string   `json:"owner_id"`
	Addresses []string `json:"addresses"`
}

// JobReceipt acknowledges an accepted job.
type JobReceipt struct {
	JobID      string          `json:"job_id"`
	Mode       types.Mode      `json:"mode"`
	ChunkCount int             `json:"chunk_count"`
	Status     types.JobStatus `json:"status"`
}

// Options are optional collaborators and loop timing.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// IdleWait is how long a worker sleeps when there is nothing to claim,
	// the engine is paused or no server is free. Default 1s.
	IdleWait time.Duration
	// ErrorWait is the sleep after an unexpected cycle error. Default 5s.
	ErrorWait time.Duration
	// ClaimTTL lets a worker take over a chunk claimed longer ago than
	// this, as left behind by a crashed worker. 0 disables takeover.
	ClaimTTL time.Duration
}

type Scheduler struct {
	store    Store
	settings types.SettingsSource
	leaser   Leaser
	prober   Prober
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	idleWait  time.Duration
	errorWait time.Duration
	claimTTL  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(st Store, settings types.SettingsSource, leaser Leaser, prober Prober, opts Options) *Scheduler {
	if opts.IdleWait <= 0 {
		opts.IdleWait = time.Second
	}
	if opts.ErrorWait <= 0 {
		opts.ErrorWait = 5 * time.Second
	}
	return &Scheduler{
		store:     st,
		settings:  settings,
		leaser:    leaser,
		prober:    prober,
		log:       logger.OrNop(opts.Logger),
		metrics:   opts.Metrics,
		now:       time.Now,
		idleWait:  opts.IdleWait,
		errorWait: opts.ErrorWait,
		claimTTL:  opts.ClaimTTL,
	}
}

// SetClock replaces the time source (tests).
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Submit stores a pending job split into chunks of the active policy's
// ChunkSize. Addresses are kept as given, in order.
func (s *Scheduler) Submit(ctx context.Context, req JobRequest) (JobReceipt, error) {
	if len(req.Addresses) == 0 {
		return JobReceipt{}, types.ErrEmptyJob
	}
	settings, err := s.settings.Snapshot(ctx)
	if err != nil {
		return JobReceipt{}, fmt.Errorf("read settings: %w", err)
	}
	mode := settings.ActiveMode()
	policy, err := settings.Policy(mode)
	if err != nil {
		return JobReceipt{}, err
	}

	now := s.now()
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	var chunks []types.Chunk
	for i, start := 0, 0; start < len(req.Addresses); i, start = i+1, start+policy.ChunkSize {
		end := min(start+policy.ChunkSize, len(req.Addresses))
		chunks = append(chunks, types.Chunk{
			ID:            uuid.NewString(),
			JobID:         jobID,
			Index:         i,
			Addresses:     append([]string(nil), req.Addresses[start:end]...),
			Status:        types.ChunkPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	job := types.Job{
		ID:         jobID,
		OwnerID:    req.OwnerID,
		Mode:       mode,
		Status:     types.JobPending,
		Total:      len(req.Addresses),
		ChunkCount: len(chunks),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(ctx, job, chunks); err != nil {
		return JobReceipt{}, err
	}

	s.log.Info("job accepted",
		zap.String("job_id", jobID),
		zap.String("mode", string(mode)),
		zap.Int("addresses", job.Total),
		zap.Int("chunks", job.ChunkCount))
	return JobReceipt{JobID: jobID, Mode: mode, ChunkCount: len(chunks), Status: job.Status}, nil
}

// ProcessNext runs one worker cycle. It reports whether a chunk was
// claimed. It returns types.ErrPaused while paused and
// types.ErrNoServerAvailable when no server lease could be taken; in both
// cases nothing was claimed.
func (s *Scheduler) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	settings, err := s.settings.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("read settings: %w", err)
	}
	if settings.Paused {
		return false, types.ErrPaused
	}

	lease, err := s.leaser.Acquire(ctx, settings)
	if err != nil {
		return false, err
	}
	defer lease.Release()

	chunk, err := s.store.ClaimChunk(ctx, workerID, lease.Server.ID, s.now(), s.claimTTL)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim chunk: %w", err)
	}
	s.metrics.ChunkTransition(types.ChunkClaimed)

	log := s.log.With(
		zap.String("worker_id", workerID),
		zap.String("job_id", chunk.JobID),
		zap.String("chunk_id", chunk.ID),
		zap.String("server_id", lease.Server.ID))
	if chunk.LastError == store.ExpiredClaim {
		log.Warn("took over expired claim", zap.Int("attempts", chunk.Attempts))
	}

	return true, s.runChunk(ctx, log, chunk, lease.Server, settings)
}

func (s *Scheduler) runChunk(ctx context.Context, log *zap.Logger, chunk types.Chunk, server types.Server, settings types.Settings) error {
	job, err := s.store.GetJob(ctx, chunk.JobID)
	if err != nil {
		return s.giveUp(ctx, log, chunk, types.ChunkClaimed, settings, types.Policy{}, fmt.Errorf("load job: %w", err))
	}
	policy, err := settings.Policy(job.Mode)
	if err != nil {
		return s.giveUp(ctx, log, chunk, types.ChunkClaimed, settings, policy, err)
	}

	// Takeovers of abandoned claims count as attempts; a chunk that keeps
	// losing its worker fails like any other.
	if chunk.LastError == store.ExpiredClaim && chunk.Attempts >= policy.MaxChunkAttempts {
		return s.requeue(ctx, log, chunk, types.ChunkClaimed, settings, policy, store.ExpiredClaim)
	}

	probing := chunk
	probing.Status = types.ChunkProbing
	probing.UpdatedAt = s.now()
	if err := s.store.UpdateChunk(ctx, probing, types.ChunkClaimed); err != nil {
		if errors.Is(err, types.ErrConflict) {
			// taken over by another worker
			return fmt.Errorf("start probing: %w", err)
		}
		return s.giveUp(ctx, log, chunk, types.ChunkClaimed, settings, policy, fmt.Errorf("start probing: %w", err))
	}
	s.metrics.ChunkTransition(types.ChunkProbing)

	known, err := s.store.ChunkResults(ctx, chunk.ID)
	if err != nil {
		return s.giveUp(ctx, log, probing, types.ChunkProbing, settings, policy, fmt.Errorf("load results: %w", err))
	}
	results := make(map[string]types.Result, len(chunk.Addresses))
	for _, r := range known {
		results[r.Email] = r
	}

	identity := server.Identity()
	var fresh []types.Result
	for _, addr := range chunk.Addresses {
		if r, ok := results[addr]; ok && r.Classification.Terminal() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		r := s.verify(ctx, addr, identity, policy, settings)
		r.JobID, r.ChunkID = chunk.JobID, chunk.ID
		results[addr] = r
		fresh = append(fresh, r)
	}

	// Persist what was learned even when the worker is shutting down.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := s.store.SaveResults(wctx, fresh); err != nil {
		return s.giveUp(wctx, log, probing, types.ChunkProbing, settings, policy, fmt.Errorf("save results: %w", err))
	}

	next, leftovers := s.settle(probing, results, policy, ctx.Err() != nil)
	if len(leftovers) > 0 {
		if err := s.store.SaveResults(wctx, leftovers); err != nil {
			return s.giveUp(wctx, log, probing, types.ChunkProbing, settings, policy, fmt.Errorf("save leftovers: %w", err))
		}
	}
	return s.finish(wctx, log, next, types.ChunkProbing, settings)
}

// verify answers from recent feedback when there is some, otherwise probes.
func (s *Scheduler) verify(ctx context.Context, addr string, id types.Identity, policy types.Policy, settings types.Settings) types.Result {
	if settings.FeedbackTTL > 0 {
		key := strings.ToLower(parse.NewEmail(addr).Address())
		rec, ok, err := s.store.LatestFeedback(ctx, key, s.now().Add(-settings.FeedbackTTL))
		if err != nil {
			s.log.Warn("feedback lookup failed", zap.String("email", addr), zap.Error(err))
		}
		if ok {
			return types.Result{
				Email:          addr,
				Classification: rec.Outcome,
				Reason:         types.ReasonFeedback,
				Details:        rec.Source,
				CheckedAt:      s.now(),
			}
		}
	}
	return s.prober.Probe(ctx, probe.Request{Email: addr, Identity: id, Policy: policy, Settings: settings})
}

// settle decides the chunk's next state from the per-address results.
// A pass whose only unresolved addresses were deferred by an open breaker,
// or that was interrupted, does not consume an attempt.
func (s *Scheduler) settle(c types.Chunk, results map[string]types.Result, policy types.Policy, interrupted bool) (types.Chunk, []types.Result) {
	now := s.now()
	var (
		unresolved []string
		probed     bool
	)
	for _, addr := range c.Addresses {
		r, ok := results[addr]
		if ok && r.Classification.Terminal() {
			continue
		}
		unresolved = append(unresolved, addr)
		if ok && !r.Deferred {
			probed = true
		}
	}

	c.UpdatedAt = now
	c.WorkerID = ""
	if len(unresolved) == 0 {
		c.Status = types.ChunkCompleted
		c.Counts = countOf(c.Addresses, results)
		c.LastError = ""
		return c, nil
	}

	if !probed || interrupted {
		c.Status = types.ChunkPending
		c.NextAttemptAt = now.Add(backoff(policy, max(c.Attempts, 1)))
		c.Counts = countOf(c.Addresses, results)
		if interrupted {
			c.LastError = "interrupted"
		} else {
			c.LastError = types.ReasonCircuitOpen
		}
		return c, nil
	}

	c.Attempts++
	if c.Attempts < policy.MaxChunkAttempts {
		c.Status = types.ChunkPending
		c.NextAttemptAt = now.Add(backoff(policy, c.Attempts))
		c.Counts = countOf(c.Addresses, results)
		c.LastError = fmt.Sprintf("%d addresses unresolved", len(unresolved))
		return c, nil
	}

	leftovers := exhaust(c, unresolved, results, now)
	c.Status = types.ChunkFailed
	c.Counts = countOf(c.Addresses, results)
	c.LastError = types.ReasonRetriesExhausted
	return c, leftovers
}

// giveUp handles store and worker errors on the retry path: the chunk
// goes back to pending with backoff, or fails once attempts run out.
func (s *Scheduler) giveUp(ctx context.Context, log *zap.Logger, c types.Chunk, from types.ChunkStatus, settings types.Settings, policy types.Policy, cause error) error {
	log.Warn("chunk pass failed", zap.Error(cause))
	c.Attempts++
	if err := s.requeue(ctx, log, c, from, settings, policy, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// requeue moves c back to pending with backoff, or to failed with every
// unresolved address recorded as unknown once its attempts are used up.
func (s *Scheduler) requeue(ctx context.Context, log *zap.Logger, c types.Chunk, from types.ChunkStatus, settings types.Settings, policy types.Policy, lastError string) error {
	now := s.now()
	maxAttempts := policy.MaxChunkAttempts
	if maxAttempts <= 0 {
		maxAttempts = types.DefaultPolicy(types.ModeStandard).MaxChunkAttempts
	}

	c.UpdatedAt = now
	c.WorkerID = ""
	c.LastError = lastError
	if c.Attempts < maxAttempts {
		c.Status = types.ChunkPending
		c.NextAttemptAt = now.Add(backoff(policy, c.Attempts))
	} else {
		results := make(map[string]types.Result)
		if known, err := s.store.ChunkResults(ctx, c.ID); err == nil {
			for _, r := range known {
				results[r.Email] = r
			}
		}
		var unresolved []string
		for _, addr := range c.Addresses {
			if r, ok := results[addr]; !ok || !r.Classification.Terminal() {
				unresolved = append(unresolved, addr)
			}
		}
		leftovers := exhaust(c, unresolved, results, now)
		if err := s.store.SaveResults(ctx, leftovers); err != nil {
			log.Error("failed to record exhausted addresses", zap.Error(err))
		}
		c.Status = types.ChunkFailed
		c.Counts = countOf(c.Addresses, results)
	}
	return s.finish(ctx, log, c, from, settings)
}

func (s *Scheduler) finish(ctx context.Context, log *zap.Logger, c types.Chunk, from types.ChunkStatus, settings types.Settings) error {
	if err := s.store.UpdateChunk(ctx, c, from); err != nil {
		return fmt.Errorf("update chunk: %w", err)
	}
	s.metrics.ChunkTransition(c.Status)

	job, err := s.store.RefreshJob(ctx, c.JobID, settings.JobAggregatePolicy, s.now())
	if err != nil {
		return fmt.Errorf("refresh job: %w", err)
	}

	fields := []zap.Field{
		zap.String("status", string(c.Status)),
		zap.Int("attempts", c.Attempts),
		zap.String("job_status", string(job.Status)),
	}
	switch c.Status {
	case types.ChunkPending:
		log.Info("chunk requeued", append(fields, zap.Time("next_attempt_at", c.NextAttemptAt), zap.String("last_error", c.LastError))...)
	case types.ChunkFailed:
		log.Warn("chunk failed", fields...)
	default:
		log.Info("chunk completed", fields...)
	}
	return nil
}

// exhaust records every unresolved address as unknown and returns the new
// results. results is updated in place.
func exhaust(c types.Chunk, unresolved []string, results map[string]types.Result, now time.Time) []types.Result {
	out := make([]types.Result, 0, len(unresolved))
	for _, addr := range unresolved {
		r := results[addr]
		details := r.Reason
		r = types.Result{
			JobID:          c.JobID,
			ChunkID:        c.ID,
			Email:          addr,
			Classification: types.Unknown,
			Reason:         types.ReasonRetriesExhausted,
			Details:        details,
			MXHost:         r.MXHost,
			SMTPCode:       r.SMTPCode,
			ServerID:       r.ServerID,
			Attempts:       r.Attempts,
			CheckedAt:      now,
		}
		results[addr] = r
		out = append(out, r)
	}
	return out
}

func countOf(addresses []string, results map[string]types.Result) types.Counts {
	var counts types.Counts
	for _, addr := range addresses {
		if r, ok := results[addr]; ok {
			counts.Add(r.Classification)
		}
	}
	return counts
}

func backoff(p types.Policy, attempts int) time.Duration {
	base := p.TempfailBackoff()
	if base <= 0 {
		base = types.DefaultPolicy(types.ModeStandard).TempfailBackoff()
	}
	return base * time.Duration(attempts)
}

// Run starts workers that loop over ProcessNext until ctx is cancelled or
// Stop is called, and blocks until they have all returned. Pause is
// checked before every claim; a chunk being probed is finished first.
func (s *Scheduler) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		return fmt.Errorf("scheduler: workers must be positive, got %d", workers)
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler: already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.Info("scheduler started", zap.Int("workers", workers))
	prefix := uuid.NewString()[:8]
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, fmt.Sprintf("worker-%s-%d", prefix, i))
	}
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
	return nil
}

// Stop cancels the workers started by Run and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context, workerID string) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := s.ProcessNext(ctx, workerID)
		var wait time.Duration
		switch {
		case errors.Is(err, types.ErrPaused), errors.Is(err, types.ErrNoServerAvailable):
			wait = s.idleWait
		case err != nil:
			if ctx.Err() == nil {
				s.log.Error("worker cycle failed", zap.String("worker_id", workerID), zap.Error(err))
			}
			wait = s.errorWait
		case !claimed:
			wait = s.idleWait
		}
		if wait == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
