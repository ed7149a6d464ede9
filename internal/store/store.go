// Package store persists jobs, chunks, per-address results, engine
// servers, reputation history and feedback. Memory is for tests and
// single-process runs; Postgres is the production backend.
package store

import (
	"context"
	"time"

	"github.com/optimode/verifyengine/types"
)

// Jobs holds verification jobs, their chunks and per-address results.
type Jobs interface {
	// CreateJob stores job with its chunks atomically. types.ErrConflict
	// when the job ID exists.
	CreateJob(ctx context.Context, job types.Job, chunks []types.Chunk) error
	GetJob(ctx context.Context, id string) (types.Job, error)
	ListChunks(ctx context.Context, jobID string) ([]types.Chunk, error)
	GetChunk(ctx context.Context, id string) (types.Chunk, error)

	// ClaimChunk moves the oldest due chunk to claimed for workerID on
	// serverID. Due means pending with NextAttemptAt <= now, or, when
	// leaseTTL > 0, claimed or probing with ClaimedAt <= now-leaseTTL.
	// Taking over such an abandoned claim counts as one attempt. No two
	// callers get the same chunk. types.ErrNotFound when nothing is due.
	ClaimChunk(ctx context.Context, workerID, serverID string, now time.Time, leaseTTL time.Duration) (types.Chunk, error)
	// UpdateChunk writes c if the stored status still equals from,
	// otherwise types.ErrConflict. When from is claimed or probing the
	// stored ClaimedAt must also equal c.ClaimedAt, so a worker whose claim
	// was taken over cannot overwrite the new holder.
	UpdateChunk(ctx context.Context, c types.Chunk, from types.ChunkStatus) error

	// SaveResults upserts results keyed by (JobID, ChunkID, Email).
	SaveResults(ctx context.Context, results []types.Result) error
	ChunkResults(ctx context.Context, chunkID string) ([]types.Result, error)
	JobResults(ctx context.Context, jobID string) ([]types.Result, error)

	// RefreshJob recomputes the job aggregate from its chunks under the
	// store's own serialization and returns the new state.
	RefreshJob(ctx context.Context, jobID, aggregatePolicy string, now time.Time) (types.Job, error)
}

// Servers holds engine servers.
type Servers interface {
	ListServers(ctx context.Context) ([]types.Server, error)
	GetServer(ctx context.Context, id string) (types.Server, error)
	FindServerByIP(ctx context.Context, ip string) (types.Server, error)
	UpsertServer(ctx context.Context, s types.Server) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
}

// Reputation holds RBL check history and delist requests.
type Reputation interface {
	AddReputationCheck(ctx context.Context, c types.ReputationCheck) error
	ListReputationChecks(ctx context.Context, serverID string, limit int) ([]types.ReputationCheck, error)
	// OpenDelist stores req unless an open request exists for the same
	// (server, RBL); it returns the open request and whether it is new.
	OpenDelist(ctx context.Context, req types.DelistRequest) (types.DelistRequest, bool, error)
	GetDelist(ctx context.Context, id string) (types.DelistRequest, error)
	ResolveDelist(ctx context.Context, id, notes string, at time.Time) (types.DelistRequest, error)
	ListDelists(ctx context.Context, status types.DelistStatus) ([]types.DelistRequest, error)
}

// Feedback holds externally observed outcomes.
type Feedback interface {
	// InsertFeedback returns false when an identical record (email,
	// outcome, source, observed_at) exists.
	InsertFeedback(ctx context.Context, rec types.FeedbackRecord) (bool, error)
	// LatestFeedback returns the newest record for email observed after
	// since.
	LatestFeedback(ctx context.Context, email string, since time.Time) (types.FeedbackRecord, bool, error)
}

// Store is the full persistence surface.
type Store interface {
	Jobs
	Servers
	Reputation
	Feedback
}

// ExpiredClaim is the LastError of a chunk whose claim was taken over.
const ExpiredClaim = "claim lease expired"

// Aggregate derives job status and counts from chunks. Counts come from
// terminal chunks only; the job is terminal once every chunk is.
func Aggregate(job types.Job, chunks []types.Chunk, aggregatePolicy string, now time.Time) types.Job {
	var counts types.Counts
	total, failed, terminal, started := 0, 0, 0, false
	for _, c := range chunks {
		total += len(c.Addresses)
		if c.Status != types.ChunkPending || c.Attempts > 0 {
			started = true
		}
		if !c.Status.Terminal() {
			continue
		}
		terminal++
		counts = counts.Plus(c.Counts)
		if c.Status == types.ChunkFailed {
			failed++
		}
	}

	job.Counts = counts
	job.Total = total
	job.ChunkCount = len(chunks)
	job.FailedChunks = failed
	job.UpdatedAt = now

	switch {
	case len(chunks) > 0 && terminal == len(chunks):
		switch {
		case failed == 0:
			job.Status = types.JobCompleted
		case aggregatePolicy == types.AggregateFailed:
			job.Status = types.JobFailed
		default:
			job.Status = types.JobCompletedWithErrors
		}
		if job.CompletedAt.IsZero() {
			job.CompletedAt = now
		}
	case started:
		job.Status = types.JobProcessing
	default:
		job.Status = types.JobPending
	}
	return job
}
