package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/verifyengine/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedJob(t *testing.T, m *Memory, jobID string, created time.Time, sizes ...int) []types.Chunk {
	t.Helper()
	job := types.Job{ID: jobID, OwnerID: "owner", Mode: types.ModeStandard, Status: types.JobPending, CreatedAt: created, UpdatedAt: created}
	var chunks []types.Chunk
	for i, n := range sizes {
		addrs := make([]string, n)
		for j := range addrs {
			addrs[j] = fmt.Sprintf("u%d-%d@example.com", i, j)
		}
		chunks = append(chunks, types.Chunk{
			ID:            fmt.Sprintf("%s-c%d", jobID, i),
			JobID:         jobID,
			Index:         i,
			Addresses:     addrs,
			Status:        types.ChunkPending,
			NextAttemptAt: created,
			CreatedAt:     created,
			UpdatedAt:     created,
		})
	}
	require.NoError(t, m.CreateJob(context.Background(), job, chunks))
	return chunks
}

func TestMemory_CreateJobConflict(t *testing.T) {
	m := NewMemory()
	seedJob(t, m, "j1", t0, 2)
	err := m.CreateJob(context.Background(), types.Job{ID: "j1"}, nil)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestMemory_ClaimOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedJob(t, m, "late", t0.Add(time.Minute), 1)
	seedJob(t, m, "early", t0, 1, 1)

	now := t0.Add(time.Hour)
	c, err := m.ClaimChunk(ctx, "w1", "s1", now, 0)
	require.NoError(t, err)
	assert.Equal(t, "early-c0", c.ID)
	assert.Equal(t, types.ChunkClaimed, c.Status)
	assert.Equal(t, "w1", c.WorkerID)
	assert.Equal(t, "s1", c.ServerID)
	assert.Equal(t, now, c.ClaimedAt)

	c, err = m.ClaimChunk(ctx, "w1", "s1", now, 0)
	require.NoError(t, err)
	assert.Equal(t, "early-c1", c.ID)

	c, err = m.ClaimChunk(ctx, "w1", "s1", now, 0)
	require.NoError(t, err)
	assert.Equal(t, "late-c0", c.ID)

	_, err = m.ClaimChunk(ctx, "w1", "s1", now, 0)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemory_ClaimSkipsNotYetDue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	chunks := seedJob(t, m, "j1", t0, 1)

	c := chunks[0]
	c.NextAttemptAt = t0.Add(time.Minute)
	require.NoError(t, m.UpdateChunk(ctx, c, types.ChunkPending))

	_, err := m.ClaimChunk(ctx, "w", "s", t0.Add(30*time.Second), 0)
	assert.ErrorIs(t, err, types.ErrNotFound)

	got, err := m.ClaimChunk(ctx, "w", "s", t0.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestMemory_ConcurrentClaimIsExclusive(t *testing.T) {
	m := NewMemory()
	seedJob(t, m, "j1", t0, 3)

	var (
		wg      sync.WaitGroup
		claimed atomic.Int64
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.ClaimChunk(context.Background(), fmt.Sprintf("w%d", i), "s", t0, 0)
			if err == nil {
				claimed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), claimed.Load())
}

func TestMemory_UpdateChunkCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	chunks := seedJob(t, m, "j1", t0, 1)

	c := chunks[0]
	c.Status = types.ChunkProbing
	err := m.UpdateChunk(ctx, c, types.ChunkClaimed)
	assert.ErrorIs(t, err, types.ErrConflict)

	c.Status = types.ChunkClaimed
	require.NoError(t, m.UpdateChunk(ctx, c, types.ChunkPending))

	_, err = m.ClaimChunk(ctx, "w", "s", t0, 0)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemory_ClaimTakesOverExpiredLease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedJob(t, m, "j1", t0, 1)
	ttl := 10 * time.Minute

	dead, err := m.ClaimChunk(ctx, "dead-worker", "s1", t0, ttl)
	require.NoError(t, err)
	probing := dead
	probing.Status = types.ChunkProbing
	require.NoError(t, m.UpdateChunk(ctx, probing, types.ChunkClaimed))

	_, err = m.ClaimChunk(ctx, "w2", "s2", t0.Add(ttl-time.Second), ttl)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = m.ClaimChunk(ctx, "w2", "s2", t0.Add(24*time.Hour), 0)
	assert.ErrorIs(t, err, types.ErrNotFound, "a zero lease never takes over")

	later := t0.Add(ttl)
	got, err := m.ClaimChunk(ctx, "w2", "s2", later, ttl)
	require.NoError(t, err)
	assert.Equal(t, dead.ID, got.ID)
	assert.Equal(t, types.ChunkClaimed, got.Status)
	assert.Equal(t, "w2", got.WorkerID)
	assert.Equal(t, later, got.ClaimedAt)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, ExpiredClaim, got.LastError)

	// the original holder can no longer write the chunk
	probing.Status = types.ChunkCompleted
	assert.ErrorIs(t, m.UpdateChunk(ctx, probing, types.ChunkProbing), types.ErrConflict)
	stale := dead
	stale.Status = types.ChunkProbing
	assert.ErrorIs(t, m.UpdateChunk(ctx, stale, types.ChunkClaimed), types.ErrConflict)

	next := got
	next.Status = types.ChunkProbing
	require.NoError(t, m.UpdateChunk(ctx, next, types.ChunkClaimed))
}

func TestMemory_ResultsKeyedByChunk(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	chunks := seedJob(t, m, "j1", t0, 1, 1)

	require.NoError(t, m.SaveResults(ctx, []types.Result{
		{JobID: "j1", ChunkID: chunks[0].ID, Email: "dup@example.com", Classification: types.Unknown},
		{JobID: "j1", ChunkID: chunks[1].ID, Email: "dup@example.com", Classification: types.Valid},
	}))

	a, err := m.ChunkResults(ctx, chunks[0].ID)
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, types.Unknown, a[0].Classification)

	b, err := m.ChunkResults(ctx, chunks[1].ID)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, types.Valid, b[0].Classification)

	all, err := m.JobResults(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, chunks[0].ID, all[0].ChunkID)
	assert.Equal(t, chunks[1].ID, all[1].ChunkID)
}

func TestMemory_ResultsUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	chunks := seedJob(t, m, "j1", t0, 2)

	r := types.Result{JobID: "j1", ChunkID: chunks[0].ID, Email: "b@example.com", Classification: types.Tempfail}
	require.NoError(t, m.SaveResults(ctx, []types.Result{r, {JobID: "j1", ChunkID: chunks[0].ID, Email: "a@example.com", Classification: types.Valid}}))
	r.Classification = types.Invalid
	require.NoError(t, m.SaveResults(ctx, []types.Result{r}))

	got, err := m.ChunkResults(ctx, chunks[0].ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a@example.com", got[0].Email)
	assert.Equal(t, types.Invalid, got[1].Classification)

	err = m.SaveResults(ctx, []types.Result{{JobID: "missing", Email: "x@example.com"}})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemory_OpenDelistOncePerPair(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, created, err := m.OpenDelist(ctx, types.DelistRequest{ID: "d1", ServerID: "s1", RBL: "zen.spamhaus.org", OpenedAt: t0})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.DelistOpen, first.Status)

	again, created, err := m.OpenDelist(ctx, types.DelistRequest{ID: "d2", ServerID: "s1", RBL: "zen.spamhaus.org", OpenedAt: t0})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "d1", again.ID)

	resolved, err := m.ResolveDelist(ctx, "d1", "done", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.DelistResolved, resolved.Status)

	_, created, err = m.OpenDelist(ctx, types.DelistRequest{ID: "d3", ServerID: "s1", RBL: "zen.spamhaus.org", OpenedAt: t0})
	require.NoError(t, err)
	assert.True(t, created)

	open, err := m.ListDelists(ctx, types.DelistOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "d3", open[0].ID)
}

func TestMemory_Feedback(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := types.FeedbackRecord{Email: "User@Example.com", Outcome: types.Invalid, Source: "bounce", ObservedAt: t0}

	ok, err := m.InsertFeedback(ctx, rec)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.InsertFeedback(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok)

	newer := rec
	newer.Outcome = types.Valid
	newer.ObservedAt = t0.Add(time.Hour)
	_, err = m.InsertFeedback(ctx, newer)
	require.NoError(t, err)

	got, found, err := m.LatestFeedback(ctx, "user@example.com", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.Valid, got.Outcome)

	_, found, err = m.LatestFeedback(ctx, "user@example.com", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAggregate(t *testing.T) {
	chunk := func(status types.ChunkStatus, n int, counts types.Counts) types.Chunk {
		return types.Chunk{Status: status, Addresses: make([]string, n), Counts: counts}
	}
	now := t0.Add(time.Hour)

	tests := []struct {
		name   string
		chunks []types.Chunk
		policy string
		status types.JobStatus
		counts types.Counts
	}{
		{
			name:   "all pending",
			chunks: []types.Chunk{chunk(types.ChunkPending, 2, types.Counts{}), chunk(types.ChunkPending, 1, types.Counts{})},
			status: types.JobPending,
		},
		{
			name: "one claimed",
			chunks: []types.Chunk{
				chunk(types.ChunkCompleted, 2, types.Counts{Valid: 2}),
				chunk(types.ChunkClaimed, 1, types.Counts{}),
			},
			status: types.JobProcessing,
			counts: types.Counts{Valid: 2},
		},
		{
			name: "all completed",
			chunks: []types.Chunk{
				chunk(types.ChunkCompleted, 2, types.Counts{Valid: 1, Invalid: 1}),
				chunk(types.ChunkCompleted, 1, types.Counts{Risky: 1}),
			},
			status: types.JobCompleted,
			counts: types.Counts{Valid: 1, Invalid: 1, Risky: 1},
		},
		{
			name: "failed chunk default policy",
			chunks: []types.Chunk{
				chunk(types.ChunkCompleted, 1, types.Counts{Valid: 1}),
				chunk(types.ChunkFailed, 2, types.Counts{Invalid: 1, Unknown: 1}),
			},
			policy: types.AggregateCompletedWithErrors,
			status: types.JobCompletedWithErrors,
			counts: types.Counts{Valid: 1, Invalid: 1, Unknown: 1},
		},
		{
			name: "failed chunk strict policy",
			chunks: []types.Chunk{
				chunk(types.ChunkFailed, 1, types.Counts{Unknown: 1}),
			},
			policy: types.AggregateFailed,
			status: types.JobFailed,
			counts: types.Counts{Unknown: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := Aggregate(types.Job{ID: "j"}, tt.chunks, tt.policy, now)
			assert.Equal(t, tt.status, job.Status)
			assert.Equal(t, tt.counts, job.Counts)
			assert.Equal(t, len(tt.chunks), job.ChunkCount)

			total := 0
			for _, c := range tt.chunks {
				total += len(c.Addresses)
			}
			assert.Equal(t, total, job.Total)
			if tt.status.Terminal() {
				assert.Equal(t, now, job.CompletedAt)
			} else {
				assert.True(t, job.CompletedAt.IsZero())
			}
		})
	}
}

func TestMemory_RefreshJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	chunks := seedJob(t, m, "j1", t0, 2, 1)

	for i, c := range chunks {
		c.Status = types.ChunkCompleted
		c.Counts = types.Counts{Valid: len(c.Addresses) - i, Invalid: i}
		require.NoError(t, m.UpdateChunk(ctx, c, types.ChunkPending))
	}

	job, err := m.RefreshJob(ctx, "j1", types.AggregateCompletedWithErrors, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, job.Total, job.Counts.Sum())

	stored, err := m.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job, stored)
}
