package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/optimode/verifyengine/types"
)

// Memory is an in-process Store. A single mutex serializes all access, so
// ClaimChunk is a plain compare-and-set.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]types.Job
	chunks    map[string]types.Chunk
	jobChunks map[string][]string // job ID -> chunk IDs in index order
	results   map[string]map[resultKey]types.Result // job ID -> results
	servers   map[string]types.Server
	checks    []types.ReputationCheck
	delists   map[string]types.DelistRequest
	feedback  map[string][]types.FeedbackRecord // by email
}

type resultKey struct {
	chunkID string
	email   string
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]types.Job),
		chunks:    make(map[string]types.Chunk),
		jobChunks: make(map[string][]string),
		results:   make(map[string]map[resultKey]types.Result),
		servers:   make(map[string]types.Server),
		delists:   make(map[string]types.DelistRequest),
		feedback:  make(map[string][]types.FeedbackRecord),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateJob(_ context.Context, job types.Job, chunks []types.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s exists", types.ErrConflict, job.ID)
	}
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		c.Addresses = append([]string(nil), c.Addresses...)
		m.chunks[c.ID] = c
		ids = append(ids, c.ID)
	}
	m.jobs[job.ID] = job
	m.jobChunks[job.ID] = ids
	m.results[job.ID] = make(map[resultKey]types.Result)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return types.Job{}, fmt.Errorf("%w: job %s", types.ErrNotFound, id)
	}
	return j, nil
}

func (m *Memory) ListChunks(_ context.Context, jobID string) ([]types.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, ok := m.jobChunks[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	out := make([]types.Chunk, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyChunk(m.chunks[id]))
	}
	return out, nil
}

func (m *Memory) GetChunk(_ context.Context, id string) (types.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[id]
	if !ok {
		return types.Chunk{}, fmt.Errorf("%w: chunk %s", types.ErrNotFound, id)
	}
	return copyChunk(c), nil
}

func (m *Memory) ClaimChunk(_ context.Context, workerID, serverID string, now time.Time, leaseTTL time.Duration) (types.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []types.Chunk
	for _, c := range m.chunks {
		switch {
		case c.Status == types.ChunkPending && !c.NextAttemptAt.After(now):
		case abandoned(c, now, leaseTTL):
		default:
			continue
		}
		due = append(due, c)
	}
	if len(due) == 0 {
		return types.Chunk{}, types.ErrNotFound
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		if due[i].JobID != due[j].JobID {
			return due[i].JobID < due[j].JobID
		}
		return due[i].Index < due[j].Index
	})

	c := due[0]
	if c.Status != types.ChunkPending {
		c.Attempts++
		c.LastError = ExpiredClaim
	}
	c.Status = types.ChunkClaimed
	c.WorkerID = workerID
	c.ServerID = serverID
	c.ClaimedAt = now
	c.UpdatedAt = now
	m.chunks[c.ID] = c
	return copyChunk(c), nil
}

func abandoned(c types.Chunk, now time.Time, leaseTTL time.Duration) bool {
	if leaseTTL <= 0 || (c.Status != types.ChunkClaimed && c.Status != types.ChunkProbing) {
		return false
	}
	return !c.ClaimedAt.Add(leaseTTL).After(now)
}

func (m *Memory) UpdateChunk(_ context.Context, c types.Chunk, from types.ChunkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.chunks[c.ID]
	if !ok {
		return fmt.Errorf("%w: chunk %s", types.ErrNotFound, c.ID)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: chunk %s is %s, expected %s", types.ErrConflict, c.ID, cur.Status, from)
	}
	if (from == types.ChunkClaimed || from == types.ChunkProbing) && !cur.ClaimedAt.Equal(c.ClaimedAt) {
		return fmt.Errorf("%w: chunk %s was claimed again at %s", types.ErrConflict, c.ID, cur.ClaimedAt.Format(time.RFC3339))
	}
	m.chunks[c.ID] = copyChunk(c)
	return nil
}

func (m *Memory) SaveResults(_ context.Context, results []types.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		byKey, ok := m.results[r.JobID]
		if !ok {
			return fmt.Errorf("%w: job %s", types.ErrNotFound, r.JobID)
		}
		byKey[resultKey{chunkID: r.ChunkID, email: r.Email}] = r
	}
	return nil
}

func (m *Memory) ChunkResults(_ context.Context, chunkID string) ([]types.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s", types.ErrNotFound, chunkID)
	}
	var out []types.Result
	for k, r := range m.results[c.JobID] {
		if k.chunkID == chunkID {
			out = append(out, r)
		}
	}
	sortResults(out)
	return out, nil
}

func (m *Memory) JobResults(_ context.Context, jobID string) ([]types.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.results[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	out := make([]types.Result, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	sortResults(out)
	return out, nil
}

func (m *Memory) RefreshJob(_ context.Context, jobID, aggregatePolicy string, now time.Time) (types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return types.Job{}, fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	chunks := make([]types.Chunk, 0, len(m.jobChunks[jobID]))
	for _, id := range m.jobChunks[jobID] {
		chunks = append(chunks, m.chunks[id])
	}
	job = Aggregate(job, chunks, aggregatePolicy, now)
	m.jobs[jobID] = job
	return job, nil
}

func (m *Memory) ListServers(_ context.Context) ([]types.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetServer(_ context.Context, id string) (types.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return types.Server{}, fmt.Errorf("%w: server %s", types.ErrNotFound, id)
	}
	return s, nil
}

func (m *Memory) FindServerByIP(_ context.Context, ip string) (types.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		if s.IP == ip {
			return s, nil
		}
	}
	return types.Server{}, fmt.Errorf("%w: server with ip %s", types.ErrNotFound, ip)
}

func (m *Memory) UpsertServer(_ context.Context, s types.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[s.ID] = s
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("%w: server %s", types.ErrNotFound, id)
	}
	s.LastHeartbeatAt = at
	m.servers[id] = s
	return nil
}

func (m *Memory) AddReputationCheck(_ context.Context, c types.ReputationCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, c)
	return nil
}

// ListReputationChecks returns newest first. An empty serverID lists all.
func (m *Memory) ListReputationChecks(_ context.Context, serverID string, limit int) ([]types.ReputationCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ReputationCheck
	for i := len(m.checks) - 1; i >= 0; i-- {
		if serverID != "" && m.checks[i].ServerID != serverID {
			continue
		}
		out = append(out, m.checks[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) OpenDelist(_ context.Context, req types.DelistRequest) (types.DelistRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.delists {
		if d.Status == types.DelistOpen && d.ServerID == req.ServerID && d.RBL == req.RBL {
			return d, false, nil
		}
	}
	req.Status = types.DelistOpen
	m.delists[req.ID] = req
	return req, true, nil
}

func (m *Memory) GetDelist(_ context.Context, id string) (types.DelistRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delists[id]
	if !ok {
		return types.DelistRequest{}, fmt.Errorf("%w: delist request %s", types.ErrNotFound, id)
	}
	return d, nil
}

func (m *Memory) ResolveDelist(_ context.Context, id, notes string, at time.Time) (types.DelistRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delists[id]
	if !ok {
		return types.DelistRequest{}, fmt.Errorf("%w: delist request %s", types.ErrNotFound, id)
	}
	d.Status = types.DelistResolved
	d.ResolvedAt = at
	if notes != "" {
		d.Notes = notes
	}
	m.delists[id] = d
	return d, nil
}

func (m *Memory) ListDelists(_ context.Context, status types.DelistStatus) ([]types.DelistRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.DelistRequest
	for _, d := range m.delists {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *Memory) InsertFeedback(_ context.Context, rec types.FeedbackRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(rec.Email)
	for _, f := range m.feedback[key] {
		if f.Outcome == rec.Outcome && f.Source == rec.Source && f.ObservedAt.Equal(rec.ObservedAt) {
			return false, nil
		}
	}
	m.feedback[key] = append(m.feedback[key], rec)
	return true, nil
}

func (m *Memory) LatestFeedback(_ context.Context, email string, since time.Time) (types.FeedbackRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best types.FeedbackRecord
	found := false
	for _, f := range m.feedback[strings.ToLower(email)] {
		if f.ObservedAt.Before(since) {
			continue
		}
		if !found || f.ObservedAt.After(best.ObservedAt) {
			best, found = f, true
		}
	}
	return best, found, nil
}

func copyChunk(c types.Chunk) types.Chunk {
	c.Addresses = append([]string(nil), c.Addresses...)
	return c
}

func sortResults(rs []types.Result) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Email != rs[j].Email {
			return rs[i].Email < rs[j].Email
		}
		return rs[i].ChunkID < rs[j].ChunkID
	})
}
