package store

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/optimode/verifyengine/types"
)

//go:embed schema.sql
var schema string

// Postgres is the PostgreSQL Store. Chunk claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never block each other.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects with the pq driver and pings.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return NewPostgres(db), nil
}

// Migrate creates missing tables and indexes.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "migrate schema")
}

func (p *Postgres) Close() error { return p.db.Close() }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (p *Postgres) CreateJob(ctx context.Context, job types.Job, chunks []types.Chunk) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin create job")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO verification_jobs
			(id, owner_id, mode, status, total, chunk_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.OwnerID, string(job.Mode), string(job.Status), job.Total, job.ChunkCount,
		job.CreatedAt, job.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(types.ErrConflict, "job %s exists", job.ID)
	}
	if err != nil {
		return errors.Wrap(err, "insert job")
	}

	for _, c := range chunks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO verification_job_chunks
				(id, job_id, chunk_index, addresses, status, attempts, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.JobID, c.Index, pq.Array(c.Addresses), string(c.Status), c.Attempts,
			c.NextAttemptAt, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return errors.Wrapf(err, "insert chunk %d", c.Index)
		}
	}
	return errors.Wrap(tx.Commit(), "commit create job")
}

const jobColumns = `id, owner_id, mode, status, total, chunk_count, failed_chunks,
	valid_count, invalid_count, risky_count, tempfail_count, unknown_count,
	created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (types.Job, error) {
	var (
		j         types.Job
		mode      string
		status    string
		completed sql.NullTime
	)
	err := row.Scan(&j.ID, &j.OwnerID, &mode, &status, &j.Total, &j.ChunkCount, &j.FailedChunks,
		&j.Counts.Valid, &j.Counts.Invalid, &j.Counts.Risky, &j.Counts.Tempfail, &j.Counts.Unknown,
		&j.CreatedAt, &j.UpdatedAt, &completed)
	if err != nil {
		return types.Job{}, err
	}
	j.Mode = types.Mode(mode)
	j.Status = types.JobStatus(status)
	j.CompletedAt = completed.Time
	return j, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (types.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM verification_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Job{}, errors.Wrapf(types.ErrNotFound, "job %s", id)
	}
	return j, errors.Wrap(err, "get job")
}

const chunkColumns = `id, job_id, chunk_index, addresses, status, worker_id, server_id, attempts,
	next_attempt_at, valid_count, invalid_count, risky_count, tempfail_count, unknown_count,
	last_error, claimed_at, created_at, updated_at`

func scanChunk(row rowScanner) (types.Chunk, error) {
	var (
		c       types.Chunk
		status  string
		claimed sql.NullTime
	)
	err := row.Scan(&c.ID, &c.JobID, &c.Index, pq.Array(&c.Addresses), &status, &c.WorkerID, &c.ServerID,
		&c.Attempts, &c.NextAttemptAt, &c.Counts.Valid, &c.Counts.Invalid, &c.Counts.Risky,
		&c.Counts.Tempfail, &c.Counts.Unknown, &c.LastError, &claimed, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return types.Chunk{}, err
	}
	c.Status = types.ChunkStatus(status)
	c.ClaimedAt = claimed.Time
	return c, nil
}

func (p *Postgres) ListChunks(ctx context.Context, jobID string) ([]types.Chunk, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM verification_job_chunks WHERE job_id = $1 ORDER BY chunk_index`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "list chunks")
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan chunk")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list chunks")
	}
	if len(out) == 0 {
		if _, err := p.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Postgres) GetChunk(ctx context.Context, id string) (types.Chunk, error) {
	c, err := scanChunk(p.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM verification_job_chunks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Chunk{}, errors.Wrapf(types.ErrNotFound, "chunk %s", id)
	}
	return c, errors.Wrap(err, "get chunk")
}

func (p *Postgres) ClaimChunk(ctx context.Context, workerID, serverID string, now time.Time, leaseTTL time.Duration) (types.Chunk, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// NULL disables taking over abandoned claims.
	var staleBefore sql.NullTime
	if leaseTTL > 0 {
		staleBefore = sql.NullTime{Time: now.Add(-leaseTTL), Valid: true}
	}

	c, err := scanChunk(p.db.QueryRowContext(queryCtx, `
		WITH claimed AS (
			SELECT id
			FROM verification_job_chunks
			WHERE (status = 'pending' AND next_attempt_at <= $3)
			   OR (status IN ('claimed', 'probing') AND claimed_at <= $4)
			ORDER BY created_at, job_id, chunk_index
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE verification_job_chunks ch
		SET status = 'claimed',
		    attempts = CASE WHEN ch.status = 'pending' THEN ch.attempts ELSE ch.attempts + 1 END,
		    last_error = CASE WHEN ch.status = 'pending' THEN ch.last_error ELSE $5 END,
		    worker_id = $1,
		    server_id = $2,
		    claimed_at = $3,
		    updated_at = $3
		FROM claimed
		WHERE ch.id = claimed.id
		RETURNING `+prefixed("ch.", chunkColumns), workerID, serverID, now, staleBefore, ExpiredClaim))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Chunk{}, types.ErrNotFound
	}
	return c, errors.Wrap(err, "claim chunk")
}

func (p *Postgres) UpdateChunk(ctx context.Context, c types.Chunk, from types.ChunkStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE verification_job_chunks
		SET status = $2, worker_id = $3, server_id = $4, attempts = $5, next_attempt_at = $6,
		    valid_count = $7, invalid_count = $8, risky_count = $9, tempfail_count = $10,
		    unknown_count = $11, last_error = $12, claimed_at = $13, updated_at = $14
		WHERE id = $1 AND status = $15
		  AND (status NOT IN ('claimed', 'probing') OR claimed_at IS NOT DISTINCT FROM $13)`,
		c.ID, string(c.Status), c.WorkerID, c.ServerID, c.Attempts, c.NextAttemptAt,
		c.Counts.Valid, c.Counts.Invalid, c.Counts.Risky, c.Counts.Tempfail, c.Counts.Unknown,
		c.LastError, nullTime(c.ClaimedAt), c.UpdatedAt, string(from))
	if err != nil {
		return errors.Wrap(err, "update chunk")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update chunk")
	}
	if n == 0 {
		return errors.Wrapf(types.ErrConflict, "chunk %s is no longer %s under this claim", c.ID, from)
	}
	return nil
}

func (p *Postgres) SaveResults(ctx context.Context, results []types.Result) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin save results")
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range results {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO address_results
				(job_id, email, chunk_id, classification, reason, details, mx_host, smtp_code,
				 server_id, catch_all, role, disposable, attempts, checked_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (job_id, chunk_id, email) DO UPDATE SET
				classification = EXCLUDED.classification,
				reason = EXCLUDED.reason, details = EXCLUDED.details, mx_host = EXCLUDED.mx_host,
				smtp_code = EXCLUDED.smtp_code, server_id = EXCLUDED.server_id,
				catch_all = EXCLUDED.catch_all, role = EXCLUDED.role,
				disposable = EXCLUDED.disposable, attempts = EXCLUDED.attempts,
				checked_at = EXCLUDED.checked_at`,
			r.JobID, r.Email, r.ChunkID, string(r.Classification), r.Reason, r.Details, r.MXHost,
			r.SMTPCode, r.ServerID, r.CatchAll, r.Role, r.Disposable, r.Attempts, r.CheckedAt)
		if err != nil {
			return errors.Wrapf(err, "upsert result %s", r.Email)
		}
	}
	return errors.Wrap(tx.Commit(), "commit results")
}

const resultColumns = `job_id, email, chunk_id, classification, reason, details, mx_host, smtp_code,
	server_id, catch_all, role, disposable, attempts, checked_at`

func (p *Postgres) queryResults(ctx context.Context, where string, arg string) ([]types.Result, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM address_results WHERE `+where+` ORDER BY email, chunk_id`, arg)
	if err != nil {
		return nil, errors.Wrap(err, "query results")
	}
	defer rows.Close()

	var out []types.Result
	for rows.Next() {
		var (
			r  types.Result
			cl string
		)
		if err := rows.Scan(&r.JobID, &r.Email, &r.ChunkID, &cl, &r.Reason, &r.Details, &r.MXHost,
			&r.SMTPCode, &r.ServerID, &r.CatchAll, &r.Role, &r.Disposable, &r.Attempts, &r.CheckedAt); err != nil {
			return nil, errors.Wrap(err, "scan result")
		}
		r.Classification = types.Classification(cl)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "query results")
}

func (p *Postgres) ChunkResults(ctx context.Context, chunkID string) ([]types.Result, error) {
	return p.queryResults(ctx, "chunk_id = $1", chunkID)
}

func (p *Postgres) JobResults(ctx context.Context, jobID string) ([]types.Result, error) {
	return p.queryResults(ctx, "job_id = $1", jobID)
}

// RefreshJob locks the job row so concurrent chunk transitions of one job
// aggregate one at a time.
func (p *Postgres) RefreshJob(ctx context.Context, jobID, aggregatePolicy string, now time.Time) (types.Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Job{}, errors.Wrap(err, "begin refresh job")
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM verification_jobs WHERE id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Job{}, errors.Wrapf(types.ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return types.Job{}, errors.Wrap(err, "lock job")
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM verification_job_chunks WHERE job_id = $1 ORDER BY chunk_index`, jobID)
	if err != nil {
		return types.Job{}, errors.Wrap(err, "load chunks")
	}
	var chunks []types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			rows.Close()
			return types.Job{}, errors.Wrap(err, "scan chunk")
		}
		chunks = append(chunks, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.Job{}, errors.Wrap(err, "load chunks")
	}

	job = Aggregate(job, chunks, aggregatePolicy, now)
	_, err = tx.ExecContext(ctx, `
		UPDATE verification_jobs
		SET status = $2, total = $3, chunk_count = $4, failed_chunks = $5,
		    valid_count = $6, invalid_count = $7, risky_count = $8, tempfail_count = $9,
		    unknown_count = $10, updated_at = $11, completed_at = $12
		WHERE id = $1`,
		job.ID, string(job.Status), job.Total, job.ChunkCount, job.FailedChunks,
		job.Counts.Valid, job.Counts.Invalid, job.Counts.Risky, job.Counts.Tempfail,
		job.Counts.Unknown, job.UpdatedAt, nullTime(job.CompletedAt))
	if err != nil {
		return types.Job{}, errors.Wrap(err, "update job")
	}
	return job, errors.Wrap(tx.Commit(), "commit refresh job")
}

const serverColumns = `id, ip, active, drain, max_concurrency, last_heartbeat_at, helo_name, mail_from, verifier_domain`

func scanServer(row rowScanner) (types.Server, error) {
	var (
		s  types.Server
		hb sql.NullTime
	)
	err := row.Scan(&s.ID, &s.IP, &s.Active, &s.Drain, &s.MaxConcurrency, &hb, &s.HeloName, &s.MailFrom, &s.VerifierDomain)
	s.LastHeartbeatAt = hb.Time
	return s, err
}

func (p *Postgres) ListServers(ctx context.Context) ([]types.Server, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM engine_servers ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list servers")
	}
	defer rows.Close()

	var out []types.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan server")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "list servers")
}

func (p *Postgres) GetServer(ctx context.Context, id string) (types.Server, error) {
	s, err := scanServer(p.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM engine_servers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Server{}, errors.Wrapf(types.ErrNotFound, "server %s", id)
	}
	return s, errors.Wrap(err, "get server")
}

func (p *Postgres) FindServerByIP(ctx context.Context, ip string) (types.Server, error) {
	s, err := scanServer(p.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM engine_servers WHERE ip = $1 ORDER BY id LIMIT 1`, ip))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Server{}, errors.Wrapf(types.ErrNotFound, "server with ip %s", ip)
	}
	return s, errors.Wrap(err, "find server")
}

func (p *Postgres) UpsertServer(ctx context.Context, s types.Server) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO engine_servers (`+serverColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			ip = EXCLUDED.ip, active = EXCLUDED.active, drain = EXCLUDED.drain,
			max_concurrency = EXCLUDED.max_concurrency, last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			helo_name = EXCLUDED.helo_name, mail_from = EXCLUDED.mail_from,
			verifier_domain = EXCLUDED.verifier_domain`,
		s.ID, s.IP, s.Active, s.Drain, s.MaxConcurrency, nullTime(s.LastHeartbeatAt),
		s.HeloName, s.MailFrom, s.VerifierDomain)
	return errors.Wrap(err, "upsert server")
}

func (p *Postgres) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE engine_servers SET last_heartbeat_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return errors.Wrap(err, "heartbeat")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(types.ErrNotFound, "server %s", id)
	}
	return nil
}

func (p *Postgres) AddReputationCheck(ctx context.Context, c types.ReputationCheck) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reputation_checks (id, server_id, server_ip, rbl, status, response, error_message, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.ServerID, c.ServerIP, c.RBL, string(c.Status), c.Response, c.ErrorMessage, c.CheckedAt)
	return errors.Wrap(err, "insert reputation check")
}

func (p *Postgres) ListReputationChecks(ctx context.Context, serverID string, limit int) ([]types.ReputationCheck, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, server_id, server_ip, rbl, status, response, error_message, checked_at
		FROM reputation_checks
		WHERE $1 = '' OR server_id = $1
		ORDER BY checked_at DESC
		LIMIT $2`, serverID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list reputation checks")
	}
	defer rows.Close()

	var out []types.ReputationCheck
	for rows.Next() {
		var (
			c      types.ReputationCheck
			status string
		)
		if err := rows.Scan(&c.ID, &c.ServerID, &c.ServerIP, &c.RBL, &status, &c.Response, &c.ErrorMessage, &c.CheckedAt); err != nil {
			return nil, errors.Wrap(err, "scan reputation check")
		}
		c.Status = types.ReputationStatus(status)
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "list reputation checks")
}

const delistColumns = `id, server_id, rbl, status, opened_at, resolved_at, notes`

func scanDelist(row rowScanner) (types.DelistRequest, error) {
	var (
		d        types.DelistRequest
		status   string
		resolved sql.NullTime
	)
	err := row.Scan(&d.ID, &d.ServerID, &d.RBL, &status, &d.OpenedAt, &resolved, &d.Notes)
	d.Status = types.DelistStatus(status)
	d.ResolvedAt = resolved.Time
	return d, err
}

// OpenDelist relies on the partial unique index over open requests; a
// concurrent opener loses the insert and reads the winner's row.
func (p *Postgres) OpenDelist(ctx context.Context, req types.DelistRequest) (types.DelistRequest, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO delist_requests (id, server_id, rbl, status, opened_at, notes)
		VALUES ($1, $2, $3, 'open', $4, $5)
		ON CONFLICT DO NOTHING`,
		req.ID, req.ServerID, req.RBL, req.OpenedAt, req.Notes)
	if err != nil {
		return types.DelistRequest{}, false, errors.Wrap(err, "open delist request")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		req.Status = types.DelistOpen
		return req, true, nil
	}

	d, err := scanDelist(p.db.QueryRowContext(ctx,
		`SELECT `+delistColumns+` FROM delist_requests WHERE server_id = $1 AND rbl = $2 AND status = 'open'`,
		req.ServerID, req.RBL))
	if err != nil {
		return types.DelistRequest{}, false, errors.Wrap(err, "load open delist request")
	}
	return d, false, nil
}

func (p *Postgres) GetDelist(ctx context.Context, id string) (types.DelistRequest, error) {
	d, err := scanDelist(p.db.QueryRowContext(ctx, `SELECT `+delistColumns+` FROM delist_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.DelistRequest{}, errors.Wrapf(types.ErrNotFound, "delist request %s", id)
	}
	return d, errors.Wrap(err, "get delist request")
}

func (p *Postgres) ResolveDelist(ctx context.Context, id, notes string, at time.Time) (types.DelistRequest, error) {
	d, err := scanDelist(p.db.QueryRowContext(ctx, `
		UPDATE delist_requests
		SET status = 'resolved', resolved_at = $2, notes = CASE WHEN $3 = '' THEN notes ELSE $3 END
		WHERE id = $1
		RETURNING `+delistColumns, id, at, notes))
	if errors.Is(err, sql.ErrNoRows) {
		return types.DelistRequest{}, errors.Wrapf(types.ErrNotFound, "delist request %s", id)
	}
	return d, errors.Wrap(err, "resolve delist request")
}

func (p *Postgres) ListDelists(ctx context.Context, status types.DelistStatus) ([]types.DelistRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+delistColumns+` FROM delist_requests WHERE $1 = '' OR status = $1 ORDER BY opened_at`, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "list delist requests")
	}
	defer rows.Close()

	var out []types.DelistRequest
	for rows.Next() {
		d, err := scanDelist(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan delist request")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "list delist requests")
}

func (p *Postgres) InsertFeedback(ctx context.Context, rec types.FeedbackRecord) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO feedback_records (email, outcome, reason_code, source, observed_at, details)
		VALUES (lower($1), $2, $3, $4, $5, $6)
		ON CONFLICT (email, outcome, source, observed_at) DO NOTHING`,
		rec.Email, string(rec.Outcome), rec.ReasonCode, rec.Source, rec.ObservedAt, rec.Details)
	if err != nil {
		return false, errors.Wrap(err, "insert feedback")
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrap(err, "insert feedback")
}

func (p *Postgres) LatestFeedback(ctx context.Context, email string, since time.Time) (types.FeedbackRecord, bool, error) {
	var (
		rec     types.FeedbackRecord
		outcome string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT email, outcome, reason_code, source, observed_at, details
		FROM feedback_records
		WHERE email = lower($1) AND observed_at >= $2
		ORDER BY observed_at DESC
		LIMIT 1`, email, since).
		Scan(&rec.Email, &outcome, &rec.ReasonCode, &rec.Source, &rec.ObservedAt, &rec.Details)
	if errors.Is(err, sql.ErrNoRows) {
		return types.FeedbackRecord{}, false, nil
	}
	if err != nil {
		return types.FeedbackRecord{}, false, errors.Wrap(err, "latest feedback")
	}
	rec.Outcome = types.Classification(outcome)
	return rec, true, nil
}
