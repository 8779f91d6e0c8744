// Copyright 2026 The pool-coordinator Authors
// This file is part of the pool-coordinator library.
//
// The pool-coordinator library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pool-coordinator library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pool-coordinator library. If not, see <http://www.gnu.org/licenses/>.

// Package pgstore implements the store interfaces on PostgreSQL via pgx. It is
// the production backend: queued-job claims use FOR UPDATE SKIP LOCKED so that
// no two coordinator instances assign the same job, and the unique constraints
// on assignments.nonce and results.assignment_id are the cross-process
// deduplication primitives.
package pgstore

import (
	"context"
	stderrors "errors"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/openmesh-pool/coordinator/core/types"
	"github.com/openmesh-pool/coordinator/store"
)

// Database is the PostgreSQL store backend.
type Database struct {
	pool *pgxpool.Pool
}

// Open connects to the database behind dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Database, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "pgstore: open")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pgstore: ping")
	}
	return &Database{pool: pool}, nil
}

// Update implements store.Store.
func (db *Database) Update(ctx context.Context, fn func(store.Tx) error) error {
	return db.inTx(ctx, pgx.TxOptions{}, fn)
}

// View implements store.Store.
func (db *Database) View(ctx context.Context, fn func(store.Tx) error) error {
	return db.inTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (db *Database) inTx(ctx context.Context, opts pgx.TxOptions, fn func(store.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, opts)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txn{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return translate(tx.Commit(ctx))
}

// Ping implements store.Store.
func (db *Database) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close implements store.Store.
func (db *Database) Close() error {
	db.pool.Close()
	return nil
}

// translate maps driver errors onto the store sentinels. Unique violations and
// serialisation failures both surface as ErrConflict; callers treat them as a
// lost race.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return store.ErrConflict
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return store.ErrConflict
		}
	}
	return err
}

type txn struct {
	ctx context.Context
	tx  pgx.Tx
}

// ---- encoding helpers ----

func marshalJSON(m types.JSONMap) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(raw []byte) (types.JSONMap, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m types.JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "pgstore: decode json column")
	}
	return m, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "pgstore: decode numeric column")
	}
	return d, nil
}

// ---- users ----

func (t *txn) CreateUser(u *types.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO users (email, role, is_active, password_hash, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5) RETURNING id`,
		u.Email, string(u.Role), u.IsActive, u.PasswordHash, u.CreatedAt,
	).Scan(&u.ID)
	return translate(err)
}

func (t *txn) scanUser(row pgx.Row) (*types.User, error) {
	var (
		u            types.User
		role         string
		passwordHash *string
	)
	if err := row.Scan(&u.ID, &u.Email, &role, &u.IsActive, &passwordHash, &u.CreatedAt); err != nil {
		return nil, translate(err)
	}
	u.Role = types.Role(role)
	if passwordHash != nil {
		u.PasswordHash = *passwordHash
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (t *txn) User(id int64) (*types.User, error) {
	return t.scanUser(t.tx.QueryRow(t.ctx,
		`SELECT id, email, role, is_active, password_hash, created_at FROM users WHERE id = $1`, id))
}

func (t *txn) UserByAPIKeyHash(keyHash string) (*types.User, error) {
	return t.scanUser(t.tx.QueryRow(t.ctx,
		`SELECT u.id, u.email, u.role, u.is_active, u.password_hash, u.created_at
		 FROM users u JOIN api_keys k ON k.user_id = u.id
		 WHERE k.key_hash = $1 AND NOT k.revoked`, keyHash))
}

func (t *txn) CreateAPIKey(k *types.APIKey) error {
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO api_keys (user_id, name, prefix, key_hash, revoked)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		k.UserID, k.Name, k.Prefix, k.KeyHash, k.Revoked,
	).Scan(&k.ID)
	return translate(err)
}

// ---- workers ----

const workerColumns = `id, owner_user_id, name, status, public_key, specs, last_seen_at, created_at`

func (t *txn) CreateWorker(w *types.Worker) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	specs, err := marshalJSON(w.Specs)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(t.ctx,
		`INSERT INTO workers (owner_user_id, name, status, public_key, specs, last_seen_at, created_at)
		 VALUES ($1, $2, $3, $4, COALESCE($5, '{}'::jsonb), $6, $7) RETURNING id`,
		w.OwnerUserID, w.Name, string(w.Status), w.PublicKey, specs, w.LastSeenAt, w.CreatedAt,
	).Scan(&w.ID)
	return translate(err)
}

func scanWorkerRow(row pgx.Row) (*types.Worker, error) {
	var (
		w        types.Worker
		status   string
		rawSpecs []byte
		lastSeen *time.Time
	)
	if err := row.Scan(&w.ID, &w.OwnerUserID, &w.Name, &status, &w.PublicKey, &rawSpecs, &lastSeen, &w.CreatedAt); err != nil {
		return nil, translate(err)
	}
	specs, err := unmarshalJSON(rawSpecs)
	if err != nil {
		return nil, err
	}
	w.Status = types.WorkerStatus(status)
	w.Specs = specs
	if lastSeen != nil {
		at := lastSeen.UTC()
		w.LastSeenAt = &at
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return &w, nil
}

func (t *txn) Worker(id int64) (*types.Worker, error) {
	return scanWorkerRow(t.tx.QueryRow(t.ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
}

func (t *txn) OwnedWorker(id, ownerUserID int64) (*types.Worker, error) {
	return scanWorkerRow(t.tx.QueryRow(t.ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1 AND owner_user_id = $2`, id, ownerUserID))
}

func (t *txn) UpdateWorker(w *types.Worker) error {
	specs, err := marshalJSON(w.Specs)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE workers SET status = $2, public_key = $3, specs = COALESCE($4, '{}'::jsonb), last_seen_at = $5
		 WHERE id = $1`,
		w.ID, string(w.Status), w.PublicKey, specs, w.LastSeenAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) queryWorkers(query string, args ...any) ([]*types.Worker, error) {
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*types.Worker
	for rows.Next() {
		w, err := scanWorkerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, translate(rows.Err())
}

func (t *txn) AllWorkers() ([]*types.Worker, error) {
	return t.queryWorkers(`SELECT ` + workerColumns + ` FROM workers ORDER BY id`)
}

func (t *txn) OnlineWorkers() ([]*types.Worker, error) {
	return t.queryWorkers(`SELECT `+workerColumns+` FROM workers WHERE status = $1 ORDER BY id`,
		string(types.WorkerOnline))
}

func (t *txn) CreateWorkerSettings(s *types.WorkerSettings) error {
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO worker_settings (worker_id, max_concurrency, heartbeat_timeout_seconds, pull_interval_seconds, accept_new_assignments)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		s.WorkerID, s.MaxConcurrency, s.HeartbeatTimeoutSeconds, s.PullIntervalSeconds, s.AcceptNewAssignments,
	).Scan(&s.ID)
	return translate(err)
}

func (t *txn) WorkerSettings(workerID int64) (*types.WorkerSettings, error) {
	var s types.WorkerSettings
	err := t.tx.QueryRow(t.ctx,
		`SELECT id, worker_id, max_concurrency, heartbeat_timeout_seconds, pull_interval_seconds, accept_new_assignments
		 FROM worker_settings WHERE worker_id = $1`, workerID,
	).Scan(&s.ID, &s.WorkerID, &s.MaxConcurrency, &s.HeartbeatTimeoutSeconds, &s.PullIntervalSeconds, &s.AcceptNewAssignments)
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (t *txn) AppendHeartbeat(workerID int64, at time.Time) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO worker_heartbeats (worker_id, recorded_at) VALUES ($1, $2)`, workerID, at.UTC())
	return translate(err)
}

func (t *txn) HeartbeatsBetween(workerID int64, from, to time.Time) ([]time.Time, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT recorded_at FROM worker_heartbeats
		 WHERE worker_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		 ORDER BY recorded_at`, workerID, from, to)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, translate(err)
		}
		out = append(out, at.UTC())
	}
	return out, translate(rows.Err())
}

func (t *txn) LastHeartbeatBefore(workerID int64, before time.Time) (*time.Time, error) {
	var at time.Time
	err := t.tx.QueryRow(t.ctx,
		`SELECT recorded_at FROM worker_heartbeats
		 WHERE worker_id = $1 AND recorded_at < $2
		 ORDER BY recorded_at DESC LIMIT 1`, workerID, before,
	).Scan(&at)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	utc := at.UTC()
	return &utc, nil
}

// ---- jobs ----

const jobColumns = `id, created_by_user_id, job_type, status, payload, priority, canonical_expected_hash, created_at`

func (t *txn) CreateJob(j *types.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalJSON(j.Payload)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(t.ctx,
		`INSERT INTO jobs (created_by_user_id, job_type, status, payload, priority, canonical_expected_hash, created_at)
		 VALUES ($1, $2, $3, COALESCE($4, '{}'::jsonb), $5, $6, $7) RETURNING id`,
		j.CreatedByUserID, string(j.JobType), string(j.Status), payload, j.Priority, j.CanonicalExpectedHash, j.CreatedAt,
	).Scan(&j.ID)
	return translate(err)
}

func scanJobRow(row pgx.Row) (*types.Job, error) {
	var (
		j          types.Job
		jobType    string
		status     string
		rawPayload []byte
	)
	if err := row.Scan(&j.ID, &j.CreatedByUserID, &jobType, &status, &rawPayload, &j.Priority, &j.CanonicalExpectedHash, &j.CreatedAt); err != nil {
		return nil, translate(err)
	}
	payload, err := unmarshalJSON(rawPayload)
	if err != nil {
		return nil, err
	}
	j.JobType = types.JobType(jobType)
	j.Status = types.JobStatus(status)
	j.Payload = payload
	j.CreatedAt = j.CreatedAt.UTC()
	return &j, nil
}

func (t *txn) Job(id int64) (*types.Job, error) {
	return scanJobRow(t.tx.QueryRow(t.ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (t *txn) UpdateJob(j *types.Job) error {
	payload, err := marshalJSON(j.Payload)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE jobs SET status = $2, payload = COALESCE($3, '{}'::jsonb), priority = $4, canonical_expected_hash = $5
		 WHERE id = $1`,
		j.ID, string(j.Status), payload, j.Priority, j.CanonicalExpectedHash)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ClaimQueuedJobs takes the skip-locked row locks that make the dispatcher a
// single winner per job across coordinator instances.
func (t *txn) ClaimQueuedJobs(limit int) ([]*types.Job, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1
		 ORDER BY priority DESC, id ASC LIMIT $2
		 FOR UPDATE SKIP LOCKED`, string(types.JobQueued), limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, translate(rows.Err())
}

func (t *txn) CountAssignments() (int64, error) {
	var n int64
	err := t.tx.QueryRow(t.ctx, `SELECT count(*) FROM assignments`).Scan(&n)
	return n, translate(err)
}

// ---- assignments ----

const assignmentColumns = `id, job_id, worker_id, status, nonce, assigned_at, started_at, finished_at, cost::text`

func (t *txn) CreateAssignment(a *types.Assignment) error {
	var cost *string
	if a.Cost != nil {
		s := a.Cost.String()
		cost = &s
	}
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO assignments (job_id, worker_id, status, nonce, assigned_at, started_at, finished_at, cost)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric) RETURNING id`,
		a.JobID, a.WorkerID, string(a.Status), a.Nonce, a.AssignedAt.UTC(), a.StartedAt, a.FinishedAt, cost,
	).Scan(&a.ID)
	return translate(err)
}

func scanAssignmentRow(row pgx.Row) (*types.Assignment, error) {
	var (
		a       types.Assignment
		status  string
		rawCost *string
	)
	if err := row.Scan(&a.ID, &a.JobID, &a.WorkerID, &status, &a.Nonce, &a.AssignedAt, &a.StartedAt, &a.FinishedAt, &rawCost); err != nil {
		return nil, translate(err)
	}
	a.Status = types.AssignmentStatus(status)
	a.AssignedAt = a.AssignedAt.UTC()
	if rawCost != nil {
		cost, err := parseDecimal(*rawCost)
		if err != nil {
			return nil, err
		}
		a.Cost = &cost
	}
	return &a, nil
}

func (t *txn) Assignment(id int64) (*types.Assignment, error) {
	return scanAssignmentRow(t.tx.QueryRow(t.ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id))
}

// AssignmentForUpdate locks the assignment row. Worker reputation updates ride
// on this lock: concurrent submissions touching the same worker serialise here.
func (t *txn) AssignmentForUpdate(id, workerID int64) (*types.Assignment, *types.Result, error) {
	a, err := scanAssignmentRow(t.tx.QueryRow(t.ctx,
		`SELECT `+assignmentColumns+` FROM assignments
		 WHERE id = $1 AND worker_id = $2 FOR UPDATE`, id, workerID))
	if err != nil {
		return nil, nil, err
	}
	r, err := t.ResultByAssignment(a.ID)
	if stderrors.Is(err, store.ErrNotFound) {
		return a, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return a, r, nil
}

func (t *txn) UpdateAssignment(a *types.Assignment) error {
	var cost *string
	if a.Cost != nil {
		s := a.Cost.String()
		cost = &s
	}
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE assignments SET worker_id = $2, status = $3, started_at = $4, finished_at = $5, cost = $6::numeric
		 WHERE id = $1`,
		a.ID, a.WorkerID, string(a.Status), a.StartedAt, a.FinishedAt, cost)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) OldestAssignedForWorker(workerID int64) (*types.Assignment, error) {
	return scanAssignmentRow(t.tx.QueryRow(t.ctx,
		`SELECT `+assignmentColumns+` FROM assignments
		 WHERE worker_id = $1 AND status = $2
		 ORDER BY assigned_at ASC, id ASC LIMIT 1`, workerID, string(types.AssignmentAssigned)))
}

func (t *txn) ActiveAssignmentCounts() (map[int64]int, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT worker_id, count(*) FROM assignments
		 WHERE worker_id IS NOT NULL AND status IN ($1, $2)
		 GROUP BY worker_id`,
		string(types.AssignmentAssigned), string(types.AssignmentStarted))
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var (
			workerID int64
			n        int
		)
		if err := rows.Scan(&workerID, &n); err != nil {
			return nil, translate(err)
		}
		counts[workerID] = n
	}
	return counts, translate(rows.Err())
}

func (t *txn) queryAssignments(query string, args ...any) ([]*types.Assignment, error) {
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*types.Assignment
	for rows.Next() {
		a, err := scanAssignmentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, translate(rows.Err())
}

func (t *txn) AssignmentsForJob(jobID int64) ([]*types.Assignment, error) {
	return t.queryAssignments(`SELECT `+assignmentColumns+` FROM assignments WHERE job_id = $1 ORDER BY id`, jobID)
}

func (t *txn) UnassignedAssignments(limit int) ([]*types.Assignment, error) {
	return t.queryAssignments(
		`SELECT `+assignmentColumns+` FROM assignments
		 WHERE worker_id IS NULL AND status = $1
		 ORDER BY id LIMIT $2
		 FOR UPDATE SKIP LOCKED`, string(types.AssignmentAssigned), limit)
}

func (t *txn) PeerResult(jobID, excludeAssignmentID int64) (*types.Assignment, *types.Result, error) {
	a, err := scanAssignmentRow(t.tx.QueryRow(t.ctx,
		`SELECT a.id, a.job_id, a.worker_id, a.status, a.nonce, a.assigned_at, a.started_at, a.finished_at, a.cost::text
		 FROM assignments a JOIN results r ON r.assignment_id = a.id
		 WHERE a.job_id = $1 AND a.id <> $2
		 ORDER BY a.id ASC LIMIT 1`, jobID, excludeAssignmentID))
	if err != nil {
		return nil, nil, err
	}
	r, err := t.ResultByAssignment(a.ID)
	if err != nil {
		return nil, nil, err
	}
	return a, r, nil
}

// ---- results ----

const resultColumns = `id, assignment_id, output, error_message, artifact_uri, output_hash, signature, metrics_json, verification_status, verification_score::text, created_at`

func (t *txn) CreateResult(r *types.Result) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.VerificationStatus == "" {
		r.VerificationStatus = types.VerificationPending
	}
	output, err := marshalJSON(r.Output)
	if err != nil {
		return err
	}
	metrics, err := marshalJSON(r.Metrics)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(t.ctx,
		`INSERT INTO results (assignment_id, output, error_message, artifact_uri, output_hash, signature, metrics_json, verification_status, verification_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10) RETURNING id`,
		r.AssignmentID, output, r.ErrorMessage, r.ArtifactURI, r.OutputHash, r.Signature, metrics,
		string(r.VerificationStatus), r.VerificationScore.String(), r.CreatedAt,
	).Scan(&r.ID)
	return translate(err)
}

func scanResultRow(row pgx.Row) (*types.Result, error) {
	var (
		r          types.Result
		rawOutput  []byte
		rawMetrics []byte
		status     string
		rawScore   string
	)
	if err := row.Scan(&r.ID, &r.AssignmentID, &rawOutput, &r.ErrorMessage, &r.ArtifactURI, &r.OutputHash, &r.Signature, &rawMetrics, &status, &rawScore, &r.CreatedAt); err != nil {
		return nil, translate(err)
	}
	output, err := unmarshalJSON(rawOutput)
	if err != nil {
		return nil, err
	}
	metrics, err := unmarshalJSON(rawMetrics)
	if err != nil {
		return nil, err
	}
	score, err := parseDecimal(rawScore)
	if err != nil {
		return nil, err
	}
	r.Output = output
	r.Metrics = metrics
	r.VerificationStatus = types.VerificationStatus(status)
	r.VerificationScore = score
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func (t *txn) UpdateResult(r *types.Result) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE results SET verification_status = $2, verification_score = $3::numeric
		 WHERE assignment_id = $1`,
		r.AssignmentID, string(r.VerificationStatus), r.VerificationScore.String())
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) ResultByAssignment(assignmentID int64) (*types.Result, error) {
	return scanResultRow(t.tx.QueryRow(t.ctx,
		`SELECT `+resultColumns+` FROM results WHERE assignment_id = $1`, assignmentID))
}

// ---- accounting ----

func (t *txn) GetOrCreateAccount(ownerType types.OwnerType, ownerID int64, currency string) (*types.Account, error) {
	// Upsert keeps the unique (owner_type, owner_id, currency) constraint the
	// arbiter under concurrent creation.
	return t.scanAccount(t.tx.QueryRow(t.ctx,
		`INSERT INTO accounts (owner_type, owner_id, currency)
		 VALUES ($1, $2, $3)
		 ON CONFLICT ON CONSTRAINT uq_accounts_owner_currency
		 DO UPDATE SET owner_type = EXCLUDED.owner_type
		 RETURNING id, owner_type, owner_id, currency, balance::text, created_at`,
		string(ownerType), ownerID, currency))
}

func (t *txn) Account(id int64) (*types.Account, error) {
	return t.scanAccount(t.tx.QueryRow(t.ctx,
		`SELECT id, owner_type, owner_id, currency, balance::text, created_at FROM accounts WHERE id = $1`, id))
}

func (t *txn) scanAccount(row pgx.Row) (*types.Account, error) {
	var (
		a          types.Account
		ownerType  string
		rawBalance string
	)
	if err := row.Scan(&a.ID, &ownerType, &a.OwnerID, &a.Currency, &rawBalance, &a.CreatedAt); err != nil {
		return nil, translate(err)
	}
	balance, err := parseDecimal(rawBalance)
	if err != nil {
		return nil, err
	}
	a.OwnerType = types.OwnerType(ownerType)
	a.Balance = balance
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func (t *txn) AppendLedgerEntry(e *types.LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	details, err := marshalJSON(e.Details)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(t.ctx,
		`INSERT INTO ledger_entries (account_id, job_id, assignment_id, amount, entry_type, details, created_at)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6, $7) RETURNING id`,
		e.AccountID, e.JobID, e.AssignmentID, e.Amount.String(), e.EntryType, details, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return translate(err)
	}
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE accounts SET balance = balance + $2::numeric WHERE id = $1`,
		e.AccountID, e.Amount.String())
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) HasLedgerEntry(assignmentID int64, entryType string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(t.ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE assignment_id = $1 AND entry_type = $2)`,
		assignmentID, entryType,
	).Scan(&exists)
	return exists, translate(err)
}

func (t *txn) sumLedger(query string, args ...any) (decimal.Decimal, error) {
	var raw string
	if err := t.tx.QueryRow(t.ctx, query, args...).Scan(&raw); err != nil {
		return decimal.Zero, translate(err)
	}
	return parseDecimal(raw)
}

func (t *txn) SumLedgerAmounts(entryType string, since time.Time) (decimal.Decimal, error) {
	return t.sumLedger(
		`SELECT COALESCE(sum(amount), 0)::text FROM ledger_entries
		 WHERE entry_type = $1 AND created_at >= $2`, entryType, since)
}

func (t *txn) LedgerEntriesForAssignment(assignmentID int64) ([]*types.LedgerEntry, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT id, account_id, job_id, assignment_id, amount::text, entry_type, details, created_at
		 FROM ledger_entries WHERE assignment_id = $1 ORDER BY id`, assignmentID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*types.LedgerEntry
	for rows.Next() {
		var (
			e          types.LedgerEntry
			rawAmount  string
			rawDetails []byte
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.JobID, &e.AssignmentID, &rawAmount, &e.EntryType, &rawDetails, &e.CreatedAt); err != nil {
			return nil, translate(err)
		}
		amount, err := parseDecimal(rawAmount)
		if err != nil {
			return nil, err
		}
		details, err := unmarshalJSON(rawDetails)
		if err != nil {
			return nil, err
		}
		e.Amount = amount
		e.Details = details
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, translate(rows.Err())
}

func (t *txn) CountAccounts() (int64, error) {
	var n int64
	err := t.tx.QueryRow(t.ctx, `SELECT count(*) FROM accounts`).Scan(&n)
	return n, translate(err)
}

func (t *txn) CountLedgerEntries() (int64, error) {
	var n int64
	err := t.tx.QueryRow(t.ctx, `SELECT count(*) FROM ledger_entries`).Scan(&n)
	return n, translate(err)
}

func (t *txn) SumLedgerExcluding(entryType string) (decimal.Decimal, error) {
	return t.sumLedger(
		`SELECT COALESCE(sum(amount), 0)::text FROM ledger_entries WHERE entry_type <> $1`, entryType)
}

// ---- pool policy ----

func (t *txn) PoolSettings() (*types.PoolSettings, error) {
	var (
		s       types.PoolSettings
		rawCap  string
		rawBase string
	)
	err := t.tx.QueryRow(t.ctx,
		`SELECT id, pool_fee_bps, audit_interval_jobs, audit_job_rate_bps, fraud_ban_threshold,
		        embed_similarity_threshold, default_job_timeout_seconds, assignment_retry_limit,
		        cleanup_interval_seconds, daily_emission_cap_tokens::text, daily_emission_base_tokens::text
		 FROM pool_settings WHERE id = $1`, types.PoolSettingsID,
	).Scan(&s.ID, &s.PoolFeeBps, &s.AuditIntervalJobs, &s.AuditJobRateBps, &s.FraudBanThreshold,
		&s.EmbedSimilarityThreshold, &s.DefaultJobTimeoutSeconds, &s.AssignmentRetryLimit,
		&s.CleanupIntervalSeconds, &rawCap, &rawBase)
	if err != nil {
		return nil, translate(err)
	}
	capTokens, err := parseDecimal(rawCap)
	if err != nil {
		return nil, err
	}
	baseTokens, err := parseDecimal(rawBase)
	if err != nil {
		return nil, err
	}
	s.DailyEmissionCapTokens = capTokens
	s.DailyEmissionBaseTokens = baseTokens
	return &s, nil
}

func (t *txn) SavePoolSettings(s *types.PoolSettings) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO pool_settings (id, pool_fee_bps, audit_interval_jobs, audit_job_rate_bps, fraud_ban_threshold,
		                            embed_similarity_threshold, default_job_timeout_seconds, assignment_retry_limit,
		                            cleanup_interval_seconds, daily_emission_cap_tokens, daily_emission_base_tokens)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11::numeric)
		 ON CONFLICT (id) DO UPDATE SET
		   pool_fee_bps = EXCLUDED.pool_fee_bps,
		   audit_interval_jobs = EXCLUDED.audit_interval_jobs,
		   audit_job_rate_bps = EXCLUDED.audit_job_rate_bps,
		   fraud_ban_threshold = EXCLUDED.fraud_ban_threshold,
		   embed_similarity_threshold = EXCLUDED.embed_similarity_threshold,
		   default_job_timeout_seconds = EXCLUDED.default_job_timeout_seconds,
		   assignment_retry_limit = EXCLUDED.assignment_retry_limit,
		   cleanup_interval_seconds = EXCLUDED.cleanup_interval_seconds,
		   daily_emission_cap_tokens = EXCLUDED.daily_emission_cap_tokens,
		   daily_emission_base_tokens = EXCLUDED.daily_emission_base_tokens`,
		types.PoolSettingsID, s.PoolFeeBps, s.AuditIntervalJobs, s.AuditJobRateBps, s.FraudBanThreshold,
		s.EmbedSimilarityThreshold, s.DefaultJobTimeoutSeconds, s.AssignmentRetryLimit,
		s.CleanupIntervalSeconds, s.DailyEmissionCapTokens.String(), s.DailyEmissionBaseTokens.String())
	return translate(err)
}

func (t *txn) ActivePricingRule(jobType types.JobType) (*types.PricingRule, error) {
	var (
		r          types.PricingRule
		ruleType   string
		rawUnit    string
		rawMinimum string
	)
	err := t.tx.QueryRow(t.ctx,
		`SELECT id, name, job_type, unit_cost_tokens::text, minimum_charge::text, is_active, effective_from, effective_to
		 FROM pricing_rules WHERE job_type = $1 AND is_active
		 ORDER BY effective_from DESC, id DESC LIMIT 1`, string(jobType),
	).Scan(&r.ID, &r.Name, &ruleType, &rawUnit, &rawMinimum, &r.IsActive, &r.EffectiveFrom, &r.EffectiveTo)
	if err != nil {
		return nil, translate(err)
	}
	r.JobType = types.JobType(ruleType)
	unit, err := parseDecimal(rawUnit)
	if err != nil {
		return nil, err
	}
	minimum, err := parseDecimal(rawMinimum)
	if err != nil {
		return nil, err
	}
	r.UnitCostTokens = unit
	r.MinimumCharge = minimum
	r.EffectiveFrom = r.EffectiveFrom.UTC()
	return &r, nil
}

func (t *txn) CreatePricingRule(r *types.PricingRule) error {
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO pricing_rules (name, job_type, unit_cost_tokens, minimum_charge, is_active, effective_from, effective_to)
		 VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7) RETURNING id`,
		r.Name, string(r.JobType), r.UnitCostTokens.String(), r.MinimumCharge.String(), r.IsActive,
		r.EffectiveFrom.UTC(), r.EffectiveTo,
	).Scan(&r.ID)
	return translate(err)
}
