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

package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

// Schema mirrors the data model one table per entity. Enum values are stored as
// strings, token amounts as NUMERIC(18,8), timestamps as timestamptz in UTC.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGSERIAL PRIMARY KEY,
		email         VARCHAR(320) NOT NULL UNIQUE,
		role          VARCHAR(32)  NOT NULL,
		is_active     BOOLEAN      NOT NULL DEFAULT TRUE,
		password_hash VARCHAR(255),
		created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_users_role ON users (role)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id       BIGSERIAL PRIMARY KEY,
		user_id  BIGINT       NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		name     VARCHAR(80)  NOT NULL,
		prefix   VARCHAR(32)  NOT NULL,
		key_hash VARCHAR(255) NOT NULL UNIQUE,
		revoked  BOOLEAN      NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS ix_api_keys_user_id ON api_keys (user_id)`,
	`CREATE INDEX IF NOT EXISTS ix_api_keys_prefix ON api_keys (prefix)`,

	`CREATE TABLE IF NOT EXISTS workers (
		id            BIGSERIAL PRIMARY KEY,
		owner_user_id BIGINT       NOT NULL REFERENCES users (id),
		name          VARCHAR(120) NOT NULL UNIQUE,
		status        VARCHAR(32)  NOT NULL DEFAULT 'offline',
		public_key    TEXT         NOT NULL DEFAULT '',
		specs         JSONB        NOT NULL DEFAULT '{}'::jsonb,
		last_seen_at  TIMESTAMPTZ,
		created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_workers_status ON workers (status)`,

	`CREATE TABLE IF NOT EXISTS worker_settings (
		id                        BIGSERIAL PRIMARY KEY,
		worker_id                 BIGINT  NOT NULL UNIQUE REFERENCES workers (id) ON DELETE CASCADE,
		max_concurrency           INTEGER NOT NULL DEFAULT 1,
		heartbeat_timeout_seconds INTEGER NOT NULL DEFAULT 30,
		pull_interval_seconds     INTEGER NOT NULL DEFAULT 5,
		accept_new_assignments    BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS worker_heartbeats (
		id          BIGSERIAL PRIMARY KEY,
		worker_id   BIGINT      NOT NULL REFERENCES workers (id) ON DELETE CASCADE,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_worker_heartbeats_worker_time ON worker_heartbeats (worker_id, recorded_at)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id                      BIGSERIAL PRIMARY KEY,
		created_by_user_id      BIGINT REFERENCES users (id) ON DELETE SET NULL,
		job_type                VARCHAR(32) NOT NULL,
		status                  VARCHAR(32) NOT NULL DEFAULT 'queued',
		payload                 JSONB       NOT NULL DEFAULT '{}'::jsonb,
		priority                INTEGER     NOT NULL DEFAULT 0,
		canonical_expected_hash VARCHAR(128),
		created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_status ON jobs (status)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_priority ON jobs (priority)`,

	`CREATE TABLE IF NOT EXISTS assignments (
		id          BIGSERIAL PRIMARY KEY,
		job_id      BIGINT       NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
		worker_id   BIGINT REFERENCES workers (id) ON DELETE SET NULL,
		status      VARCHAR(32)  NOT NULL DEFAULT 'assigned',
		nonce       VARCHAR(128) NOT NULL UNIQUE,
		assigned_at TIMESTAMPTZ  NOT NULL,
		started_at  TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		cost        NUMERIC(18,8)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_assignments_job_id ON assignments (job_id)`,
	`CREATE INDEX IF NOT EXISTS ix_assignments_worker_id ON assignments (worker_id)`,
	`CREATE INDEX IF NOT EXISTS ix_assignments_status ON assignments (status)`,

	`CREATE TABLE IF NOT EXISTS results (
		id                  BIGSERIAL PRIMARY KEY,
		assignment_id       BIGINT NOT NULL UNIQUE REFERENCES assignments (id) ON DELETE CASCADE,
		output              JSONB,
		error_message       TEXT,
		artifact_uri        VARCHAR(2048),
		output_hash         VARCHAR(128),
		signature           TEXT,
		metrics_json        JSONB,
		verification_status VARCHAR(32)   NOT NULL DEFAULT 'pending',
		verification_score  NUMERIC(18,8) NOT NULL DEFAULT 0,
		created_at          TIMESTAMPTZ   NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS accounts (
		id         BIGSERIAL PRIMARY KEY,
		owner_type VARCHAR(16)   NOT NULL,
		owner_id   BIGINT        NOT NULL,
		currency   VARCHAR(12)   NOT NULL DEFAULT 'TOK',
		balance    NUMERIC(18,8) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ   NOT NULL DEFAULT now(),
		CONSTRAINT uq_accounts_owner_currency UNIQUE (owner_type, owner_id, currency)
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id            BIGSERIAL PRIMARY KEY,
		account_id    BIGINT        NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		job_id        BIGINT REFERENCES jobs (id) ON DELETE SET NULL,
		assignment_id BIGINT REFERENCES assignments (id) ON DELETE SET NULL,
		amount        NUMERIC(18,8) NOT NULL,
		entry_type    VARCHAR(32)   NOT NULL,
		details       JSONB,
		created_at    TIMESTAMPTZ   NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_ledger_entries_account_id ON ledger_entries (account_id)`,
	`CREATE INDEX IF NOT EXISTS ix_ledger_entries_assignment_id ON ledger_entries (assignment_id)`,
	`CREATE INDEX IF NOT EXISTS ix_ledger_entries_type_time ON ledger_entries (entry_type, created_at)`,

	`CREATE TABLE IF NOT EXISTS pool_settings (
		id                          BIGINT PRIMARY KEY,
		pool_fee_bps                INTEGER NOT NULL DEFAULT 0,
		audit_interval_jobs         INTEGER NOT NULL DEFAULT 0,
		audit_job_rate_bps          INTEGER NOT NULL DEFAULT 0,
		fraud_ban_threshold         INTEGER NOT NULL DEFAULT 2,
		embed_similarity_threshold  DOUBLE PRECISION NOT NULL DEFAULT 0.985,
		default_job_timeout_seconds INTEGER NOT NULL DEFAULT 900,
		assignment_retry_limit      INTEGER NOT NULL DEFAULT 3,
		cleanup_interval_seconds    INTEGER NOT NULL DEFAULT 300,
		daily_emission_cap_tokens   NUMERIC(18,8) NOT NULL DEFAULT 0,
		daily_emission_base_tokens  NUMERIC(18,8) NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS pricing_rules (
		id               BIGSERIAL PRIMARY KEY,
		name             VARCHAR(120)  NOT NULL UNIQUE,
		job_type         VARCHAR(32)   NOT NULL,
		unit_cost_tokens NUMERIC(18,8) NOT NULL,
		minimum_charge   NUMERIC(18,8) NOT NULL DEFAULT 0,
		is_active        BOOLEAN       NOT NULL DEFAULT TRUE,
		effective_from   TIMESTAMPTZ   NOT NULL,
		effective_to     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS ix_pricing_rules_job_type ON pricing_rules (job_type)`,
}

// Bootstrap creates the schema if it does not exist. A failure here is fatal to
// the process at startup.
func (db *Database) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "pgstore: schema bootstrap failed")
		}
	}
	return nil
}
