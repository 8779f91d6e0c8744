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

// Package store defines the transactional repository interface the coordinator
// core runs against. Two backends implement it: pgstore (PostgreSQL, the
// production store) and memorydb (in-process, used by tests and --db memory).
//
// The database is the single source of truth; all cross-process coordination
// goes through it. Every logical step of the dispatcher, the verifier and the
// accounting engine executes inside a single Update transaction.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openmesh-pool/coordinator/core/types"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned on unique-constraint violations (duplicate
	// assignment nonce, second result for an assignment) and on concurrent
	// write conflicts. The protocol surface maps it to HTTP 409.
	ErrConflict = errors.New("store: conflict")
)

// Store provides transactional scope over the durable repository.
type Store interface {
	// Update runs fn inside a read-write transaction. The transaction commits
	// when fn returns nil and rolls back otherwise; a rolled-back transaction
	// leaves no trace (no result, no ledger entries).
	Update(ctx context.Context, fn func(Tx) error) error

	// View runs fn inside a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Tx carries the entity operations available inside one transaction.
type Tx interface {
	// Users and API keys.
	CreateUser(u *types.User) error
	User(id int64) (*types.User, error)
	UserByAPIKeyHash(keyHash string) (*types.User, error)
	CreateAPIKey(k *types.APIKey) error

	// Workers.
	CreateWorker(w *types.Worker) error
	Worker(id int64) (*types.Worker, error)
	OwnedWorker(id, ownerUserID int64) (*types.Worker, error)
	UpdateWorker(w *types.Worker) error
	AllWorkers() ([]*types.Worker, error)
	OnlineWorkers() ([]*types.Worker, error)
	CreateWorkerSettings(s *types.WorkerSettings) error
	WorkerSettings(workerID int64) (*types.WorkerSettings, error)
	AppendHeartbeat(workerID int64, at time.Time) error
	HeartbeatsBetween(workerID int64, from, to time.Time) ([]time.Time, error)
	LastHeartbeatBefore(workerID int64, before time.Time) (*time.Time, error)

	// Jobs. ClaimQueuedJobs selects up to limit queued jobs ordered by
	// (priority desc, id asc) with single-winner semantics across processes
	// (FOR UPDATE SKIP LOCKED in pgstore).
	CreateJob(j *types.Job) error
	Job(id int64) (*types.Job, error)
	UpdateJob(j *types.Job) error
	ClaimQueuedJobs(limit int) ([]*types.Job, error)
	CountAssignments() (int64, error)

	// Assignments. CreateAssignment returns ErrConflict when the nonce is
	// already taken. AssignmentForUpdate locks the row for the duration of the
	// transaction and returns the joined result, if any.
	CreateAssignment(a *types.Assignment) error
	Assignment(id int64) (*types.Assignment, error)
	AssignmentForUpdate(id, workerID int64) (*types.Assignment, *types.Result, error)
	UpdateAssignment(a *types.Assignment) error
	OldestAssignedForWorker(workerID int64) (*types.Assignment, error)
	ActiveAssignmentCounts() (map[int64]int, error)
	AssignmentsForJob(jobID int64) ([]*types.Assignment, error)
	UnassignedAssignments(limit int) ([]*types.Assignment, error)

	// PeerResult returns the earliest other assignment of the same job that
	// already carries a result, in any verification state.
	PeerResult(jobID, excludeAssignmentID int64) (*types.Assignment, *types.Result, error)

	// Results. CreateResult returns ErrConflict for a second result on the
	// same assignment.
	CreateResult(r *types.Result) error
	UpdateResult(r *types.Result) error
	ResultByAssignment(assignmentID int64) (*types.Result, error)

	// Accounting. AppendLedgerEntry posts the entry and moves the account
	// balance by the entry amount in the same statement scope.
	GetOrCreateAccount(ownerType types.OwnerType, ownerID int64, currency string) (*types.Account, error)
	Account(id int64) (*types.Account, error)
	AppendLedgerEntry(e *types.LedgerEntry) error
	HasLedgerEntry(assignmentID int64, entryType string) (bool, error)
	SumLedgerAmounts(entryType string, since time.Time) (decimal.Decimal, error)
	LedgerEntriesForAssignment(assignmentID int64) ([]*types.LedgerEntry, error)
	CountAccounts() (int64, error)
	CountLedgerEntries() (int64, error)
	SumLedgerExcluding(entryType string) (decimal.Decimal, error)

	// Pool policy.
	PoolSettings() (*types.PoolSettings, error)
	SavePoolSettings(s *types.PoolSettings) error
	ActivePricingRule(jobType types.JobType) (*types.PricingRule, error)
	CreatePricingRule(r *types.PricingRule) error
}
