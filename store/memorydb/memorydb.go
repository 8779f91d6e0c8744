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

// Package memorydb implements the store interfaces on in-process maps. It is
// the reference backend for tests and single-node experiments (--db memory).
//
// Transactions are serialised under one mutex. Update runs against a snapshot
// of the state and swaps it in on success, so a failed transaction leaves the
// store untouched, matching the rollback semantics of the SQL backend. Entries
// are never mutated in place: every read returns a copy and every write stores
// one, which keeps snapshots cheap (map headers only).
package memorydb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openmesh-pool/coordinator/core/types"
	"github.com/openmesh-pool/coordinator/store"
)

type accountKey struct {
	ownerType types.OwnerType
	ownerID   int64
	currency  string
}

type state struct {
	users          map[int64]*types.User
	apiKeys        map[int64]*types.APIKey
	workers        map[int64]*types.Worker
	workerSettings map[int64]*types.WorkerSettings // keyed by worker id
	heartbeats     []*types.WorkerHeartbeat
	jobs           map[int64]*types.Job
	assignments    map[int64]*types.Assignment
	nonces         map[string]int64 // nonce -> assignment id
	results        map[int64]*types.Result // keyed by assignment id
	accounts       map[int64]*types.Account
	accountIndex   map[accountKey]int64
	ledger         []*types.LedgerEntry
	poolSettings   *types.PoolSettings
	pricingRules   []*types.PricingRule

	nextUser, nextAPIKey, nextWorker, nextWorkerSettings int64
	nextHeartbeat, nextJob, nextAssignment, nextResult   int64
	nextAccount, nextLedger, nextPricingRule             int64
}

func newState() *state {
	return &state{
		users:          make(map[int64]*types.User),
		apiKeys:        make(map[int64]*types.APIKey),
		workers:        make(map[int64]*types.Worker),
		workerSettings: make(map[int64]*types.WorkerSettings),
		jobs:           make(map[int64]*types.Job),
		assignments:    make(map[int64]*types.Assignment),
		nonces:         make(map[string]int64),
		results:        make(map[int64]*types.Result),
		accounts:       make(map[int64]*types.Account),
		accountIndex:   make(map[accountKey]int64),
	}
}

// clone copies the map and slice headers. Entry structs are shared between the
// original and the clone; tx methods replace entries instead of mutating them.
func (s *state) clone() *state {
	c := &state{
		users:          make(map[int64]*types.User, len(s.users)),
		apiKeys:        make(map[int64]*types.APIKey, len(s.apiKeys)),
		workers:        make(map[int64]*types.Worker, len(s.workers)),
		workerSettings: make(map[int64]*types.WorkerSettings, len(s.workerSettings)),
		heartbeats:     append([]*types.WorkerHeartbeat(nil), s.heartbeats...),
		jobs:           make(map[int64]*types.Job, len(s.jobs)),
		assignments:    make(map[int64]*types.Assignment, len(s.assignments)),
		nonces:         make(map[string]int64, len(s.nonces)),
		results:        make(map[int64]*types.Result, len(s.results)),
		accounts:       make(map[int64]*types.Account, len(s.accounts)),
		accountIndex:   make(map[accountKey]int64, len(s.accountIndex)),
		ledger:         append([]*types.LedgerEntry(nil), s.ledger...),
		poolSettings:   s.poolSettings,
		pricingRules:   append([]*types.PricingRule(nil), s.pricingRules...),

		nextUser: s.nextUser, nextAPIKey: s.nextAPIKey, nextWorker: s.nextWorker,
		nextWorkerSettings: s.nextWorkerSettings, nextHeartbeat: s.nextHeartbeat,
		nextJob: s.nextJob, nextAssignment: s.nextAssignment, nextResult: s.nextResult,
		nextAccount: s.nextAccount, nextLedger: s.nextLedger, nextPricingRule: s.nextPricingRule,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.apiKeys {
		c.apiKeys[k] = v
	}
	for k, v := range s.workers {
		c.workers[k] = v
	}
	for k, v := range s.workerSettings {
		c.workerSettings[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	for k, v := range s.nonces {
		c.nonces[k] = v
	}
	for k, v := range s.results {
		c.results[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.accountIndex {
		c.accountIndex[k] = v
	}
	return c
}

// Database is the in-memory store backend.
type Database struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

// New returns an empty in-memory database.
func New() *Database {
	return &Database{state: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the timestamp source. Tests use it to pin created_at
// values; the zero behaviour is wall-clock UTC.
func (db *Database) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

// Update implements store.Store.
func (db *Database) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	next := db.state.clone()
	if err := fn(&tx{state: next, now: db.now}); err != nil {
		return err
	}
	db.state = next
	return nil
}

// View implements store.Store. The transaction runs against a discarded
// snapshot, so stray writes cannot leak.
func (db *Database) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn(&tx{state: db.state.clone(), now: db.now})
}

// Ping implements store.Store.
func (db *Database) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements store.Store.
func (db *Database) Close() error { return nil }

type tx struct {
	state *state
	now   func() time.Time
}

// ---- users ----

func (t *tx) CreateUser(u *types.User) error {
	t.state.nextUser++
	u.ID = t.state.nextUser
	if u.CreatedAt.IsZero() {
		u.CreatedAt = t.now()
	}
	t.state.users[u.ID] = cloneUser(u)
	return nil
}

func (t *tx) User(id int64) (*types.User, error) {
	u, ok := t.state.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func (t *tx) UserByAPIKeyHash(keyHash string) (*types.User, error) {
	for _, k := range t.state.apiKeys {
		if k.KeyHash == keyHash && !k.Revoked {
			return t.User(k.UserID)
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) CreateAPIKey(k *types.APIKey) error {
	t.state.nextAPIKey++
	k.ID = t.state.nextAPIKey
	c := *k
	t.state.apiKeys[k.ID] = &c
	return nil
}

// ---- workers ----

func (t *tx) CreateWorker(w *types.Worker) error {
	t.state.nextWorker++
	w.ID = t.state.nextWorker
	if w.CreatedAt.IsZero() {
		w.CreatedAt = t.now()
	}
	t.state.workers[w.ID] = cloneWorker(w)
	return nil
}

func (t *tx) Worker(id int64) (*types.Worker, error) {
	w, ok := t.state.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneWorker(w), nil
}

func (t *tx) OwnedWorker(id, ownerUserID int64) (*types.Worker, error) {
	w, ok := t.state.workers[id]
	if !ok || w.OwnerUserID != ownerUserID {
		return nil, store.ErrNotFound
	}
	return cloneWorker(w), nil
}

func (t *tx) UpdateWorker(w *types.Worker) error {
	if _, ok := t.state.workers[w.ID]; !ok {
		return store.ErrNotFound
	}
	t.state.workers[w.ID] = cloneWorker(w)
	return nil
}

func (t *tx) AllWorkers() ([]*types.Worker, error) {
	return t.workersWhere(func(*types.Worker) bool { return true }), nil
}

func (t *tx) OnlineWorkers() ([]*types.Worker, error) {
	return t.workersWhere(func(w *types.Worker) bool { return w.Status == types.WorkerOnline }), nil
}

func (t *tx) workersWhere(keep func(*types.Worker) bool) []*types.Worker {
	var out []*types.Worker
	for _, w := range t.state.workers {
		if keep(w) {
			out = append(out, cloneWorker(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *tx) CreateWorkerSettings(s *types.WorkerSettings) error {
	t.state.nextWorkerSettings++
	s.ID = t.state.nextWorkerSettings
	c := *s
	t.state.workerSettings[s.WorkerID] = &c
	return nil
}

func (t *tx) WorkerSettings(workerID int64) (*types.WorkerSettings, error) {
	s, ok := t.state.workerSettings[workerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (t *tx) AppendHeartbeat(workerID int64, at time.Time) error {
	t.state.nextHeartbeat++
	t.state.heartbeats = append(t.state.heartbeats, &types.WorkerHeartbeat{
		ID:         t.state.nextHeartbeat,
		WorkerID:   workerID,
		RecordedAt: at.UTC(),
	})
	return nil
}

func (t *tx) HeartbeatsBetween(workerID int64, from, to time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, hb := range t.state.heartbeats {
		if hb.WorkerID != workerID {
			continue
		}
		if hb.RecordedAt.Before(from) || hb.RecordedAt.After(to) {
			continue
		}
		out = append(out, hb.RecordedAt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (t *tx) LastHeartbeatBefore(workerID int64, before time.Time) (*time.Time, error) {
	var last *time.Time
	for _, hb := range t.state.heartbeats {
		if hb.WorkerID != workerID || !hb.RecordedAt.Before(before) {
			continue
		}
		at := hb.RecordedAt
		if last == nil || at.After(*last) {
			last = &at
		}
	}
	return last, nil
}

// ---- jobs ----

func (t *tx) CreateJob(j *types.Job) error {
	t.state.nextJob++
	j.ID = t.state.nextJob
	if j.CreatedAt.IsZero() {
		j.CreatedAt = t.now()
	}
	t.state.jobs[j.ID] = cloneJob(j)
	return nil
}

func (t *tx) Job(id int64) (*types.Job, error) {
	j, ok := t.state.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (t *tx) UpdateJob(j *types.Job) error {
	if _, ok := t.state.jobs[j.ID]; !ok {
		return store.ErrNotFound
	}
	t.state.jobs[j.ID] = cloneJob(j)
	return nil
}

func (t *tx) ClaimQueuedJobs(limit int) ([]*types.Job, error) {
	var out []*types.Job
	for _, j := range t.state.jobs {
		if j.Status == types.JobQueued {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) CountAssignments() (int64, error) {
	return int64(len(t.state.assignments)), nil
}

// ---- assignments ----

func (t *tx) CreateAssignment(a *types.Assignment) error {
	if _, taken := t.state.nonces[a.Nonce]; taken {
		return store.ErrConflict
	}
	t.state.nextAssignment++
	a.ID = t.state.nextAssignment
	t.state.assignments[a.ID] = cloneAssignment(a)
	t.state.nonces[a.Nonce] = a.ID
	return nil
}

func (t *tx) Assignment(id int64) (*types.Assignment, error) {
	a, ok := t.state.assignments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAssignment(a), nil
}

func (t *tx) AssignmentForUpdate(id, workerID int64) (*types.Assignment, *types.Result, error) {
	a, ok := t.state.assignments[id]
	if !ok || a.WorkerID == nil || *a.WorkerID != workerID {
		return nil, nil, store.ErrNotFound
	}
	var res *types.Result
	if r, ok := t.state.results[a.ID]; ok {
		res = cloneResult(r)
	}
	return cloneAssignment(a), res, nil
}

func (t *tx) UpdateAssignment(a *types.Assignment) error {
	if _, ok := t.state.assignments[a.ID]; !ok {
		return store.ErrNotFound
	}
	t.state.assignments[a.ID] = cloneAssignment(a)
	return nil
}

func (t *tx) OldestAssignedForWorker(workerID int64) (*types.Assignment, error) {
	var out []*types.Assignment
	for _, a := range t.state.assignments {
		if a.WorkerID != nil && *a.WorkerID == workerID && a.Status == types.AssignmentAssigned {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].ID < out[j].ID
	})
	return cloneAssignment(out[0]), nil
}

func (t *tx) ActiveAssignmentCounts() (map[int64]int, error) {
	counts := make(map[int64]int)
	for _, a := range t.state.assignments {
		if a.WorkerID == nil {
			continue
		}
		if a.Status == types.AssignmentAssigned || a.Status == types.AssignmentStarted {
			counts[*a.WorkerID]++
		}
	}
	return counts, nil
}

func (t *tx) AssignmentsForJob(jobID int64) ([]*types.Assignment, error) {
	var out []*types.Assignment
	for _, a := range t.state.assignments {
		if a.JobID == jobID {
			out = append(out, cloneAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) UnassignedAssignments(limit int) ([]*types.Assignment, error) {
	var out []*types.Assignment
	for _, a := range t.state.assignments {
		if a.WorkerID == nil && a.Status == types.AssignmentAssigned {
			out = append(out, cloneAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) PeerResult(jobID, excludeAssignmentID int64) (*types.Assignment, *types.Result, error) {
	var candidates []*types.Assignment
	for _, a := range t.state.assignments {
		if a.JobID != jobID || a.ID == excludeAssignmentID {
			continue
		}
		if _, ok := t.state.results[a.ID]; ok {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, nil, store.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	peer := candidates[0]
	return cloneAssignment(peer), cloneResult(t.state.results[peer.ID]), nil
}

// ---- results ----

func (t *tx) CreateResult(r *types.Result) error {
	if _, exists := t.state.results[r.AssignmentID]; exists {
		return store.ErrConflict
	}
	t.state.nextResult++
	r.ID = t.state.nextResult
	if r.CreatedAt.IsZero() {
		r.CreatedAt = t.now()
	}
	t.state.results[r.AssignmentID] = cloneResult(r)
	return nil
}

func (t *tx) UpdateResult(r *types.Result) error {
	if _, ok := t.state.results[r.AssignmentID]; !ok {
		return store.ErrNotFound
	}
	t.state.results[r.AssignmentID] = cloneResult(r)
	return nil
}

func (t *tx) ResultByAssignment(assignmentID int64) (*types.Result, error) {
	r, ok := t.state.results[assignmentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneResult(r), nil
}

// ---- accounting ----

func (t *tx) GetOrCreateAccount(ownerType types.OwnerType, ownerID int64, currency string) (*types.Account, error) {
	key := accountKey{ownerType, ownerID, currency}
	if id, ok := t.state.accountIndex[key]; ok {
		return t.Account(id)
	}
	t.state.nextAccount++
	acct := &types.Account{
		ID:        t.state.nextAccount,
		OwnerType: ownerType,
		OwnerID:   ownerID,
		Currency:  currency,
		Balance:   decimal.Zero,
		CreatedAt: t.now(),
	}
	t.state.accounts[acct.ID] = acct
	t.state.accountIndex[key] = acct.ID
	c := *acct
	return &c, nil
}

func (t *tx) Account(id int64) (*types.Account, error) {
	a, ok := t.state.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (t *tx) AppendLedgerEntry(e *types.LedgerEntry) error {
	acct, ok := t.state.accounts[e.AccountID]
	if !ok {
		return store.ErrNotFound
	}
	t.state.nextLedger++
	e.ID = t.state.nextLedger
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now()
	}
	t.state.ledger = append(t.state.ledger, cloneLedgerEntry(e))

	updated := *acct
	updated.Balance = acct.Balance.Add(e.Amount)
	t.state.accounts[acct.ID] = &updated
	return nil
}

func (t *tx) HasLedgerEntry(assignmentID int64, entryType string) (bool, error) {
	for _, e := range t.state.ledger {
		if e.EntryType == entryType && e.AssignmentID != nil && *e.AssignmentID == assignmentID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) SumLedgerAmounts(entryType string, since time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range t.state.ledger {
		if e.EntryType == entryType && !e.CreatedAt.Before(since) {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

func (t *tx) LedgerEntriesForAssignment(assignmentID int64) ([]*types.LedgerEntry, error) {
	var out []*types.LedgerEntry
	for _, e := range t.state.ledger {
		if e.AssignmentID != nil && *e.AssignmentID == assignmentID {
			out = append(out, cloneLedgerEntry(e))
		}
	}
	return out, nil
}

func (t *tx) CountAccounts() (int64, error) {
	return int64(len(t.state.accounts)), nil
}

func (t *tx) CountLedgerEntries() (int64, error) {
	return int64(len(t.state.ledger)), nil
}

func (t *tx) SumLedgerExcluding(entryType string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range t.state.ledger {
		if e.EntryType != entryType {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

// ---- pool policy ----

func (t *tx) PoolSettings() (*types.PoolSettings, error) {
	if t.state.poolSettings == nil {
		return nil, store.ErrNotFound
	}
	c := *t.state.poolSettings
	return &c, nil
}

func (t *tx) SavePoolSettings(s *types.PoolSettings) error {
	c := *s
	c.ID = types.PoolSettingsID
	t.state.poolSettings = &c
	return nil
}

func (t *tx) ActivePricingRule(jobType types.JobType) (*types.PricingRule, error) {
	var matches []*types.PricingRule
	for _, r := range t.state.pricingRules {
		if r.JobType == jobType && r.IsActive {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].EffectiveFrom.Equal(matches[j].EffectiveFrom) {
			return matches[i].EffectiveFrom.After(matches[j].EffectiveFrom)
		}
		return matches[i].ID > matches[j].ID
	})
	c := *matches[0]
	return &c, nil
}

func (t *tx) CreatePricingRule(r *types.PricingRule) error {
	t.state.nextPricingRule++
	r.ID = t.state.nextPricingRule
	c := *r
	t.state.pricingRules = append(t.state.pricingRules, &c)
	return nil
}

// ---- clone helpers ----

func cloneUser(u *types.User) *types.User {
	c := *u
	return &c
}

func cloneWorker(w *types.Worker) *types.Worker {
	c := *w
	c.Specs = w.Specs.Clone()
	if w.LastSeenAt != nil {
		at := *w.LastSeenAt
		c.LastSeenAt = &at
	}
	return &c
}

func cloneJob(j *types.Job) *types.Job {
	c := *j
	c.Payload = j.Payload.Clone()
	if j.CreatedByUserID != nil {
		id := *j.CreatedByUserID
		c.CreatedByUserID = &id
	}
	if j.CanonicalExpectedHash != nil {
		h := *j.CanonicalExpectedHash
		c.CanonicalExpectedHash = &h
	}
	return &c
}

func cloneAssignment(a *types.Assignment) *types.Assignment {
	c := *a
	if a.WorkerID != nil {
		id := *a.WorkerID
		c.WorkerID = &id
	}
	if a.StartedAt != nil {
		at := *a.StartedAt
		c.StartedAt = &at
	}
	if a.FinishedAt != nil {
		at := *a.FinishedAt
		c.FinishedAt = &at
	}
	if a.Cost != nil {
		cost := *a.Cost
		c.Cost = &cost
	}
	return &c
}

func cloneResult(r *types.Result) *types.Result {
	c := *r
	c.Output = r.Output.Clone()
	c.Metrics = r.Metrics.Clone()
	c.ErrorMessage = cloneString(r.ErrorMessage)
	c.ArtifactURI = cloneString(r.ArtifactURI)
	c.OutputHash = cloneString(r.OutputHash)
	c.Signature = cloneString(r.Signature)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneLedgerEntry(e *types.LedgerEntry) *types.LedgerEntry {
	c := *e
	c.Details = e.Details.Clone()
	if e.JobID != nil {
		id := *e.JobID
		c.JobID = &id
	}
	if e.AssignmentID != nil {
		id := *e.AssignmentID
		c.AssignmentID = &id
	}
	return &c
}
