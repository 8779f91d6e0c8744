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

package dispatch

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmesh-pool/coordinator/core/types"
	"github.com/openmesh-pool/coordinator/store"
	"github.com/openmesh-pool/coordinator/store/memorydb"
)

type workerFixture struct {
	name           string
	status         types.WorkerStatus
	reputation     float64
	latencyMS      float64
	price          float64
	maxConcurrency int
	accepting      bool
}

func addWorker(t *testing.T, db *memorydb.Database, f workerFixture) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		w := &types.Worker{
			OwnerUserID: 1,
			Name:        f.name,
			Status:      f.status,
			Specs: types.JSONMap{
				types.SpecReputation:         f.reputation,
				types.SpecEstimatedLatencyMS: f.latencyMS,
				types.SpecPriceMultiplier:    f.price,
			},
		}
		if err := tx.CreateWorker(w); err != nil {
			return err
		}
		id = w.ID
		return tx.CreateWorkerSettings(&types.WorkerSettings{
			WorkerID:                w.ID,
			MaxConcurrency:          f.maxConcurrency,
			HeartbeatTimeoutSeconds: 30,
			AcceptNewAssignments:    f.accepting,
		})
	}))
	return id
}

func addQueuedJob(t *testing.T, db *memorydb.Database, priority int, payload types.JSONMap) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		j := &types.Job{JobType: types.JobEmbedding, Status: types.JobQueued, Payload: payload, Priority: priority}
		if err := tx.CreateJob(j); err != nil {
			return err
		}
		id = j.ID
		return nil
	}))
	return id
}

func TestDispatchRanking(t *testing.T) {
	db := memorydb.New()
	d := New(db, zerolog.Nop())

	addWorker(t, db, workerFixture{name: "a", status: types.WorkerOnline, reputation: 0.9, latencyMS: 100, price: 1.0, maxConcurrency: 4, accepting: true})
	b := addWorker(t, db, workerFixture{name: "b", status: types.WorkerOnline, reputation: 0.9, latencyMS: 50, price: 1.0, maxConcurrency: 4, accepting: true})
	addWorker(t, db, workerFixture{name: "c", status: types.WorkerOnline, reputation: 0.95, latencyMS: 500, price: 2.0, maxConcurrency: 4, accepting: true})

	jobID := addQueuedJob(t, db, 50, types.JSONMap{types.PayloadKeyPriceMultiplier: 1.0})

	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		assignments, err := tx.AssignmentsForJob(jobID)
		require.NoError(t, err)
		require.Len(t, assignments, 1)
		a := assignments[0]

		// The cheapest eligible worker with the best latency at the rep tie.
		require.NotNil(t, a.WorkerID)
		assert.Equal(t, b, *a.WorkerID)
		assert.Equal(t, types.AssignmentAssigned, a.Status)
		assert.True(t, strings.HasPrefix(a.Nonce, "job-1-"), "nonce %q", a.Nonce)

		job, err := tx.Job(jobID)
		require.NoError(t, err)
		assert.Equal(t, types.JobRunning, job.Status)
		return nil
	}))
}

func TestDispatchSkipsIneligibleWorkers(t *testing.T) {
	db := memorydb.New()
	d := New(db, zerolog.Nop())

	// Banned, offline, not accepting, and zero capacity: nobody can take it.
	addWorker(t, db, workerFixture{name: "banned", status: types.WorkerBanned, reputation: 1.0, latencyMS: 10, price: 1.0, maxConcurrency: 4, accepting: true})
	addWorker(t, db, workerFixture{name: "offline", status: types.WorkerOffline, reputation: 1.0, latencyMS: 10, price: 1.0, maxConcurrency: 4, accepting: true})
	addWorker(t, db, workerFixture{name: "paused", status: types.WorkerOnline, reputation: 1.0, latencyMS: 10, price: 1.0, maxConcurrency: 4, accepting: false})
	full := addWorker(t, db, workerFixture{name: "full", status: types.WorkerOnline, reputation: 1.0, latencyMS: 10, price: 1.0, maxConcurrency: 1, accepting: true})

	// Saturate the only otherwise-eligible worker.
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		require.NoError(t, tx.CreateJob(&types.Job{JobType: types.JobEmbedding, Status: types.JobRunning}))
		return tx.CreateAssignment(&types.Assignment{JobID: 1, WorkerID: &full, Status: types.AssignmentStarted, Nonce: "busy"})
	}))

	jobID := addQueuedJob(t, db, 50, nil)

	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		job, err := tx.Job(jobID)
		require.NoError(t, err)
		assert.Equal(t, types.JobQueued, job.Status)
		return nil
	}))
}

func TestDispatchPriceExclusion(t *testing.T) {
	db := memorydb.New()
	d := New(db, zerolog.Nop())

	addWorker(t, db, workerFixture{name: "pricey", status: types.WorkerOnline, reputation: 1.0, latencyMS: 10, price: 3.0, maxConcurrency: 4, accepting: true})
	cheap := addWorker(t, db, workerFixture{name: "cheap", status: types.WorkerOnline, reputation: 0.1, latencyMS: 900, price: 0.5, maxConcurrency: 4, accepting: true})

	jobID := addQueuedJob(t, db, 50, types.JSONMap{types.PayloadKeyPriceMultiplier: 1.0})

	_, err := d.Tick(context.Background())
	require.NoError(t, err)

	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		assignments, err := tx.AssignmentsForJob(jobID)
		require.NoError(t, err)
		require.Len(t, assignments, 1)
		require.NotNil(t, assignments[0].WorkerID)
		assert.Equal(t, cheap, *assignments[0].WorkerID)
		return nil
	}))
}

func TestDispatchBindsOrphanAssignments(t *testing.T) {
	db := memorydb.New()
	d := New(db, zerolog.Nop())

	first := addWorker(t, db, workerFixture{name: "first", status: types.WorkerOnline, reputation: 1.0, latencyMS: 10, price: 1.0, maxConcurrency: 4, accepting: true})
	second := addWorker(t, db, workerFixture{name: "second", status: types.WorkerOnline, reputation: 1.0, latencyMS: 20, price: 1.0, maxConcurrency: 4, accepting: true})
	third := addWorker(t, db, workerFixture{name: "third", status: types.WorkerOnline, reputation: 0.2, latencyMS: 999, price: 1.0, maxConcurrency: 4, accepting: true})

	// A disputed job with two submissions and an unbound third-opinion row.
	var orphanID int64
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		require.NoError(t, tx.CreateJob(&types.Job{JobType: types.JobEmbedding, Status: types.JobRunning}))
		require.NoError(t, tx.CreateAssignment(&types.Assignment{JobID: 1, WorkerID: &first, Status: types.AssignmentCompleted, Nonce: "n1"}))
		require.NoError(t, tx.CreateAssignment(&types.Assignment{JobID: 1, WorkerID: &second, Status: types.AssignmentCompleted, Nonce: "n2"}))
		orphan := &types.Assignment{JobID: 1, Status: types.AssignmentAssigned, Nonce: AuditNonce()}
		if err := tx.CreateAssignment(orphan); err != nil {
			return err
		}
		orphanID = orphan.ID
		return nil
	}))

	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		a, err := tx.Assignment(orphanID)
		require.NoError(t, err)
		require.NotNil(t, a.WorkerID)
		// Workers already on the job are excluded even when they rank better.
		assert.Equal(t, third, *a.WorkerID)
		return nil
	}))
}

func TestNonceFormats(t *testing.T) {
	n := JobNonce(42)
	assert.True(t, strings.HasPrefix(n, "job-42-"))
	assert.Len(t, n, len("job-42-")+32) // 128 bits hex
	assert.NotEqual(t, n, JobNonce(42))

	a := AuditNonce()
	assert.True(t, strings.HasPrefix(a, "audit-third-"))
	assert.NotEqual(t, a, AuditNonce())
}
