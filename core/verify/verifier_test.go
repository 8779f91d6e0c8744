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

package verify

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

func seedSettings(t *testing.T, db *memorydb.Database, mutate func(*types.PoolSettings)) {
	t.Helper()
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		s := types.DefaultPoolSettings()
		if mutate != nil {
			mutate(s)
		}
		return tx.SavePoolSettings(s)
	}))
}

func seedWorker(t *testing.T, db *memorydb.Database, reputation float64) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		w := &types.Worker{
			OwnerUserID: 1,
			Name:        "w",
			Status:      types.WorkerOnline,
			Specs:       types.JSONMap{types.SpecReputation: reputation},
		}
		if err := tx.CreateWorker(w); err != nil {
			return err
		}
		id = w.ID
		return nil
	}))
	return id
}

// submit creates the assignment's result row and runs verification on it, the
// way the protocol surface does inside one transaction.
func submit(t *testing.T, db *memorydb.Database, v *Verifier, jobID, workerID int64, nonce string, output types.JSONMap, outputHash *string) types.VerificationStatus {
	t.Helper()
	var status types.VerificationStatus
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		a := &types.Assignment{JobID: jobID, WorkerID: &workerID, Status: types.AssignmentAssigned, Nonce: nonce}
		if err := tx.CreateAssignment(a); err != nil {
			return err
		}
		a.Status = types.AssignmentCompleted
		if err := tx.UpdateAssignment(a); err != nil {
			return err
		}
		r := &types.Result{
			AssignmentID:       a.ID,
			Output:             output,
			OutputHash:         outputHash,
			VerificationStatus: types.VerificationPending,
		}
		if err := tx.CreateResult(r); err != nil {
			return err
		}
		job, err := tx.Job(jobID)
		if err != nil {
			return err
		}
		status, err = v.ProcessSubmission(tx, job, a, r)
		return err
	}))
	return status
}

func createJob(t *testing.T, db *memorydb.Database, expectedHash *string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		j := &types.Job{
			JobType:               types.JobEmbedding,
			Status:                types.JobRunning,
			CanonicalExpectedHash: expectedHash,
		}
		if err := tx.CreateJob(j); err != nil {
			return err
		}
		id = j.ID
		return nil
	}))
	return id
}

func workerState(t *testing.T, db *memorydb.Database, id int64) *types.Worker {
	t.Helper()
	var w *types.Worker
	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		var err error
		w, err = tx.Worker(id)
		return err
	}))
	return w
}

func TestCrossVerifySimilarOutputs(t *testing.T) {
	db := memorydb.New()
	v := New(zerolog.Nop())
	seedSettings(t, db, nil)

	w1 := seedWorker(t, db, 0.5)
	w2 := seedWorker(t, db, 0.5)
	jobID := createJob(t, db, nil)

	status := submit(t, db, v, jobID, w1, "n1", types.JSONMap{"embedding": []any{1.0, 0.0}}, nil)
	assert.Equal(t, types.VerificationPending, status)

	status = submit(t, db, v, jobID, w2, "n2", types.JSONMap{"embedding": []any{0.999, 0.001}}, nil)
	assert.Equal(t, types.VerificationVerified, status)

	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		for _, assignmentID := range []int64{1, 2} {
			r, err := tx.ResultByAssignment(assignmentID)
			require.NoError(t, err)
			assert.Equal(t, types.VerificationVerified, r.VerificationStatus)
			assert.True(t, r.VerificationScore.IsPositive())
		}
		return nil
	}))
	assert.InDelta(t, 0.51, workerState(t, db, w1).Reputation(), 1e-9)
	assert.InDelta(t, 0.51, workerState(t, db, w2).Reputation(), 1e-9)
}

func TestCrossVerifyDisputedSchedulesThirdOpinion(t *testing.T) {
	db := memorydb.New()
	v := New(zerolog.Nop())
	seedSettings(t, db, nil)

	w1 := seedWorker(t, db, 0.5)
	w2 := seedWorker(t, db, 0.5)
	jobID := createJob(t, db, nil)

	submit(t, db, v, jobID, w1, "n1", types.JSONMap{"embedding": []any{1.0, 0.0}}, nil)
	status := submit(t, db, v, jobID, w2, "n2", types.JSONMap{"embedding": []any{0.0, 1.0}}, nil)
	assert.Equal(t, types.VerificationDisputed, status)

	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		for _, assignmentID := range []int64{1, 2} {
			r, err := tx.ResultByAssignment(assignmentID)
			require.NoError(t, err)
			assert.Equal(t, types.VerificationDisputed, r.VerificationStatus)
		}
		assignments, err := tx.AssignmentsForJob(jobID)
		require.NoError(t, err)
		require.Len(t, assignments, 3)
		third := assignments[2]
		assert.Nil(t, third.WorkerID)
		assert.Equal(t, types.AssignmentAssigned, third.Status)
		assert.True(t, strings.HasPrefix(third.Nonce, "audit-third-"))
		return nil
	}))

	// Reputations are untouched while the dispute is open.
	assert.InDelta(t, 0.5, workerState(t, db, w1).Reputation(), 1e-9)
}

func TestThirdOpinionNotDuplicated(t *testing.T) {
	db := memorydb.New()
	v := New(zerolog.Nop())
	seedSettings(t, db, nil)

	w1 := seedWorker(t, db, 0.5)
	w2 := seedWorker(t, db, 0.5)
	w3 := seedWorker(t, db, 0.5)
	jobID := createJob(t, db, nil)

	submit(t, db, v, jobID, w1, "n1", types.JSONMap{"embedding": []any{1.0, 0.0}}, nil)
	submit(t, db, v, jobID, w2, "n2", types.JSONMap{"embedding": []any{0.0, 1.0}}, nil)

	// A third disagreeing submission must not spawn a fourth assignment.
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		assignments, err := tx.AssignmentsForJob(jobID)
		require.NoError(t, err)
		third := assignments[2]
		third.WorkerID = &w3
		require.NoError(t, tx.UpdateAssignment(third))
		r := &types.Result{
			AssignmentID:       third.ID,
			Output:             types.JSONMap{"embedding": []any{0.5, 0.5}},
			VerificationStatus: types.VerificationPending,
		}
		require.NoError(t, tx.CreateResult(r))
		job, err := tx.Job(jobID)
		require.NoError(t, err)
		_, err = v.ProcessSubmission(tx, job, third, r)
		return err
	}))

	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		assignments, err := tx.AssignmentsForJob(jobID)
		require.NoError(t, err)
		assert.Len(t, assignments, 3)
		return nil
	}))
}

func TestCanonicalVerification(t *testing.T) {
	db := memorydb.New()
	v := New(zerolog.Nop())
	seedSettings(t, db, nil)

	w := seedWorker(t, db, 0.5)
	expected := "deadbeef"
	jobID := createJob(t, db, &expected)

	hash := "deadbeef"
	status := submit(t, db, v, jobID, w, "n1", types.JSONMap{"answer": "42"}, &hash)
	assert.Equal(t, types.VerificationVerified, status)
	assert.InDelta(t, 0.51, workerState(t, db, w).Reputation(), 1e-9)
}

func TestCanonicalFraudBan(t *testing.T) {
	db := memorydb.New()
	v := New(zerolog.Nop())
	seedSettings(t, db, func(s *types.PoolSettings) { s.FraudBanThreshold = 2 })

	w := seedWorker(t, db, 0.5)
	expected := "deadbeef"

	for i, nonce := range []string{"n1", "n2"} {
		jobID := createJob(t, db, &expected)
		wrong := "badc0de"
		status := submit(t, db, v, jobID, w, nonce, types.JSONMap{"answer": "?"}, &wrong)
		assert.Equal(t, types.VerificationRejected, status, "submission %d", i)
	}

	state := workerState(t, db, w)
	assert.Equal(t, types.WorkerBanned, state.Status)
	assert.Equal(t, 2, state.RejectedSubmissions())
	assert.InDelta(t, 0.4, state.Reputation(), 1e-9)

	// The failed assignments are terminal.
	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		a, err := tx.Assignment(1)
		require.NoError(t, err)
		assert.Equal(t, types.AssignmentFailed, a.Status)
		return nil
	}))
}

func TestSimilarityThresholdBoundary(t *testing.T) {
	// cos([3,4],[4,3]) = 24/25 = 0.96 exactly.
	db := memorydb.New()
	v := New(zerolog.Nop())
	seedSettings(t, db, func(s *types.PoolSettings) { s.EmbedSimilarityThreshold = 0.96 })

	w1 := seedWorker(t, db, 0.5)
	w2 := seedWorker(t, db, 0.5)
	jobID := createJob(t, db, nil)

	submit(t, db, v, jobID, w1, "n1", types.JSONMap{"embedding": []any{3.0, 4.0}}, nil)
	status := submit(t, db, v, jobID, w2, "n2", types.JSONMap{"embedding": []any{4.0, 3.0}}, nil)
	assert.Equal(t, types.VerificationVerified, status, "similarity equal to the threshold verifies")

	// Just above the similarity: disputed.
	db2 := memorydb.New()
	seedSettings(t, db2, func(s *types.PoolSettings) { s.EmbedSimilarityThreshold = 0.9601 })
	w3 := seedWorker(t, db2, 0.5)
	w4 := seedWorker(t, db2, 0.5)
	jobID2 := createJob(t, db2, nil)
	submit(t, db2, v, jobID2, w3, "n1", types.JSONMap{"embedding": []any{3.0, 4.0}}, nil)
	status = submit(t, db2, v, jobID2, w4, "n2", types.JSONMap{"embedding": []any{4.0, 3.0}}, nil)
	assert.Equal(t, types.VerificationDisputed, status)
}

func TestCosineSimilarity(t *testing.T) {
	sim, ok := CosineSimilarity([]float64{1, 0}, []float64{1, 0})
	require.True(t, ok)
	assert.InDelta(t, 1.0, sim, 1e-12)

	sim, ok = CosineSimilarity([]float64{1, 0}, []float64{0, 1})
	require.True(t, ok)
	assert.InDelta(t, 0.0, sim, 1e-12)

	_, ok = CosineSimilarity(nil, nil)
	assert.False(t, ok)
	_, ok = CosineSimilarity([]float64{1}, []float64{1, 2})
	assert.False(t, ok)
	_, ok = CosineSimilarity([]float64{0, 0}, []float64{1, 0})
	assert.False(t, ok)
}

func TestEmbeddingExtraction(t *testing.T) {
	vec := Embedding(types.JSONMap{"embedding": []any{1.0, 2.0, 3.0}})
	assert.Equal(t, []float64{1, 2, 3}, vec)

	assert.Nil(t, Embedding(nil))
	assert.Nil(t, Embedding(types.JSONMap{"other": 1}))
	assert.Nil(t, Embedding(types.JSONMap{"embedding": []any{1.0, "two"}}))
}

func TestShouldMarkNewJobAsAudit(t *testing.T) {
	db := memorydb.New()
	seedSettings(t, db, func(s *types.PoolSettings) {
		s.AuditIntervalJobs = 2
		s.AuditJobRateBps = 10_000
	})

	w := seedWorker(t, db, 0.5)
	jobID := createJob(t, db, nil)
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		require.NoError(t, tx.CreateAssignment(&types.Assignment{JobID: jobID, WorkerID: &w, Status: types.AssignmentAssigned, Nonce: "n1"}))
		return tx.CreateAssignment(&types.Assignment{JobID: jobID, WorkerID: &w, Status: types.AssignmentAssigned, Nonce: "n2"})
	}))

	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		mark, err := ShouldMarkNewJobAsAudit(tx)
		require.NoError(t, err)
		assert.True(t, mark, "interval boundary with full rate")
		return nil
	}))

	// Sub-unity rates never fire deterministically.
	seedSettings(t, db, func(s *types.PoolSettings) {
		s.AuditIntervalJobs = 2
		s.AuditJobRateBps = 9_999
	})
	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		mark, err := ShouldMarkNewJobAsAudit(tx)
		require.NoError(t, err)
		assert.False(t, mark)
		return nil
	}))
}
