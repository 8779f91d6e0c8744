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

package finance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmesh-pool/coordinator/core/types"
	"github.com/openmesh-pool/coordinator/store"
	"github.com/openmesh-pool/coordinator/store/memorydb"
)

type settleFixture struct {
	db           *memorydb.Database
	clientID     int64
	ownerID      int64
	workerID     int64
	jobID        int64
	assignmentID int64
}

// newSettleFixture builds a verified-submission scene: a client-created job
// assigned to a worker, a pricing rule of 50 tokens/unit, a 1000 bps pool fee
// and a payload whose canonical form is 1500 chars (2 units).
func newSettleFixture(t *testing.T) *settleFixture {
	t.Helper()
	f := &settleFixture{db: memorydb.New()}
	ctx := context.Background()

	require.NoError(t, f.db.Update(ctx, func(tx store.Tx) error {
		client := &types.User{Email: "client@example.com", Role: types.RoleClient, IsActive: true}
		require.NoError(t, tx.CreateUser(client))
		f.clientID = client.ID
		owner := &types.User{Email: "owner@example.com", Role: types.RoleWorkerOwner, IsActive: true}
		require.NoError(t, tx.CreateUser(owner))
		f.ownerID = owner.ID

		w := &types.Worker{OwnerUserID: owner.ID, Name: "w", Status: types.WorkerOnline}
		require.NoError(t, tx.CreateWorker(w))
		f.workerID = w.ID

		settings := types.DefaultPoolSettings()
		settings.PoolFeeBps = 1000
		require.NoError(t, tx.SavePoolSettings(settings))

		require.NoError(t, tx.CreatePricingRule(&types.PricingRule{
			Name:           "embedding-v1",
			JobType:        types.JobEmbedding,
			UnitCostTokens: decimal.NewFromInt(50),
			MinimumCharge:  decimal.Zero,
			IsActive:       true,
			EffectiveFrom:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}))

		// {"data":"xxx…"} serialises to exactly 1491 chars: 2 units.
		job := &types.Job{
			CreatedByUserID: &f.clientID,
			JobType:         types.JobEmbedding,
			Status:          types.JobRunning,
			Payload:         types.JSONMap{"data": strings.Repeat("x", 1480)},
		}
		require.NoError(t, tx.CreateJob(job))
		f.jobID = job.ID

		a := &types.Assignment{JobID: job.ID, WorkerID: &f.workerID, Status: types.AssignmentCompleted, Nonce: "n1"}
		require.NoError(t, tx.CreateAssignment(a))
		f.assignmentID = a.ID
		return nil
	}))
	return f
}

func (f *settleFixture) settle(t *testing.T, a *Accountant, status types.VerificationStatus) {
	t.Helper()
	require.NoError(t, f.db.Update(context.Background(), func(tx store.Tx) error {
		job, err := tx.Job(f.jobID)
		require.NoError(t, err)
		assignment, err := tx.Assignment(f.assignmentID)
		require.NoError(t, err)
		result := &types.Result{AssignmentID: f.assignmentID, VerificationStatus: status}
		return a.ApplyVerificationAccounting(tx, job, assignment, result)
	}))
}

func (f *settleFixture) balance(t *testing.T, ownerType types.OwnerType, ownerID int64) decimal.Decimal {
	t.Helper()
	var balance decimal.Decimal
	require.NoError(t, f.db.Update(context.Background(), func(tx store.Tx) error {
		acct, err := tx.GetOrCreateAccount(ownerType, ownerID, types.TokenCurrency)
		if err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	}))
	return balance
}

func TestSettlementPostsBalancedEntries(t *testing.T) {
	f := newSettleFixture(t)
	acct := NewAccountant(zerolog.Nop())

	f.settle(t, acct, types.VerificationVerified)

	require.NoError(t, f.db.View(context.Background(), func(tx store.Tx) error {
		entries, err := tx.LedgerEntriesForAssignment(f.assignmentID)
		require.NoError(t, err)
		require.Len(t, entries, 3)

		sum := decimal.Zero
		byType := map[string]decimal.Decimal{}
		for _, e := range entries {
			sum = sum.Add(e.Amount)
			byType[e.EntryType] = e.Amount
		}
		assert.True(t, sum.IsZero(), "entries must sum to zero, got %s", sum)
		assert.True(t, byType[types.EntryJobCharge].Equal(decimal.NewFromInt(-100)))
		assert.True(t, byType[types.EntryPoolFee].Equal(decimal.NewFromInt(10)))
		assert.True(t, byType[types.EntryWorkerReward].Equal(decimal.NewFromInt(90)))

		a, err := tx.Assignment(f.assignmentID)
		require.NoError(t, err)
		require.NotNil(t, a.Cost)
		assert.True(t, a.Cost.Equal(decimal.NewFromInt(100)))
		return nil
	}))

	assert.True(t, f.balance(t, types.OwnerUser, f.clientID).Equal(decimal.NewFromInt(-100)))
	assert.True(t, f.balance(t, types.OwnerSystem, types.PoolAccountOwnerID).Equal(decimal.NewFromInt(10)))
	assert.True(t, f.balance(t, types.OwnerUser, f.ownerID).Equal(decimal.NewFromInt(90)))
}

func TestSettlementIsIdempotent(t *testing.T) {
	f := newSettleFixture(t)
	acct := NewAccountant(zerolog.Nop())

	f.settle(t, acct, types.VerificationVerified)
	f.settle(t, acct, types.VerificationVerified)

	require.NoError(t, f.db.View(context.Background(), func(tx store.Tx) error {
		entries, err := tx.LedgerEntriesForAssignment(f.assignmentID)
		require.NoError(t, err)
		assert.Len(t, entries, 3)
		return nil
	}))
	assert.True(t, f.balance(t, types.OwnerUser, f.clientID).Equal(decimal.NewFromInt(-100)))
}

func TestSettlementSkipsUnverified(t *testing.T) {
	f := newSettleFixture(t)
	acct := NewAccountant(zerolog.Nop())

	for _, status := range []types.VerificationStatus{
		types.VerificationPending, types.VerificationDisputed, types.VerificationRejected,
	} {
		f.settle(t, acct, status)
	}

	require.NoError(t, f.db.View(context.Background(), func(tx store.Tx) error {
		n, err := tx.CountLedgerEntries()
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func TestSettlementSkipsWithoutPricingRule(t *testing.T) {
	f := newSettleFixture(t)
	acct := NewAccountant(zerolog.Nop())

	// Point the job at a type with no pricing rule: accounting is a silent
	// no-op.
	require.NoError(t, f.db.Update(context.Background(), func(tx store.Tx) error {
		job, err := tx.Job(f.jobID)
		require.NoError(t, err)
		job.JobType = types.JobInference
		return tx.UpdateJob(job)
	}))

	f.settle(t, acct, types.VerificationVerified)

	require.NoError(t, f.db.View(context.Background(), func(tx store.Tx) error {
		n, err := tx.CountLedgerEntries()
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func TestSettlementMinimumCharge(t *testing.T) {
	f := newSettleFixture(t)
	acct := NewAccountant(zerolog.Nop())

	require.NoError(t, f.db.Update(context.Background(), func(tx store.Tx) error {
		require.NoError(t, tx.CreatePricingRule(&types.PricingRule{
			Name:           "embedding-v2",
			JobType:        types.JobEmbedding,
			UnitCostTokens: decimal.NewFromInt(1),
			MinimumCharge:  decimal.NewFromInt(25),
			IsActive:       true,
			EffectiveFrom:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		}))
		return nil
	}))

	f.settle(t, acct, types.VerificationVerified)

	// 2 units x 1 token = 2, floored to the 25 token minimum.
	assert.True(t, f.balance(t, types.OwnerUser, f.clientID).Equal(decimal.NewFromInt(-25)))
}

func TestEstimatePayloadUnits(t *testing.T) {
	assert.Equal(t, 1, EstimatePayloadUnits(nil))
	assert.Equal(t, 1, EstimatePayloadUnits(types.JSONMap{}))
	assert.Equal(t, 1, EstimatePayloadUnits(types.JSONMap{"data": strings.Repeat("x", 100)}))
	assert.Equal(t, 2, EstimatePayloadUnits(types.JSONMap{"data": strings.Repeat("x", 1480)}))

	// Exactly 1000 canonical chars stays a single unit.
	payload := types.JSONMap{"data": strings.Repeat("x", 1000-11)}
	assert.Equal(t, 1, EstimatePayloadUnits(payload))
}

func TestRecordInterpoolFee(t *testing.T) {
	db := memorydb.New()
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		jobID := int64(3)
		require.NoError(t, RecordInterpoolFee(tx, &jobID, "peer-1", "outbound", types.JSONMap{"hops": 1.0}))

		pool, err := tx.GetOrCreateAccount(types.OwnerSystem, types.PoolAccountOwnerID, types.TokenCurrency)
		require.NoError(t, err)
		assert.True(t, pool.Balance.IsZero(), "interpool fees never move balances")

		n, err := tx.CountLedgerEntries()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	}))
}

func TestRollup(t *testing.T) {
	f := newSettleFixture(t)
	acct := NewAccountant(zerolog.Nop())
	f.settle(t, acct, types.VerificationVerified)

	require.NoError(t, f.db.Update(context.Background(), func(tx store.Tx) error {
		summary, err := Rollup(tx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), summary.TotalAccounts)
		assert.Equal(t, int64(3), summary.TotalLedgerEntries)
		// Volume excludes the client debit: 10 + 90.
		assert.True(t, summary.TotalVolumeTokens.Equal(decimal.NewFromInt(100)))
		assert.True(t, summary.PoolBalanceTokens.Equal(decimal.NewFromInt(10)))
		return nil
	}))
}
