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

// Package finance settles verified jobs into the double-entry token ledger and
// runs the daily emission rewards. Every posting happens inside the caller's
// transaction; the three entries for one verified assignment always sum to
// zero.
package finance

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openmesh-pool/coordinator/core/types"
	"github.com/openmesh-pool/coordinator/crypto"
	"github.com/openmesh-pool/coordinator/store"
)

// tokenScale is the fixed-point scale of every stored amount.
const tokenScale = 8

var bps10000 = decimal.NewFromInt(10_000)

// EstimatePayloadUnits prices a payload by its canonical JSON size: one unit
// per started kilochar, minimum one.
func EstimatePayloadUnits(payload types.JSONMap) int {
	b, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return 1
	}
	units := (len(b) + 999) / 1000
	if units < 1 {
		units = 1
	}
	return units
}

// Accountant posts ledger entries for verified jobs.
type Accountant struct {
	log zerolog.Logger
}

// NewAccountant creates an accountant.
func NewAccountant(logger zerolog.Logger) *Accountant {
	return &Accountant{log: logger.With().Str("component", "accounting").Logger()}
}

// ApplyVerificationAccounting settles one verified submission: client debit,
// pool fee credit, worker-owner reward credit. It is a no-op unless the result
// is verified, the assignment and job are alive, the job still has a creator
// and no job_charge entry exists yet. A missing pricing rule skips accounting
// silently; that is policy, not an error.
func (a *Accountant) ApplyVerificationAccounting(tx store.Tx, job *types.Job, assignment *types.Assignment, result *types.Result) error {
	if result.VerificationStatus != types.VerificationVerified {
		return nil
	}
	if assignment.WorkerID == nil || job.CreatedByUserID == nil {
		return nil
	}
	if assignment.Status == types.AssignmentFailed || assignment.Status == types.AssignmentCanceled {
		return nil
	}
	if job.Status == types.JobFailed || job.Status == types.JobCanceled {
		return nil
	}
	charged, err := tx.HasLedgerEntry(assignment.ID, types.EntryJobCharge)
	if err != nil {
		return err
	}
	if charged {
		return nil
	}

	worker, err := tx.Worker(*assignment.WorkerID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	rule, err := tx.ActivePricingRule(job.JobType)
	if err == store.ErrNotFound {
		a.log.Debug().Int64("job", job.ID).Str("job_type", string(job.JobType)).Msg("no active pricing rule, skipping accounting")
		return nil
	}
	if err != nil {
		return err
	}

	settings, err := tx.PoolSettings()
	poolFeeBps := 0
	if err == nil {
		poolFeeBps = settings.PoolFeeBps
	} else if err != store.ErrNotFound {
		return err
	}

	units := EstimatePayloadUnits(job.Payload)
	cost := decimal.NewFromInt(int64(units)).Mul(rule.UnitCostTokens).Round(tokenScale)
	if cost.LessThan(rule.MinimumCharge) {
		cost = rule.MinimumCharge.Round(tokenScale)
	}
	poolFee := cost.Mul(decimal.NewFromInt(int64(poolFeeBps))).Div(bps10000).Round(tokenScale)
	workerReward := cost.Sub(poolFee)

	clientAccount, err := tx.GetOrCreateAccount(types.OwnerUser, *job.CreatedByUserID, types.TokenCurrency)
	if err != nil {
		return err
	}
	poolAccount, err := tx.GetOrCreateAccount(types.OwnerSystem, types.PoolAccountOwnerID, types.TokenCurrency)
	if err != nil {
		return err
	}
	ownerAccount, err := tx.GetOrCreateAccount(types.OwnerUser, worker.OwnerUserID, types.TokenCurrency)
	if err != nil {
		return err
	}

	details := types.JSONMap{
		"units":            float64(units),
		"unit_cost_tokens": rule.UnitCostTokens.String(),
		"pool_fee_bps":     float64(poolFeeBps),
		"cost":             cost.String(),
	}
	postings := []struct {
		account *types.Account
		amount  decimal.Decimal
		entry   string
	}{
		{clientAccount, cost.Neg(), types.EntryJobCharge},
		{poolAccount, poolFee, types.EntryPoolFee},
		{ownerAccount, workerReward, types.EntryWorkerReward},
	}
	for _, p := range postings {
		jobID, assignmentID := job.ID, assignment.ID
		if err := tx.AppendLedgerEntry(&types.LedgerEntry{
			AccountID:    p.account.ID,
			JobID:        &jobID,
			AssignmentID: &assignmentID,
			Amount:       p.amount,
			EntryType:    p.entry,
			Details:      details,
		}); err != nil {
			return err
		}
	}

	assignment.Cost = &cost
	if err := tx.UpdateAssignment(assignment); err != nil {
		return err
	}
	a.log.Info().Int64("job", job.ID).Int64("assignment", assignment.ID).Str("cost", cost.String()).Msg("job settled")
	return nil
}

// RecordInterpoolFee writes the zero-amount audit entry the P2P adapter uses to
// trace cross-pool forwarding. It never moves balances.
func RecordInterpoolFee(tx store.Tx, jobID *int64, peerID, direction string, details types.JSONMap) error {
	poolAccount, err := tx.GetOrCreateAccount(types.OwnerSystem, types.PoolAccountOwnerID, types.TokenCurrency)
	if err != nil {
		return err
	}
	payload := types.JSONMap{"peer_id": peerID, "direction": direction}
	for k, v := range details {
		payload[k] = v
	}
	return tx.AppendLedgerEntry(&types.LedgerEntry{
		AccountID: poolAccount.ID,
		JobID:     jobID,
		Amount:    decimal.Zero,
		EntryType: types.EntryInterpoolFee,
		Details:   payload,
	})
}

// Summary is the finance rollup served to admin reporting.
type Summary struct {
	TotalAccounts     int64           `json:"total_accounts"`
	TotalLedgerEntries int64          `json:"total_ledger_entries"`
	TotalVolumeTokens decimal.Decimal `json:"total_volume_tokens"`
	PoolBalanceTokens decimal.Decimal `json:"pool_balance_tokens"`
}

// Rollup computes the finance summary. Volume excludes the negative client
// charges so it reflects tokens distributed, not churn.
func Rollup(tx store.Tx) (Summary, error) {
	accounts, err := tx.CountAccounts()
	if err != nil {
		return Summary{}, err
	}
	entries, err := tx.CountLedgerEntries()
	if err != nil {
		return Summary{}, err
	}
	volume, err := tx.SumLedgerExcluding(types.EntryJobCharge)
	if err != nil {
		return Summary{}, err
	}
	poolBalance := decimal.Zero
	if pool, err := tx.GetOrCreateAccount(types.OwnerSystem, types.PoolAccountOwnerID, types.TokenCurrency); err == nil {
		poolBalance = pool.Balance
	} else {
		return Summary{}, err
	}
	return Summary{
		TotalAccounts:      accounts,
		TotalLedgerEntries: entries,
		TotalVolumeTokens:  volume,
		PoolBalanceTokens:  poolBalance,
	}, nil
}
