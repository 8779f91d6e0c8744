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

package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenCurrency is the internal token currency used across all accounts.
const TokenCurrency = "TOK"

// PoolAccountOwnerID is the fixed owner id of the system pool account.
const PoolAccountOwnerID = 1

// OwnerType identifies what kind of principal owns an account.
type OwnerType string

const (
	OwnerUser   OwnerType = "user"
	OwnerWorker OwnerType = "worker"
	OwnerSystem OwnerType = "system"
)

// Ledger entry type tags. The three job entries for one verified assignment
// always sum to zero.
const (
	EntryJobCharge     = "job_charge"
	EntryPoolFee       = "pool_fee"
	EntryWorkerReward  = "worker_reward"
	EntryDailyEmission = "daily_emission"
	EntryInterpoolFee  = "interpool_fee"
)

// Account holds a running TOK balance for one (owner_type, owner_id, currency)
// tuple. The balance equals the sum of the account's ledger entries at all
// times; it may go negative, admission control is not this layer's concern.
type Account struct {
	ID        int64           `json:"id"`
	OwnerType OwnerType       `json:"owner_type"`
	OwnerID   int64           `json:"owner_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// LedgerEntry is one signed posting against an account.
type LedgerEntry struct {
	ID           int64           `json:"id"`
	AccountID    int64           `json:"account_id"`
	JobID        *int64          `json:"job_id,omitempty"`
	AssignmentID *int64          `json:"assignment_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	EntryType    string          `json:"entry_type"`
	Details      JSONMap         `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
