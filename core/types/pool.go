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

// PoolSettingsID is the id of the singleton pool settings row.
const PoolSettingsID = 1

// PoolSettings is the singleton operational policy of the pool. Hot paths read
// it inside their own transaction; only operator tooling writes it.
type PoolSettings struct {
	ID int64 `json:"id"`

	PoolFeeBps               int     `json:"pool_fee_bps"` // 0..10000
	AuditIntervalJobs        int     `json:"audit_interval_jobs"`
	AuditJobRateBps          int     `json:"audit_job_rate_bps"`
	FraudBanThreshold        int     `json:"fraud_ban_threshold"`
	EmbedSimilarityThreshold float64 `json:"embed_similarity_threshold"`

	DefaultJobTimeoutSeconds int `json:"default_job_timeout_seconds"`
	AssignmentRetryLimit     int `json:"assignment_retry_limit"`
	CleanupIntervalSeconds   int `json:"cleanup_interval_seconds"`

	DailyEmissionCapTokens  decimal.Decimal `json:"daily_emission_cap_tokens"`
	DailyEmissionBaseTokens decimal.Decimal `json:"daily_emission_base_tokens"`
}

// DefaultPoolSettings returns the seed policy installed on first start.
func DefaultPoolSettings() *PoolSettings {
	return &PoolSettings{
		ID:                       PoolSettingsID,
		PoolFeeBps:               250,
		AuditIntervalJobs:        0,
		AuditJobRateBps:          0,
		FraudBanThreshold:        2,
		EmbedSimilarityThreshold: 0.985,
		DefaultJobTimeoutSeconds: 900,
		AssignmentRetryLimit:     3,
		CleanupIntervalSeconds:   300,
		DailyEmissionCapTokens:   decimal.NewFromInt(1000),
		DailyEmissionBaseTokens:  decimal.NewFromInt(24),
	}
}

// PricingRule prices one job type. The active rule for a type is the most
// recent active row by (effective_from desc, id desc).
type PricingRule struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	JobType        JobType         `json:"job_type"`
	UnitCostTokens decimal.Decimal `json:"unit_cost_tokens"`
	MinimumCharge  decimal.Decimal `json:"minimum_charge"`
	IsActive       bool            `json:"is_active"`
	EffectiveFrom  time.Time       `json:"effective_from"`
	EffectiveTo    *time.Time      `json:"effective_to,omitempty"`
}
