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
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openmesh-pool/coordinator/core/types"
	"github.com/openmesh-pool/coordinator/store"
)

const secondsPerDay = 86_400

// defaultHeartbeatTimeout is assumed for workers without a settings row.
const defaultHeartbeatTimeout = 30 * time.Second

// EmissionStatus describes the current UTC day's emission budget.
type EmissionStatus struct {
	Day             time.Time       `json:"day"` // UTC midnight
	CapTokens       decimal.Decimal `json:"cap_tokens"`
	EmittedTokens   decimal.Decimal `json:"emitted_today_tokens"`
	RemainingTokens decimal.Decimal `json:"remaining_tokens"`
	RunCompleted    bool            `json:"run_completed"`
}

// Payout is one worker-owner credit produced by an emission run.
type Payout struct {
	WorkerID    int64           `json:"worker_id"`
	OwnerUserID int64           `json:"worker_owner_id"`
	UptimeRatio decimal.Decimal `json:"uptime_ratio"`
	Reputation  decimal.Decimal `json:"reputation"`
	Tokens      decimal.Decimal `json:"emission_tokens"`
}

// EmissionResult summarises one emission run.
type EmissionResult struct {
	TargetDay       time.Time       `json:"target_day"`
	CapTokens       decimal.Decimal `json:"cap_tokens"`
	EmittedTokens   decimal.Decimal `json:"emitted_tokens"`
	WorkersRewarded int             `json:"workers_rewarded"`
	Payouts         []Payout        `json:"payouts"`
}

// Emitter runs the capped daily reward distribution: each worker earns
// base x uptime x reputation, scaled down pro rata when the provisional total
// exceeds the day's remaining cap.
type Emitter struct {
	db  store.Store
	log zerolog.Logger
	now func() time.Time
}

// NewEmitter creates an emitter on wall-clock UTC time.
func NewEmitter(db store.Store, logger zerolog.Logger) *Emitter {
	return &Emitter{
		db:  db,
		log: logger.With().Str("component", "emission").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source; tests pin the emission day with it.
func (e *Emitter) SetClock(now func() time.Time) { e.now = now }

// Status reads the emission budget for the day containing now.
func Status(tx store.Tx, now time.Time) (EmissionStatus, error) {
	now = now.UTC()
	dayStart := now.Truncate(24 * time.Hour)

	capTokens := decimal.Zero
	settings, err := tx.PoolSettings()
	if err == nil {
		capTokens = settings.DailyEmissionCapTokens.Round(tokenScale)
	} else if err != store.ErrNotFound {
		return EmissionStatus{}, err
	}

	emitted, err := tx.SumLedgerAmounts(types.EntryDailyEmission, dayStart)
	if err != nil {
		return EmissionStatus{}, err
	}
	remaining := capTokens.Sub(emitted)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return EmissionStatus{
		Day:             dayStart,
		CapTokens:       capTokens,
		EmittedTokens:   emitted.Round(tokenScale),
		RemainingTokens: remaining.Round(tokenScale),
		RunCompleted:    emitted.IsPositive(),
	}, nil
}

// Run executes one emission pass in a single transaction. Reruns within the
// same UTC day emit nothing: the day's budget is already spent or the status
// reports the run complete.
func (e *Emitter) Run(ctx context.Context) (EmissionResult, error) {
	var out EmissionResult
	err := e.db.Update(ctx, func(tx store.Tx) error {
		res, err := e.run(tx, e.now())
		out = res
		return err
	})
	if err != nil {
		return EmissionResult{}, err
	}
	if out.WorkersRewarded > 0 {
		e.log.Info().Str("emitted", out.EmittedTokens.String()).Int("workers", out.WorkersRewarded).Msg("daily emission distributed")
	}
	return out, nil
}

func (e *Emitter) run(tx store.Tx, now time.Time) (EmissionResult, error) {
	now = now.UTC()
	windowStart := now.Add(-24 * time.Hour)

	status, err := Status(tx, now)
	if err != nil {
		return EmissionResult{}, err
	}
	result := EmissionResult{TargetDay: status.Day, CapTokens: status.CapTokens, EmittedTokens: decimal.Zero}
	// A completed run makes any same-day rerun a no-op, even with budget left.
	if status.RunCompleted || !status.RemainingTokens.IsPositive() {
		return result, nil
	}

	settings, err := tx.PoolSettings()
	if err == store.ErrNotFound {
		return result, nil
	}
	if err != nil {
		return EmissionResult{}, err
	}
	base := settings.DailyEmissionBaseTokens.Round(tokenScale)

	workers, err := tx.AllWorkers()
	if err != nil {
		return EmissionResult{}, err
	}

	var provisional []Payout
	for _, w := range workers {
		timeout := defaultHeartbeatTimeout
		if s, err := tx.WorkerSettings(w.ID); err == nil {
			timeout = time.Duration(s.HeartbeatTimeoutSeconds) * time.Second
		} else if err != store.ErrNotFound {
			return EmissionResult{}, err
		}

		uptime, err := uptimeRatio(tx, w.ID, timeout, windowStart, now)
		if err != nil {
			return EmissionResult{}, err
		}
		if !uptime.IsPositive() {
			continue
		}
		reputation := decimal.NewFromFloat(w.Reputation()).Round(tokenScale)
		if !reputation.IsPositive() {
			continue
		}
		amount := base.Mul(uptime).Mul(reputation).Round(tokenScale)
		if !amount.IsPositive() {
			continue
		}
		provisional = append(provisional, Payout{
			WorkerID:    w.ID,
			OwnerUserID: w.OwnerUserID,
			UptimeRatio: uptime,
			Reputation:  reputation,
			Tokens:      amount,
		})
	}

	total := decimal.Zero
	for _, p := range provisional {
		total = total.Add(p.Tokens)
	}
	if !total.IsPositive() {
		return result, nil
	}

	scale := decimal.NewFromInt(1)
	if total.GreaterThan(status.RemainingTokens) {
		scale = status.RemainingTokens.Div(total)
	}

	for _, p := range provisional {
		final := p.Tokens.Mul(scale).Round(tokenScale)
		if !final.IsPositive() {
			continue
		}
		account, err := tx.GetOrCreateAccount(types.OwnerUser, p.OwnerUserID, types.TokenCurrency)
		if err != nil {
			return EmissionResult{}, err
		}
		if err := tx.AppendLedgerEntry(&types.LedgerEntry{
			AccountID: account.ID,
			Amount:    final,
			EntryType: types.EntryDailyEmission,
			Details: types.JSONMap{
				"reason":       types.EntryDailyEmission,
				"worker_id":    float64(p.WorkerID),
				"uptime_ratio": p.UptimeRatio.String(),
				"reputation":   p.Reputation.String(),
				"day":          status.Day.Format("2006-01-02"),
				"scale_factor": scale.Round(tokenScale).String(),
			},
			CreatedAt: now,
		}); err != nil {
			return EmissionResult{}, err
		}
		p.Tokens = final
		result.Payouts = append(result.Payouts, p)
		result.EmittedTokens = result.EmittedTokens.Add(final)
	}
	result.WorkersRewarded = len(result.Payouts)
	result.EmittedTokens = result.EmittedTokens.Round(tokenScale)
	return result, nil
}

// uptimeRatio integrates the union of [heartbeat, heartbeat+timeout] intervals
// clipped to the window, including the most recent heartbeat before the window
// for carry-over, and normalises by 24h. Overlapping intervals are merged, not
// double counted.
func uptimeRatio(tx store.Tx, workerID int64, timeout time.Duration, windowStart, windowEnd time.Time) (decimal.Decimal, error) {
	if timeout <= 0 || !windowEnd.After(windowStart) {
		return decimal.Zero, nil
	}
	points, err := tx.HeartbeatsBetween(workerID, windowStart, windowEnd)
	if err != nil {
		return decimal.Zero, err
	}
	prev, err := tx.LastHeartbeatBefore(workerID, windowStart)
	if err != nil {
		return decimal.Zero, err
	}
	if prev != nil {
		points = append([]time.Time{*prev}, points...)
	}
	if len(points) == 0 {
		return decimal.Zero, nil
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })

	covered := time.Duration(0)
	cursor := windowStart // everything before the cursor is already counted
	for _, at := range points {
		start := maxTime(at, cursor)
		end := minTime(at.Add(timeout), windowEnd)
		if end.After(start) {
			covered += end.Sub(start)
			cursor = end
		}
	}

	ratio := decimal.NewFromFloat(covered.Seconds() / secondsPerDay).Round(tokenScale)
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	if ratio.IsNegative() {
		ratio = decimal.Zero
	}
	return ratio, nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
