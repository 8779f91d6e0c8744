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

// emissionNow is mid-day so the 24h lookback stays inside one UTC day.
var emissionNow = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func newEmissionFixture(t *testing.T, capTokens, baseTokens int64) (*memorydb.Database, *Emitter) {
	t.Helper()
	db := memorydb.New()
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		s := types.DefaultPoolSettings()
		s.DailyEmissionCapTokens = decimal.NewFromInt(capTokens)
		s.DailyEmissionBaseTokens = decimal.NewFromInt(baseTokens)
		return tx.SavePoolSettings(s)
	}))
	e := NewEmitter(db, zerolog.Nop())
	e.SetClock(func() time.Time { return emissionNow })
	return db, e
}

// addEmissionWorker creates an owned worker with the given reputation and a
// heartbeat trail. timeoutSeconds drives the per-heartbeat coverage interval.
func addEmissionWorker(t *testing.T, db *memorydb.Database, ownerID int64, reputation float64, timeoutSeconds int, heartbeats ...time.Time) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		w := &types.Worker{
			OwnerUserID: ownerID,
			Name:        "w",
			Status:      types.WorkerOnline,
			Specs:       types.JSONMap{types.SpecReputation: reputation},
		}
		require.NoError(t, tx.CreateWorker(w))
		id = w.ID
		require.NoError(t, tx.CreateWorkerSettings(&types.WorkerSettings{
			WorkerID:                w.ID,
			MaxConcurrency:          1,
			HeartbeatTimeoutSeconds: timeoutSeconds,
			AcceptNewAssignments:    true,
		}))
		for _, at := range heartbeats {
			require.NoError(t, tx.AppendHeartbeat(w.ID, at))
		}
		return nil
	}))
	return id
}

func emittedToday(t *testing.T, db *memorydb.Database) decimal.Decimal {
	t.Helper()
	var sum decimal.Decimal
	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		var err error
		sum, err = tx.SumLedgerAmounts(types.EntryDailyEmission, emissionNow.Truncate(24*time.Hour))
		return err
	}))
	return sum
}

func TestEmissionScaledToCap(t *testing.T) {
	db, e := newEmissionFixture(t, 3, 24)

	// Two workers with full-day coverage and perfect reputation: raw 24 each.
	windowStart := emissionNow.Add(-24 * time.Hour)
	addEmissionWorker(t, db, 10, 1.0, 86_400, windowStart)
	addEmissionWorker(t, db, 11, 1.0, 86_400, windowStart)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.WorkersRewarded)

	assert.True(t, res.EmittedTokens.Equal(decimal.NewFromInt(3)), "emitted %s", res.EmittedTokens)
	half := decimal.NewFromFloat(1.5)
	for _, p := range res.Payouts {
		assert.True(t, p.Tokens.Equal(half), "payout %s", p.Tokens)
	}

	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		status, err := Status(tx, emissionNow)
		require.NoError(t, err)
		assert.True(t, status.RemainingTokens.IsZero())
		assert.True(t, status.RunCompleted)
		return nil
	}))
}

func TestEmissionRerunSameDayEmitsNothing(t *testing.T) {
	db, e := newEmissionFixture(t, 1000, 24)
	addEmissionWorker(t, db, 10, 1.0, 86_400, emissionNow.Add(-24*time.Hour))

	first, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.WorkersRewarded)
	require.True(t, first.EmittedTokens.Equal(decimal.NewFromInt(24)))

	// Budget remains, but the day's run already happened.
	second, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.WorkersRewarded)
	assert.True(t, second.EmittedTokens.IsZero())
	assert.True(t, emittedToday(t, db).Equal(decimal.NewFromInt(24)))
}

func TestEmissionCapExhaustedRerun(t *testing.T) {
	db, e := newEmissionFixture(t, 3, 24)
	addEmissionWorker(t, db, 10, 1.0, 86_400, emissionNow.Add(-24*time.Hour))

	_, err := e.Run(context.Background())
	require.NoError(t, err)

	second, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.WorkersRewarded)
	assert.True(t, emittedToday(t, db).Equal(decimal.NewFromInt(3)))
}

func TestEmissionPayoutFormula(t *testing.T) {
	db, e := newEmissionFixture(t, 1000, 24)

	// One heartbeat 2h before now with a 1h timeout: 1h of coverage.
	addEmissionWorker(t, db, 10, 0.5, 3600, emissionNow.Add(-2*time.Hour))

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.WorkersRewarded)

	p := res.Payouts[0]
	// uptime = 3600/86400, amount = 24 x uptime x 0.5 = 0.5
	assert.True(t, p.UptimeRatio.Equal(decimal.NewFromFloat(3600.0/86400.0).Round(8)), "uptime %s", p.UptimeRatio)
	assert.True(t, p.Tokens.Equal(decimal.NewFromFloat(0.5)), "tokens %s", p.Tokens)
}

func TestEmissionUptimeUnionNotDoubleCounted(t *testing.T) {
	db, e := newEmissionFixture(t, 1000, 24)

	// Two overlapping hours: [now-2h, now-1h] and [now-90m, now-30m] merge to
	// 90 minutes, not 120.
	addEmissionWorker(t, db, 10, 1.0, 3600,
		emissionNow.Add(-2*time.Hour),
		emissionNow.Add(-90*time.Minute))

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.WorkersRewarded)

	expected := decimal.NewFromFloat(5400.0 / 86400.0).Round(8)
	assert.True(t, res.Payouts[0].UptimeRatio.Equal(expected), "uptime %s", res.Payouts[0].UptimeRatio)
}

func TestEmissionCarryOverHeartbeat(t *testing.T) {
	db, e := newEmissionFixture(t, 1000, 24)

	// The only heartbeat is before the window but its interval reaches 30
	// minutes into it.
	addEmissionWorker(t, db, 10, 1.0, 3600,
		emissionNow.Add(-24*time.Hour).Add(-30*time.Minute))

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.WorkersRewarded)

	expected := decimal.NewFromFloat(1800.0 / 86400.0).Round(8)
	assert.True(t, res.Payouts[0].UptimeRatio.Equal(expected), "uptime %s", res.Payouts[0].UptimeRatio)
}

func TestEmissionSkipsIdleAndZeroReputation(t *testing.T) {
	db, e := newEmissionFixture(t, 1000, 24)

	// No heartbeats at all.
	addEmissionWorker(t, db, 10, 1.0, 3600)
	// Heartbeats but zero reputation.
	addEmissionWorker(t, db, 11, 0.0, 3600, emissionNow.Add(-time.Hour))

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.WorkersRewarded)
	assert.True(t, emittedToday(t, db).IsZero())
}

func TestEmissionCreditsOwnerAccount(t *testing.T) {
	db, e := newEmissionFixture(t, 1000, 24)
	addEmissionWorker(t, db, 42, 1.0, 86_400, emissionNow.Add(-24*time.Hour))

	_, err := e.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		acct, err := tx.GetOrCreateAccount(types.OwnerUser, 42, types.TokenCurrency)
		require.NoError(t, err)
		assert.True(t, acct.Balance.Equal(decimal.NewFromInt(24)), "balance %s", acct.Balance)
		return nil
	}))
}
