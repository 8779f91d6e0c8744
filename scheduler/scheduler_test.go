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

package scheduler

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

func newTestScheduler(t *testing.T, emissionAt string) (*memorydb.Database, *Scheduler) {
	t.Helper()
	db := memorydb.New()
	require.NoError(t, db.Update(context.Background(), func(tx store.Tx) error {
		s := types.DefaultPoolSettings()
		s.DailyEmissionBaseTokens = decimal.NewFromInt(24)
		require.NoError(t, tx.SavePoolSettings(s))

		w := &types.Worker{
			OwnerUserID: 1, Name: "w", Status: types.WorkerOnline,
			Specs: types.JSONMap{types.SpecReputation: 1.0},
		}
		require.NoError(t, tx.CreateWorker(w))
		require.NoError(t, tx.CreateWorkerSettings(&types.WorkerSettings{
			WorkerID: w.ID, MaxConcurrency: 1, HeartbeatTimeoutSeconds: 86_400, AcceptNewAssignments: true,
		}))
		// Two heartbeats with a 24h timeout blanket any mid-day window on the
		// 20th, so a completed run pays the full base amount.
		require.NoError(t, tx.AppendHeartbeat(w.ID, time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)))
		return tx.AppendHeartbeat(w.ID, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
	}))

	sched, err := New(db, zerolog.Nop(), Config{EmissionAt: emissionAt})
	require.NoError(t, err)
	return db, sched
}

func emissionEntries(t *testing.T, db *memorydb.Database) decimal.Decimal {
	t.Helper()
	var sum decimal.Decimal
	require.NoError(t, db.View(context.Background(), func(tx store.Tx) error {
		var err error
		sum, err = tx.SumLedgerAmounts(types.EntryDailyEmission, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
		return err
	}))
	return sum
}

func TestNewRejectsBadEmissionTime(t *testing.T) {
	db := memorydb.New()
	for _, bad := range []string{"25:00", "12:61", "noon", "12"} {
		_, err := New(db, zerolog.Nop(), Config{EmissionAt: bad})
		assert.Error(t, err, bad)
	}
	_, err := New(db, zerolog.Nop(), Config{EmissionAt: "00:10"})
	assert.NoError(t, err)
}

func TestEmissionGateBeforeTime(t *testing.T) {
	db, sched := newTestScheduler(t, "12:30")
	sched.SetClock(func() time.Time { return time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC) })

	require.NoError(t, sched.maybeEmit(context.Background()))
	assert.True(t, emissionEntries(t, db).IsZero())
}

func TestEmissionGateAfterTime(t *testing.T) {
	db, sched := newTestScheduler(t, "12:30")
	sched.SetClock(func() time.Time { return time.Date(2026, 8, 20, 12, 45, 0, 0, time.UTC) })

	require.NoError(t, sched.maybeEmit(context.Background()))
	assert.True(t, emissionEntries(t, db).Equal(decimal.NewFromInt(24)), "emitted %s", emissionEntries(t, db))

	// The gate stays shut for the rest of the day.
	require.NoError(t, sched.maybeEmit(context.Background()))
	assert.True(t, emissionEntries(t, db).Equal(decimal.NewFromInt(24)))
}

func TestStartStop(t *testing.T) {
	db := memorydb.New()
	sched, err := New(db, zerolog.Nop(), Config{DispatchInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	sched.Start()
	time.Sleep(30 * time.Millisecond)
	sched.Stop()

	// Stop is idempotent.
	sched.Stop()
}
