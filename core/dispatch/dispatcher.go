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

// Package dispatch binds queued jobs to eligible online workers. Each tick runs
// in a single store transaction; the queued-job claim uses single-winner
// semantics so concurrent coordinator instances never double-assign a job.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openmesh-pool/coordinator/core/types"
	"github.com/openmesh-pool/coordinator/store"
)

// DefaultBatchSize caps the number of queued jobs claimed per tick.
const DefaultBatchSize = 50

// nonceRetries bounds the nonce-collision retry loop on assignment creation.
const nonceRetries = 3

// Dispatcher assigns queued jobs to workers.
type Dispatcher struct {
	db    store.Store
	log   zerolog.Logger
	batch int
}

// New creates a dispatcher claiming up to DefaultBatchSize jobs per tick.
func New(db store.Store, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		db:    db,
		log:   logger.With().Str("component", "dispatcher").Logger(),
		batch: DefaultBatchSize,
	}
}

// candidate is one online worker with its policy and current active load.
type candidate struct {
	worker   *types.Worker
	settings *types.WorkerSettings
}

// Tick runs one dispatch round and reports how many assignments were created.
// Any error aborts the whole transaction; the next tick retries.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	assigned := 0
	err := d.db.Update(ctx, func(tx store.Tx) error {
		n, err := d.dispatch(tx)
		assigned = n
		return err
	})
	if err != nil {
		return 0, err
	}
	if assigned > 0 {
		d.log.Info().Int("assigned", assigned).Msg("dispatched queued jobs")
	}
	return assigned, nil
}

func (d *Dispatcher) dispatch(tx store.Tx) (int, error) {
	workers, err := tx.OnlineWorkers()
	if err != nil {
		return 0, err
	}
	if len(workers) == 0 {
		return 0, nil
	}

	var candidates []candidate
	for _, w := range workers {
		settings, err := tx.WorkerSettings(w.ID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return 0, err
		}
		candidates = append(candidates, candidate{worker: w, settings: settings})
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	load, err := tx.ActiveAssignmentCounts()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	assigned := 0

	// Orphan rows first: third-opinion audit assignments are created with a nil
	// worker and wait here for capacity.
	orphans, err := tx.UnassignedAssignments(d.batch)
	if err != nil {
		return 0, err
	}
	for _, a := range orphans {
		job, err := tx.Job(a.JobID)
		if err != nil {
			return 0, err
		}
		exclude, err := workersOnJob(tx, a.JobID)
		if err != nil {
			return 0, err
		}
		best := selectWorker(candidates, load, job.PriceMultiplier(), exclude)
		if best == nil {
			continue
		}
		workerID := best.worker.ID
		a.WorkerID = &workerID
		a.AssignedAt = now
		if err := tx.UpdateAssignment(a); err != nil {
			return 0, err
		}
		load[workerID]++
		assigned++
	}

	jobs, err := tx.ClaimQueuedJobs(d.batch)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		best := selectWorker(candidates, load, job.PriceMultiplier(), nil)
		if best == nil {
			// No capacity or no price match; the job stays queued for the
			// next tick.
			continue
		}
		if err := d.createAssignment(tx, job, best.worker.ID, now); err != nil {
			return 0, err
		}
		job.Status = types.JobRunning
		if err := tx.UpdateJob(job); err != nil {
			return 0, err
		}
		load[best.worker.ID]++
		assigned++
	}
	return assigned, nil
}

func (d *Dispatcher) createAssignment(tx store.Tx, job *types.Job, workerID int64, now time.Time) error {
	var err error
	for i := 0; i < nonceRetries; i++ {
		a := &types.Assignment{
			JobID:      job.ID,
			WorkerID:   &workerID,
			Status:     types.AssignmentAssigned,
			Nonce:      JobNonce(job.ID),
			AssignedAt: now,
		}
		err = tx.CreateAssignment(a)
		if err != store.ErrConflict {
			return err
		}
		d.log.Warn().Int64("job", job.ID).Msg("assignment nonce collision, retrying")
	}
	return err
}

// JobNonce builds the globally unique dispatch nonce for a job: the job id plus
// 128 bits of randomness.
func JobNonce(jobID int64) string {
	u := uuid.New()
	return fmt.Sprintf("job-%d-%x", jobID, u[:])
}

// AuditNonce builds the nonce for a third-opinion audit assignment.
func AuditNonce() string {
	u := uuid.New()
	return fmt.Sprintf("audit-third-%x", u[:])
}

// selectWorker returns the best eligible candidate or nil. Eligibility: accepts
// new assignments, has spare concurrency, and its price multiplier does not
// exceed the job's. Ranking: highest reputation, then lowest latency, then
// lowest load, then lowest worker id.
func selectWorker(candidates []candidate, load map[int64]int, jobPrice float64, exclude map[int64]bool) *candidate {
	var best *candidate
	var bestLoad int
	for i := range candidates {
		c := &candidates[i]
		w := c.worker
		if exclude[w.ID] {
			continue
		}
		if !c.settings.AcceptNewAssignments {
			continue
		}
		active := load[w.ID]
		if active >= c.settings.MaxConcurrency {
			continue
		}
		if w.PriceMultiplier() > jobPrice {
			continue
		}
		if best == nil || ranksBefore(c, active, best, bestLoad) {
			best = c
			bestLoad = active
		}
	}
	return best
}

func ranksBefore(a *candidate, aLoad int, b *candidate, bLoad int) bool {
	ar, br := a.worker.Reputation(), b.worker.Reputation()
	if ar != br {
		return ar > br
	}
	al, bl := a.worker.EstimatedLatencyMS(), b.worker.EstimatedLatencyMS()
	if al != bl {
		return al < bl
	}
	if aLoad != bLoad {
		return aLoad < bLoad
	}
	return a.worker.ID < b.worker.ID
}

func workersOnJob(tx store.Tx, jobID int64) (map[int64]bool, error) {
	assignments, err := tx.AssignmentsForJob(jobID)
	if err != nil {
		return nil, err
	}
	exclude := make(map[int64]bool, len(assignments))
	for _, a := range assignments {
		if a.WorkerID != nil {
			exclude[*a.WorkerID] = true
		}
	}
	return exclude, nil
}
