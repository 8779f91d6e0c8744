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

// Package scheduler owns the coordinator's two background loops: the dispatch
// tick and the once-a-day emission run. Both share one quit signal; Stop blocks
// until both have exited, and in-flight transactions complete or roll back
// rather than being killed.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/openmesh-pool/coordinator/core/dispatch"
	"github.com/openmesh-pool/coordinator/core/finance"
	"github.com/openmesh-pool/coordinator/store"
)

// DefaultDispatchInterval is the dispatch tick period.
const DefaultDispatchInterval = 2 * time.Second

// emissionWakeInterval is how often the emission loop checks its daily gate.
const emissionWakeInterval = 60 * time.Second

// DefaultEmissionAt is the default daily emission gate, UTC.
const DefaultEmissionAt = "00:10"

// Config tunes the background loops.
type Config struct {
	DispatchInterval time.Duration
	EmissionAt       string // "HH:MM", UTC
}

// Scheduler drives the dispatcher and the emitter.
type Scheduler struct {
	db       store.Store
	log      zerolog.Logger
	disp     *dispatch.Dispatcher
	emitter  *finance.Emitter
	interval time.Duration
	gate     cron.Schedule
	now      func() time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a scheduler. The emission gate is parsed as a standard cron
// schedule firing once per day at the configured UTC time.
func New(db store.Store, logger zerolog.Logger, cfg Config) (*Scheduler, error) {
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = DefaultDispatchInterval
	}
	if cfg.EmissionAt == "" {
		cfg.EmissionAt = DefaultEmissionAt
	}
	var hh, mm int
	if _, err := fmt.Sscanf(cfg.EmissionAt, "%d:%d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return nil, errors.Errorf("invalid emission time %q, want HH:MM", cfg.EmissionAt)
	}
	gate, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", mm, hh))
	if err != nil {
		return nil, errors.Wrap(err, "parsing emission schedule")
	}
	return &Scheduler{
		db:       db,
		log:      logger.With().Str("component", "scheduler").Logger(),
		disp:     dispatch.New(db, logger),
		emitter:  finance.NewEmitter(db, logger),
		interval: cfg.DispatchInterval,
		gate:     gate,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source for tests. It also pins the emitter's
// clock so both loops agree on the current day.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
	s.emitter.SetClock(now)
}

// Start launches both loops. It must be called at most once.
func (s *Scheduler) Start() {
	s.quit = make(chan struct{})
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.emissionLoop()
	s.log.Info().Dur("dispatch_interval", s.interval).Msg("scheduler started")
}

// Stop signals both loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.quit == nil {
		return
	}
	close(s.quit)
	s.wg.Wait()
	s.quit = nil
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if _, err := s.disp.Tick(context.Background()); err != nil {
				s.log.Error().Err(err).Msg("dispatch tick failed")
			}
		}
	}
}

func (s *Scheduler) emissionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(emissionWakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if err := s.maybeEmit(context.Background()); err != nil {
				s.log.Error().Err(err).Msg("emission run failed")
			}
		}
	}
}

// maybeEmit runs the emission once per UTC day, after the configured gate
// time. An instance started after a prior run sees RunCompleted and stays
// quiet for the rest of the day.
func (s *Scheduler) maybeEmit(ctx context.Context) error {
	now := s.now()
	dayStart := now.Truncate(24 * time.Hour)
	gateAt := s.gate.Next(dayStart.Add(-time.Second))
	if now.Before(gateAt) {
		return nil
	}

	var done bool
	err := s.db.View(ctx, func(tx store.Tx) error {
		status, err := finance.Status(tx, now)
		if err != nil {
			return err
		}
		done = status.RunCompleted
		return nil
	})
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	_, err = s.emitter.Run(ctx)
	return err
}
