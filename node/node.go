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

// Package node assembles a running coordinator: store, protocol surface and
// background scheduler, started and stopped as one unit.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/openmesh-pool/coordinator/api"
	"github.com/openmesh-pool/coordinator/core/types"
	"github.com/openmesh-pool/coordinator/scheduler"
	"github.com/openmesh-pool/coordinator/store"
	"github.com/openmesh-pool/coordinator/store/memorydb"
	"github.com/openmesh-pool/coordinator/store/pgstore"
)

// MemoryDSN selects the in-process store instead of PostgreSQL.
const MemoryDSN = "memory"

const shutdownTimeout = 5 * time.Second

// Config is the fully resolved node configuration.
type Config struct {
	// DSN is either a PostgreSQL connection string or MemoryDSN.
	DSN string

	HTTPHost string
	HTTPPort int

	DispatchInterval time.Duration
	EmissionAt       string // "HH:MM" UTC
}

// Node is one coordinator instance.
type Node struct {
	cfg Config
	log zerolog.Logger

	db    store.Store
	http  *http.Server
	sched *scheduler.Scheduler
}

// New creates an unstarted node.
func New(cfg Config, logger zerolog.Logger) *Node {
	return &Node{cfg: cfg, log: logger.With().Str("component", "node").Logger()}
}

// Start opens the store, seeds the pool policy, binds the HTTP listener and
// launches the background loops. A schema bootstrap failure is fatal.
func (n *Node) Start(ctx context.Context) error {
	db, err := n.openStore(ctx)
	if err != nil {
		return err
	}
	n.db = db

	if err := n.seedPolicy(ctx); err != nil {
		n.db.Close()
		return err
	}

	sched, err := scheduler.New(n.db, n.log, scheduler.Config{
		DispatchInterval: n.cfg.DispatchInterval,
		EmissionAt:       n.cfg.EmissionAt,
	})
	if err != nil {
		n.db.Close()
		return err
	}
	n.sched = sched

	addr := net.JoinHostPort(n.cfg.HTTPHost, fmt.Sprintf("%d", n.cfg.HTTPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		n.db.Close()
		return errors.Wrapf(err, "binding %s", addr)
	}
	n.http = &http.Server{
		Handler:           api.NewServer(n.db, n.log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := n.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			n.log.Error().Err(err).Msg("http server exited")
		}
	}()

	n.sched.Start()
	n.log.Info().Str("addr", addr).Msg("coordinator started")
	return nil
}

// Stop shuts the node down in reverse start order: loops first, then the HTTP
// listener, then the store.
func (n *Node) Stop() error {
	if n.sched != nil {
		n.sched.Stop()
	}
	if n.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.http.Shutdown(ctx); err != nil {
			n.log.Warn().Err(err).Msg("http shutdown timed out")
		}
	}
	if n.db != nil {
		return n.db.Close()
	}
	return nil
}

func (n *Node) openStore(ctx context.Context) (store.Store, error) {
	if n.cfg.DSN == MemoryDSN {
		n.log.Warn().Msg("using in-memory store, data will not survive restarts")
		return memorydb.New(), nil
	}
	db, err := pgstore.Open(ctx, n.cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// seedPolicy installs the default pool settings on first start. Existing
// settings are never touched.
func (n *Node) seedPolicy(ctx context.Context) error {
	return n.db.Update(ctx, func(tx store.Tx) error {
		_, err := tx.PoolSettings()
		if err == nil {
			return nil
		}
		if err != store.ErrNotFound {
			return err
		}
		n.log.Info().Msg("seeding default pool settings")
		return tx.SavePoolSettings(types.DefaultPoolSettings())
	})
}
