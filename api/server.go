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

// Package api is the coordinator's protocol surface: worker heartbeat, poll and
// submit, plus the gateway's internal job-creation entry point. Authentication
// is a bearer API key resolved to a user; submissions are signed Ed25519 and
// rate limited per worker.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/openmesh-pool/coordinator/core/finance"
	"github.com/openmesh-pool/coordinator/core/verify"
	"github.com/openmesh-pool/coordinator/store"
)

// Submit rate limit: 60 submissions per worker per minute.
const (
	SubmitRateLimit  = 60
	SubmitRateWindow = time.Minute
)

// Server hosts the coordinator HTTP handlers.
type Server struct {
	db         store.Store
	log        zerolog.Logger
	verifier   *verify.Verifier
	accountant *finance.Accountant
	limiter    *SlidingWindowLimiter
	router     *mux.Router
	now        func() time.Time
}

// NewServer wires the protocol surface against the given store.
func NewServer(db store.Store, logger zerolog.Logger) *Server {
	s := &Server{
		db:         db,
		log:        logger.With().Str("component", "api").Logger(),
		verifier:   verify.New(logger),
		accountant: finance.NewAccountant(logger),
		limiter:    NewSlidingWindowLimiter(SubmitRateLimit, SubmitRateWindow),
		router:     mux.NewRouter(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/internal/jobs/create", s.handleInternalJobCreate).Methods(http.MethodPost)

	authed := s.router.NewRoute().Subrouter()
	authed.Use(s.withAuth)
	authed.HandleFunc("/workers/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/poll", s.handlePoll).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/submit", s.handleSubmit).Methods(http.MethodPost)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
