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

package api

import (
	"net/http"
	"time"

	"github.com/openmesh-pool/coordinator/core/finance"
	"github.com/openmesh-pool/coordinator/core/types"
	"github.com/openmesh-pool/coordinator/core/verify"
	"github.com/openmesh-pool/coordinator/crypto"
	"github.com/openmesh-pool/coordinator/store"
)

// Wire limits for submissions.
const (
	maxNonceLen        = 128
	maxSignatureLen    = 512
	maxErrorMessageLen = 2000
	maxArtifactURILen  = 2048
	maxOutputHashLen   = 128
	maxSerializedChars = 200_000
	maxMetricsKeys     = 64
)

type heartbeatRequest struct {
	WorkerID int64 `json:"worker_id"`
}

type heartbeatResponse struct {
	WorkerID   int64     `json:"worker_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	user, err := requireRole(r.Context(), types.RoleWorkerOwner)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}

	now := s.now()
	err = s.db.Update(r.Context(), func(tx store.Tx) error {
		worker, err := tx.OwnedWorker(req.WorkerID, user.ID)
		if err == store.ErrNotFound {
			return httpError(http.StatusNotFound, "worker not found")
		}
		if err != nil {
			return err
		}
		worker.Status = types.WorkerOnline
		worker.LastSeenAt = &now
		if err := tx.UpdateWorker(worker); err != nil {
			return err
		}
		return tx.AppendHeartbeat(worker.ID, now)
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{WorkerID: req.WorkerID, LastSeenAt: now})
}

type pollRequest struct {
	WorkerID int64 `json:"worker_id"`
}

type pollResponse struct {
	AssignmentID   int64         `json:"assignment_id"`
	Job            types.JSONMap `json:"job"`
	Nonce          string        `json:"nonce"`
	CostHintTokens int           `json:"cost_hint_tokens"`
}

// handlePoll returns the worker's earliest assignment still in the assigned
// state. Polling is idempotent; the claim already happened in the dispatcher.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	user, err := requireRole(r.Context(), types.RoleWorkerOwner)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req pollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}

	var resp pollResponse
	err = s.db.View(r.Context(), func(tx store.Tx) error {
		worker, err := tx.OwnedWorker(req.WorkerID, user.ID)
		if err == store.ErrNotFound {
			return httpError(http.StatusNotFound, "worker not found")
		}
		if err != nil {
			return err
		}
		assignment, err := tx.OldestAssignedForWorker(worker.ID)
		if err == store.ErrNotFound {
			return httpError(http.StatusNotFound, "no assignment available")
		}
		if err != nil {
			return err
		}
		job, err := tx.Job(assignment.JobID)
		if err != nil {
			return err
		}
		resp = pollResponse{
			AssignmentID:   assignment.ID,
			Job:            job.Payload,
			Nonce:          assignment.Nonce,
			CostHintTokens: job.Priority,
		}
		return nil
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	WorkerID     int64         `json:"worker_id"`
	AssignmentID int64         `json:"assignment_id"`
	Nonce        string        `json:"nonce"`
	Signature    string        `json:"signature"`
	Output       types.JSONMap `json:"output,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	ArtifactURI  *string       `json:"artifact_uri,omitempty"`
	OutputHash   *string       `json:"output_hash,omitempty"`
	MetricsJSON  types.JSONMap `json:"metrics_json,omitempty"`
}

func (r *submitRequest) validate() error {
	if r.WorkerID <= 0 || r.AssignmentID <= 0 {
		return httpError(http.StatusBadRequest, "worker_id and assignment_id are required")
	}
	if len(r.Nonce) == 0 || len(r.Nonce) > maxNonceLen {
		return httpError(http.StatusBadRequest, "invalid nonce length")
	}
	if len(r.Signature) == 0 || len(r.Signature) > maxSignatureLen {
		return httpError(http.StatusBadRequest, "invalid signature length")
	}
	if (r.Output == nil) == (r.ErrorMessage == nil) {
		return httpError(http.StatusBadRequest, "exactly one of output or error_message must be set")
	}
	if r.ErrorMessage != nil && len(*r.ErrorMessage) > maxErrorMessageLen {
		return httpError(http.StatusBadRequest, "error_message too long")
	}
	if r.ArtifactURI != nil && len(*r.ArtifactURI) > maxArtifactURILen {
		return httpError(http.StatusBadRequest, "artifact_uri too long")
	}
	if r.OutputHash != nil && len(*r.OutputHash) > maxOutputHashLen {
		return httpError(http.StatusBadRequest, "output_hash too long")
	}
	if err := checkSerializedSize(r.Output, "output"); err != nil {
		return err
	}
	if err := checkSerializedSize(r.MetricsJSON, "metrics_json"); err != nil {
		return err
	}
	if len(r.MetricsJSON) > maxMetricsKeys {
		return httpError(http.StatusBadRequest, "metrics_json has too many keys")
	}
	return nil
}

func checkSerializedSize(m types.JSONMap, field string) error {
	if m == nil {
		return nil
	}
	b, err := crypto.CanonicalJSON(m)
	if err != nil {
		return httpError(http.StatusBadRequest, "malformed "+field)
	}
	if len(b) > maxSerializedChars {
		return httpError(http.StatusBadRequest, field+" too large")
	}
	return nil
}

type submitResponse struct {
	AssignmentID int64                  `json:"assignment_id"`
	Status       types.AssignmentStatus `json:"status"`
	FinishedAt   time.Time              `json:"finished_at"`
}

// handleSubmit accepts one signed result per assignment. The whole submission,
// verification included, runs in a single transaction: a failure anywhere rolls
// back the result row, the verification state and any ledger entries.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user, err := requireRole(r.Context(), types.RoleWorkerOwner)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, s.log, err)
		return
	}

	// Rate limit before any database work.
	if !s.limiter.Allow(req.WorkerID) {
		writeError(w, s.log, httpError(http.StatusTooManyRequests, "submit rate limit exceeded"))
		return
	}

	var resp submitResponse
	err = s.db.Update(r.Context(), func(tx store.Tx) error {
		worker, err := tx.OwnedWorker(req.WorkerID, user.ID)
		if err == store.ErrNotFound {
			return httpError(http.StatusNotFound, "worker not found")
		}
		if err != nil {
			return err
		}
		if worker.PublicKey == "" {
			return httpError(http.StatusBadRequest, "worker public key is not configured")
		}

		signed, err := crypto.CanonicalJSON(map[string]any{
			"assignment_id": req.AssignmentID,
			"nonce":         req.Nonce,
			"output_hash":   req.OutputHash,
		})
		if err != nil {
			return err
		}
		valid, err := crypto.VerifyEd25519(worker.PublicKey, req.Signature, signed)
		if err != nil {
			return err
		}
		if !valid {
			return httpError(http.StatusBadRequest, "signature verification failed")
		}

		assignment, existing, err := tx.AssignmentForUpdate(req.AssignmentID, worker.ID)
		if err == store.ErrNotFound {
			return httpError(http.StatusNotFound, "assignment not found")
		}
		if err != nil {
			return err
		}
		if assignment.Nonce != req.Nonce {
			return httpError(http.StatusBadRequest, "invalid nonce")
		}
		if existing != nil {
			return httpError(http.StatusConflict, "assignment already submitted")
		}
		if assignment.Status != types.AssignmentAssigned && assignment.Status != types.AssignmentStarted {
			return httpError(http.StatusConflict, "assignment is not in a submittable state")
		}

		finishedAt := s.now()
		if req.ErrorMessage == nil {
			assignment.Status = types.AssignmentCompleted
		} else {
			assignment.Status = types.AssignmentFailed
		}
		assignment.FinishedAt = &finishedAt
		if err := tx.UpdateAssignment(assignment); err != nil {
			return err
		}

		signature := req.Signature
		result := &types.Result{
			AssignmentID:       assignment.ID,
			Output:             req.Output,
			ErrorMessage:       req.ErrorMessage,
			ArtifactURI:        req.ArtifactURI,
			OutputHash:         req.OutputHash,
			Signature:          &signature,
			Metrics:            req.MetricsJSON,
			VerificationStatus: types.VerificationPending,
			CreatedAt:          finishedAt,
		}
		if err := tx.CreateResult(result); err == store.ErrConflict {
			return httpError(http.StatusConflict, "assignment already submitted")
		} else if err != nil {
			return err
		}

		job, err := tx.Job(assignment.JobID)
		if err != nil {
			return err
		}
		if _, err := s.verifier.ProcessSubmission(tx, job, assignment, result); err != nil {
			return err
		}
		if err := s.accountant.ApplyVerificationAccounting(tx, job, assignment, result); err != nil {
			return err
		}

		resp = submitResponse{
			AssignmentID: assignment.ID,
			Status:       assignment.Status,
			FinishedAt:   finishedAt,
		}
		return nil
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type internalJobCreateRequest struct {
	JobType         types.JobType `json:"job_type"`
	Payload         types.JSONMap `json:"payload"`
	CreatedByUserID *int64        `json:"created_by_user_id,omitempty"`
	Priority        int           `json:"priority"`
	PriceMultiplier float64       `json:"price_multiplier"`
	RequestID       string        `json:"request_id,omitempty"`
}

type internalJobCreateResponse struct {
	JobID           int64           `json:"job_id"`
	Status          types.JobStatus `json:"status"`
	EstimatedUnits  int             `json:"estimated_units"`
	PriceMultiplier float64         `json:"price_multiplier"`
}

// handleInternalJobCreate is the gateway's entry point. The request id, when
// given, is folded into the payload as an idempotency hint; duplicate detection
// stays with the caller.
func (s *Server) handleInternalJobCreate(w http.ResponseWriter, r *http.Request) {
	var req internalJobCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if !req.JobType.Valid() {
		writeError(w, s.log, httpError(http.StatusBadRequest, "invalid job_type"))
		return
	}
	if req.Priority < 0 || req.Priority > 100 {
		writeError(w, s.log, httpError(http.StatusBadRequest, "priority out of range"))
		return
	}
	if req.PriceMultiplier == 0 {
		req.PriceMultiplier = types.DefaultPriceMultiplier
	}
	if req.PriceMultiplier <= 0 {
		writeError(w, s.log, httpError(http.StatusBadRequest, "price_multiplier must be positive"))
		return
	}

	payload := req.Payload.Clone()
	if payload == nil {
		payload = types.JSONMap{}
	}
	if req.RequestID != "" {
		if _, ok := payload["request_id"]; !ok {
			payload["request_id"] = req.RequestID
		}
	}
	estimatedUnits := finance.EstimatePayloadUnits(payload)
	if _, ok := payload[types.PayloadKeyPriceMultiplier]; !ok {
		payload[types.PayloadKeyPriceMultiplier] = req.PriceMultiplier
	}

	var job *types.Job
	err := s.db.Update(r.Context(), func(tx store.Tx) error {
		job = &types.Job{
			CreatedByUserID: req.CreatedByUserID,
			JobType:         req.JobType,
			Status:          types.JobQueued,
			Payload:         payload,
			Priority:        req.Priority,
			CreatedAt:       s.now(),
		}
		// Audit marking: when the policy fires and the caller supplied a
		// known-good hash, the job verifies canonically instead of by
		// cross-check.
		if hash, ok := payload["canonical_expected_hash"].(string); ok && hash != "" {
			mark, err := verify.ShouldMarkNewJobAsAudit(tx)
			if err != nil {
				return err
			}
			if mark {
				job.CanonicalExpectedHash = &hash
			}
		}
		return tx.CreateJob(job)
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	s.log.Info().Int64("job", job.ID).Str("job_type", string(req.JobType)).Msg("internal job created")
	writeJSON(w, http.StatusCreated, internalJobCreateResponse{
		JobID:           job.ID,
		Status:          types.JobQueued,
		EstimatedUnits:  estimatedUnits,
		PriceMultiplier: req.PriceMultiplier,
	})
}
