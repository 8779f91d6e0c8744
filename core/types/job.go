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

// JobType selects the pricing rule and the worker runtime for a job.
type JobType string

const (
	JobInference  JobType = "inference"
	JobFineTuning JobType = "fine_tuning"
	JobEmbedding  JobType = "embedding"
)

// Valid reports whether t is one of the defined job types.
func (t JobType) Valid() bool {
	switch t {
	case JobInference, JobFineTuning, JobEmbedding:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// PayloadKeyPriceMultiplier is the payload key holding the per-job price cap.
const PayloadKeyPriceMultiplier = "price_multiplier"

// Job is one client-submitted unit of work. Jobs are never physically removed
// during normal operation; deleting the creating user only nulls
// CreatedByUserID.
type Job struct {
	ID              int64     `json:"id"`
	CreatedByUserID *int64    `json:"created_by_user_id,omitempty"`
	JobType         JobType   `json:"job_type"`
	Status          JobStatus `json:"status"`
	Payload         JSONMap   `json:"payload"`
	Priority        int       `json:"priority"` // 0..100

	// CanonicalExpectedHash marks an audit job with a known-good output hash.
	CanonicalExpectedHash *string `json:"canonical_expected_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PriceMultiplier extracts the job's price cap from the payload, default 1.0.
func (j *Job) PriceMultiplier() float64 {
	v, ok := specFloat(j.Payload, PayloadKeyPriceMultiplier)
	if !ok || v <= 0 {
		return DefaultPriceMultiplier
	}
	return v
}

// IsAudit reports whether the job carries a canonical expected hash.
func (j *Job) IsAudit() bool {
	return j.CanonicalExpectedHash != nil
}

// AssignmentStatus is the lifecycle state of a job-to-worker binding.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentStarted   AssignmentStatus = "started"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
	AssignmentCanceled  AssignmentStatus = "canceled"
)

// CanTransitionTo encodes the assignment state machine: assigned/started may
// move forward to a terminal state, terminal states never move again.
func (s AssignmentStatus) CanTransitionTo(next AssignmentStatus) bool {
	switch s {
	case AssignmentAssigned:
		switch next {
		case AssignmentStarted, AssignmentCompleted, AssignmentFailed, AssignmentCanceled:
			return true
		}
	case AssignmentStarted:
		switch next {
		case AssignmentCompleted, AssignmentFailed, AssignmentCanceled:
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s AssignmentStatus) Terminal() bool {
	switch s {
	case AssignmentCompleted, AssignmentFailed, AssignmentCanceled:
		return true
	}
	return false
}

// Assignment is a durable binding between one job and (usually) one worker.
// WorkerID is nil for third-opinion audit rows until the dispatcher binds them,
// and is cleared if the worker is deleted. Nonce is globally unique and is the
// cross-process deduplication primitive for submissions.
type Assignment struct {
	ID         int64            `json:"id"`
	JobID      int64            `json:"job_id"`
	WorkerID   *int64           `json:"worker_id,omitempty"`
	Status     AssignmentStatus `json:"status"`
	Nonce      string           `json:"nonce"`
	AssignedAt time.Time        `json:"assigned_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Cost       *decimal.Decimal `json:"cost,omitempty"`
}

// VerificationStatus classifies a submitted result.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationDisputed VerificationStatus = "disputed"
	VerificationRejected VerificationStatus = "rejected"
)

// Result is the 1-to-1 record of a worker's submission for an assignment.
// Created exactly once on first accepted submission and mutated only through
// verification state updates inside the same transaction.
type Result struct {
	ID                 int64              `json:"id"`
	AssignmentID       int64              `json:"assignment_id"`
	Output             JSONMap            `json:"output,omitempty"`
	ErrorMessage       *string            `json:"error_message,omitempty"`
	ArtifactURI        *string            `json:"artifact_uri,omitempty"`
	OutputHash         *string            `json:"output_hash,omitempty"`
	Signature          *string            `json:"signature,omitempty"`
	Metrics            JSONMap            `json:"metrics_json,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	VerificationScore  decimal.Decimal    `json:"verification_score"`
	CreatedAt          time.Time          `json:"created_at"`
}
