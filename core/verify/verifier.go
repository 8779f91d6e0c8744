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

// Package verify classifies worker submissions. Audit jobs carry a known-good
// output hash and verify deterministically; everything else is cross-checked
// against a peer submission for the same job by embedding similarity. The
// verifier also owns the worker reputation and fraud-ban bookkeeping.
package verify

import (
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"

	"github.com/openmesh-pool/coordinator/core/dispatch"
	"github.com/openmesh-pool/coordinator/core/types"
	"github.com/openmesh-pool/coordinator/store"
)

// Reputation deltas applied per submission outcome. Reputation is clamped to
// [0, 1] on every update.
const (
	VerifiedReputationDelta = 0.01
	RejectedReputationDelta = -0.05
)

// Policy defaults used when the pool settings singleton is missing.
const (
	DefaultSimilarityThreshold = 0.985
	DefaultFraudBanThreshold   = 2
)

// maxAssignmentsPerJob bounds the third-opinion escalation.
const maxAssignmentsPerJob = 3

// Policy is the verification slice of the pool settings.
type Policy struct {
	AuditIntervalJobs        int
	AuditJobRateBps          int
	EmbedSimilarityThreshold float64
	FraudBanThreshold        int
}

// LoadPolicy reads the active policy, falling back to defaults when the
// settings singleton does not exist yet.
func LoadPolicy(tx store.Tx) (Policy, error) {
	settings, err := tx.PoolSettings()
	if err == store.ErrNotFound {
		return Policy{
			EmbedSimilarityThreshold: DefaultSimilarityThreshold,
			FraudBanThreshold:        DefaultFraudBanThreshold,
		}, nil
	}
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		AuditIntervalJobs:        settings.AuditIntervalJobs,
		AuditJobRateBps:          settings.AuditJobRateBps,
		EmbedSimilarityThreshold: settings.EmbedSimilarityThreshold,
		FraudBanThreshold:        settings.FraudBanThreshold,
	}, nil
}

// ShouldMarkNewJobAsAudit reports whether the next created job should carry a
// canonical expected hash, per the audit-rate policy.
func ShouldMarkNewJobAsAudit(tx store.Tx) (bool, error) {
	policy, err := LoadPolicy(tx)
	if err != nil {
		return false, err
	}
	if policy.AuditIntervalJobs <= 0 || policy.AuditJobRateBps <= 0 {
		return false, nil
	}
	total, err := tx.CountAssignments()
	if err != nil {
		return false, err
	}
	if total <= 0 || total%int64(policy.AuditIntervalJobs) != 0 {
		return false, nil
	}
	return policy.AuditJobRateBps >= 10_000, nil
}

// Verifier classifies submissions inside the submission transaction.
type Verifier struct {
	log zerolog.Logger
}

// New creates a verifier.
func New(logger zerolog.Logger) *Verifier {
	return &Verifier{log: logger.With().Str("component", "verifier").Logger()}
}

// ProcessSubmission runs the verification state machine for a freshly created
// result. It mutates the result, the assignment and the worker rows through tx;
// the caller owns the surrounding transaction.
func (v *Verifier) ProcessSubmission(tx store.Tx, job *types.Job, assignment *types.Assignment, result *types.Result) (types.VerificationStatus, error) {
	policy, err := LoadPolicy(tx)
	if err != nil {
		return "", err
	}
	if job.IsAudit() {
		return v.processCanonical(tx, policy, job, assignment, result)
	}
	return v.processCross(tx, policy, job, assignment, result)
}

// processCanonical handles audit jobs: the output hash either matches the
// known-good hash or the submission is fraud.
func (v *Verifier) processCanonical(tx store.Tx, policy Policy, job *types.Job, assignment *types.Assignment, result *types.Result) (types.VerificationStatus, error) {
	expected := *job.CanonicalExpectedHash
	if result.OutputHash != nil && *result.OutputHash == expected {
		result.VerificationStatus = types.VerificationVerified
		result.VerificationScore = decimal.NewFromInt(1)
		if err := tx.UpdateResult(result); err != nil {
			return "", err
		}
		if err := v.adjustReputation(tx, assignment.WorkerID, VerifiedReputationDelta, false, policy.FraudBanThreshold); err != nil {
			return "", err
		}
		return types.VerificationVerified, nil
	}

	result.VerificationStatus = types.VerificationRejected
	result.VerificationScore = decimal.Zero
	if err := tx.UpdateResult(result); err != nil {
		return "", err
	}
	assignment.Status = types.AssignmentFailed
	if err := tx.UpdateAssignment(assignment); err != nil {
		return "", err
	}
	if err := v.adjustReputation(tx, assignment.WorkerID, RejectedReputationDelta, true, policy.FraudBanThreshold); err != nil {
		return "", err
	}
	v.log.Warn().Int64("job", job.ID).Int64("assignment", assignment.ID).Msg("canonical hash mismatch, submission rejected")
	return types.VerificationRejected, nil
}

// processCross compares the submission with the earliest peer result of the
// same job. One submission alone stays pending; disagreement marks both
// disputed and schedules a third opinion.
func (v *Verifier) processCross(tx store.Tx, policy Policy, job *types.Job, assignment *types.Assignment, result *types.Result) (types.VerificationStatus, error) {
	peer, peerResult, err := tx.PeerResult(job.ID, assignment.ID)
	if err == store.ErrNotFound {
		return types.VerificationPending, nil
	}
	if err != nil {
		return "", err
	}

	similarity, ok := CosineSimilarity(Embedding(peerResult.Output), Embedding(result.Output))
	if ok && similarity >= policy.EmbedSimilarityThreshold {
		score := decimal.NewFromFloat(similarity).Round(8)
		result.VerificationStatus = types.VerificationVerified
		result.VerificationScore = score
		peerResult.VerificationStatus = types.VerificationVerified
		peerResult.VerificationScore = score
		if err := tx.UpdateResult(result); err != nil {
			return "", err
		}
		if err := tx.UpdateResult(peerResult); err != nil {
			return "", err
		}
		if err := v.adjustReputation(tx, assignment.WorkerID, VerifiedReputationDelta, false, policy.FraudBanThreshold); err != nil {
			return "", err
		}
		if err := v.adjustReputation(tx, peer.WorkerID, VerifiedReputationDelta, false, policy.FraudBanThreshold); err != nil {
			return "", err
		}
		return types.VerificationVerified, nil
	}

	// Similarity below threshold, or not enough evidence to compare.
	result.VerificationStatus = types.VerificationDisputed
	peerResult.VerificationStatus = types.VerificationDisputed
	if err := tx.UpdateResult(result); err != nil {
		return "", err
	}
	if err := tx.UpdateResult(peerResult); err != nil {
		return "", err
	}
	if err := ensureThirdOpinion(tx, job.ID); err != nil {
		return "", err
	}
	v.log.Info().Int64("job", job.ID).Float64("similarity", similarity).Bool("comparable", ok).Msg("cross verification disputed")
	return types.VerificationDisputed, nil
}

// ensureThirdOpinion inserts an unbound audit assignment unless the job already
// has three. The dispatcher binds it to a worker later.
func ensureThirdOpinion(tx store.Tx, jobID int64) error {
	assignments, err := tx.AssignmentsForJob(jobID)
	if err != nil {
		return err
	}
	if len(assignments) >= maxAssignmentsPerJob {
		return nil
	}
	return tx.CreateAssignment(&types.Assignment{
		JobID:      jobID,
		WorkerID:   nil,
		Status:     types.AssignmentAssigned,
		Nonce:      dispatch.AuditNonce(),
		AssignedAt: time.Now().UTC(),
	})
}

// adjustReputation applies the delta inside the submission transaction by
// replacing the worker's specs map. On a rejection it also bumps the fraud
// counter and bans the worker once the threshold is reached.
func (v *Verifier) adjustReputation(tx store.Tx, workerID *int64, delta float64, rejected bool, banThreshold int) error {
	if workerID == nil {
		return nil
	}
	worker, err := tx.Worker(*workerID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	reputation := worker.Reputation() + delta
	if reputation < 0 {
		reputation = 0
	}
	if reputation > 1 {
		reputation = 1
	}
	specs := worker.WithSpec(types.SpecReputation, reputation)

	if rejected {
		count := worker.RejectedSubmissions() + 1
		specs[types.SpecRejectedSubmissions] = float64(count)
		if count >= banThreshold {
			worker.Status = types.WorkerBanned
			v.log.Warn().Int64("worker", worker.ID).Int("rejected", count).Msg("fraud threshold reached, worker banned")
		}
	}
	worker.Specs = specs
	return tx.UpdateWorker(worker)
}

// Embedding extracts the comparison vector from a result output: the numeric
// list under the "embedding" key.
func Embedding(output types.JSONMap) []float64 {
	if output == nil {
		return nil
	}
	raw, ok := output["embedding"].([]any)
	if !ok {
		return nil
	}
	vec := make([]float64, 0, len(raw))
	for _, item := range raw {
		f, ok := numeric(item)
		if !ok {
			return nil
		}
		vec = append(vec, f)
	}
	return vec
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// CosineSimilarity compares two embedding vectors. It requires non-empty,
// equal-length vectors with non-zero norms; anything else is insufficient
// evidence and reports ok=false.
func CosineSimilarity(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	dot := floats.Dot(a, b)
	normA := math.Sqrt(floats.Dot(a, a))
	normB := math.Sqrt(floats.Dot(b, b))
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (normA * normB), true
}
