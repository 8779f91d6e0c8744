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

import "time"

// WorkerStatus is the operator-visible state of a worker node. Transitions to
// StatusBanned are monotonic until operator action.
type WorkerStatus string

const (
	WorkerOnline      WorkerStatus = "online"
	WorkerOffline     WorkerStatus = "offline"
	WorkerDraining    WorkerStatus = "draining"
	WorkerMaintenance WorkerStatus = "maintenance"
	WorkerBanned      WorkerStatus = "banned"
)

// Valid reports whether s is one of the defined worker states.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerOnline, WorkerOffline, WorkerDraining, WorkerMaintenance, WorkerBanned:
		return true
	}
	return false
}

// Expected keys inside Worker.Specs. The map is schemaless at this layer but
// these keys have documented semantics and typed accessors below.
const (
	SpecReputation          = "reputation"
	SpecEstimatedLatencyMS  = "estimated_latency_ms"
	SpecPriceMultiplier     = "price_multiplier"
	SpecRejectedSubmissions = "rejected_submissions"
)

// Defaults applied when a spec key is absent or malformed.
const (
	DefaultReputation         = 0.5
	DefaultEstimatedLatencyMS = 1_000_000
	DefaultPriceMultiplier    = 1.0
)

// JSONMap is an opaque key-value document (worker specs, job payloads, ledger
// details). Values are whatever encoding/json produced: float64, string, bool,
// []any, map[string]any.
type JSONMap map[string]any

// Clone returns a shallow copy of the map. Spec updates replace the stored map
// instead of mutating it in place, so read-modify-write cycles go through Clone.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Worker is an untrusted external compute node owned by exactly one user.
type Worker struct {
	ID          int64        `json:"id"`
	OwnerUserID int64        `json:"owner_user_id"`
	Name        string       `json:"name"`
	Status      WorkerStatus `json:"status"`
	PublicKey   string       `json:"public_key"` // base64url Ed25519, no padding
	Specs       JSONMap      `json:"specs"`
	LastSeenAt  *time.Time   `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Reputation returns the worker's clamped reputation from the specs map,
// falling back to DefaultReputation when absent or malformed.
func (w *Worker) Reputation() float64 {
	v, ok := specFloat(w.Specs, SpecReputation)
	if !ok {
		return DefaultReputation
	}
	return clamp01(v)
}

// EstimatedLatencyMS returns the advertised latency, defaulting high so that
// workers without measurements rank behind measured ones.
func (w *Worker) EstimatedLatencyMS() int64 {
	v, ok := specFloat(w.Specs, SpecEstimatedLatencyMS)
	if !ok || v < 0 {
		return DefaultEstimatedLatencyMS
	}
	return int64(v)
}

// PriceMultiplier returns the worker's price multiplier, default 1.0.
func (w *Worker) PriceMultiplier() float64 {
	v, ok := specFloat(w.Specs, SpecPriceMultiplier)
	if !ok || v <= 0 {
		return DefaultPriceMultiplier
	}
	return v
}

// RejectedSubmissions returns the fraud counter from the specs map.
func (w *Worker) RejectedSubmissions() int {
	v, ok := specFloat(w.Specs, SpecRejectedSubmissions)
	if !ok || v < 0 {
		return 0
	}
	return int(v)
}

// WithSpec returns a copy of the specs map with key set to value. The caller
// assigns the returned map back to Specs and persists the worker.
func (w *Worker) WithSpec(key string, value any) JSONMap {
	specs := w.Specs.Clone()
	if specs == nil {
		specs = make(JSONMap, 1)
	}
	specs[key] = value
	return specs
}

func specFloat(m JSONMap, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// WorkerSettings is the 1-to-1 operational policy attached to a worker.
type WorkerSettings struct {
	ID                      int64 `json:"id"`
	WorkerID                int64 `json:"worker_id"`
	MaxConcurrency          int   `json:"max_concurrency"`           // >= 1
	HeartbeatTimeoutSeconds int   `json:"heartbeat_timeout_seconds"` // >= 1
	PullIntervalSeconds     int   `json:"pull_interval_seconds"`
	AcceptNewAssignments    bool  `json:"accept_new_assignments"`
}

// WorkerHeartbeat is one liveness observation. Emission integrates the union of
// [RecordedAt, RecordedAt+timeout] intervals over these rows.
type WorkerHeartbeat struct {
	ID         int64     `json:"id"`
	WorkerID   int64     `json:"worker_id"`
	RecordedAt time.Time `json:"recorded_at"`
}
