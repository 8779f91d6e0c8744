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
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/openmesh-pool/coordinator/crypto"
	"github.com/openmesh-pool/coordinator/store"
)

// Error is an HTTP-mapped request failure. Handlers return it from inside the
// submission transaction; the transaction still rolls back because the error is
// non-nil.
type Error struct {
	Status int    `json:"-"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string { return e.Detail }

func httpError(status int, detail string) *Error {
	return &Error{Status: status, Detail: detail}
}

// maxBodyBytes bounds request bodies well above the 200k-char output limit.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return httpError(http.StatusBadRequest, "malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error to its wire representation. Store conflicts are 409,
// malformed cryptographic material is 400, anything unrecognised is 500.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.Status, apiErr)
		return
	}
	var encErr *crypto.EncodingError
	if errors.As(err, &encErr) {
		writeJSON(w, http.StatusBadRequest, httpError(http.StatusBadRequest, encErr.Error()))
		return
	}
	if errors.Is(err, store.ErrConflict) {
		writeJSON(w, http.StatusConflict, httpError(http.StatusConflict, "concurrent submission conflict"))
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, httpError(http.StatusNotFound, "not found"))
		return
	}
	log.Error().Err(err).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, httpError(http.StatusInternalServerError, "internal error"))
}
