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
	"context"
	"net/http"
	"strings"

	"github.com/openmesh-pool/coordinator/core/types"
	"github.com/openmesh-pool/coordinator/crypto"
	"github.com/openmesh-pool/coordinator/store"
)

type contextKey struct{ name string }

var userContextKey = &contextKey{"user"}

// withAuth resolves the bearer API key to its user. Keys are stored hashed;
// only the SHA-256 of the presented key ever touches the database.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		key, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || key == "" {
			writeError(w, s.log, httpError(http.StatusUnauthorized, "missing credentials"))
			return
		}

		var user *types.User
		err := s.db.View(r.Context(), func(tx store.Tx) error {
			u, err := tx.UserByAPIKeyHash(crypto.SHA256Hex([]byte(key)))
			user = u
			return err
		})
		if err == store.ErrNotFound {
			writeError(w, s.log, httpError(http.StatusUnauthorized, "invalid credentials"))
			return
		}
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		if !user.IsActive {
			writeError(w, s.log, httpError(http.StatusUnauthorized, "user is inactive"))
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(ctx context.Context) *types.User {
	u, _ := ctx.Value(userContextKey).(*types.User)
	return u
}

// requireRole gates an operation to one role. Missing identity is a middleware
// bug and still reads as 401 rather than a panic.
func requireRole(ctx context.Context, role types.Role) (*types.User, error) {
	user := userFrom(ctx)
	if user == nil {
		return nil, httpError(http.StatusUnauthorized, "missing credentials")
	}
	if user.Role != role {
		return nil, httpError(http.StatusForbidden, "insufficient role")
	}
	return user, nil
}
