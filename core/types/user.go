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

// Package types contains the data model shared by the coordinator core: users,
// workers, jobs, assignments, results, accounts and pool policy. Enum values are
// stored as strings, timestamps in UTC and token amounts as 18,8 fixed-point
// decimals.
package types

import "time"

// Role identifies what a user is allowed to do on the pool.
type Role string

const (
	RoleClient      Role = "client"
	RoleWorkerOwner Role = "worker_owner"
)

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleWorkerOwner:
		return true
	}
	return false
}

// User is a registered identity. Users are created by registration and never
// implicitly destroyed.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// APIKey is the hashed credential a caller presents to the protocol surface.
// Key issuance and revocation live outside the coordinator core; the core only
// resolves a presented key hash to its user.
type APIKey struct {
	ID      int64  `json:"id"`
	UserID  int64  `json:"user_id"`
	Name    string `json:"name"`
	Prefix  string `json:"prefix"`
	KeyHash string `json:"-"`
	Revoked bool   `json:"revoked"`
}
