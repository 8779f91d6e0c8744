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

// Package crypto implements the protocol-level primitives used to verify worker
// submissions: canonical JSON serialization, SHA-256 hex digests and Ed25519
// signature checks over base64url-encoded material.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

var base64urlRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// EncodingError reports malformed cryptographic input: bad base64url charset or
// a decoded key/signature of the wrong length. It is a hard input error and is
// distinct from a well-formed signature that simply does not verify.
type EncodingError struct {
	Label string
	Msg   string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("invalid %s %s", e.Label, e.Msg)
}

// CanonicalJSON serializes v deterministically: UTF-8, object keys sorted
// ascending, compact separators and no ASCII escaping of non-ASCII code points.
// Signature verification depends on this determinism.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encode appends a newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DecodeBase64URL decodes a base64url string without padding. The charset is
// strict: anything outside [A-Za-z0-9_-] is rejected. When expectedLen is
// positive, a decoded value of any other length is rejected.
func DecodeBase64URL(value string, expectedLen int, label string) ([]byte, error) {
	if value == "" || !base64urlRE.MatchString(value) {
		return nil, &EncodingError{Label: label, Msg: "encoding"}
	}
	decoded, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, &EncodingError{Label: label, Msg: "encoding"}
	}
	if expectedLen > 0 && len(decoded) != expectedLen {
		return nil, &EncodingError{Label: label, Msg: "length"}
	}
	return decoded, nil
}

// VerifyEd25519 checks an Ed25519 signature over msg. Both the public key and
// the signature are base64url without padding. Malformed inputs return an
// *EncodingError; a well-formed but invalid signature returns (false, nil).
func VerifyEd25519(publicKeyB64, signatureB64 string, msg []byte) (bool, error) {
	publicKey, err := DecodeBase64URL(publicKeyB64, ed25519.PublicKeySize, "public key")
	if err != nil {
		return false, err
	}
	signature, err := DecodeBase64URL(signatureB64, ed25519.SignatureSize, "signature")
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), msg, signature), nil
}
