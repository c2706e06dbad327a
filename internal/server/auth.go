package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// ───────────────────────────────────────────────────────────────────────────
// Authentication
// ───────────────────────────────────────────────────────────────────────────
//
// Stored credentials are "salt:hash" with hash = hex(SHA-256(salt ‖
// password)). Verification is constant-time. Legacy plaintext entries (no
// colon) compare padded to a common length, also constant-time, so the
// comparison cost does not leak the stored form.

// Authenticator checks username/password pairs against configured entries.
type Authenticator struct {
	users map[string]string // username → "salt:hash" or legacy plaintext
}

// NewAuthenticator builds an authenticator. A nil or empty map disables
// authentication entirely.
func NewAuthenticator(users map[string]string) *Authenticator {
	return &Authenticator{users: users}
}

// Enabled reports whether authentication is configured.
func (a *Authenticator) Enabled() bool { return len(a.users) > 0 }

// Verify checks a credential pair. Unknown users burn the same hashing work
// as known ones before failing.
func (a *Authenticator) Verify(username, password string) bool {
	stored, ok := a.users[username]
	if !ok {
		// Equalize timing for unknown users.
		hashPassword("0000000000000000", password)
		return false
	}
	salt, wantHex, isSalted := strings.Cut(stored, ":")
	if isSalted {
		got := hashPassword(salt, password)
		return subtle.ConstantTimeCompare([]byte(got), []byte(wantHex)) == 1
	}
	return constantTimePadded(password, stored)
}

// HashPassword produces a "salt:hash" entry for configuration files.
func HashPassword(salt, password string) string {
	return salt + ":" + hashPassword(salt, password)
}

func hashPassword(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}

// constantTimePadded compares two strings padded to a common length so the
// comparison does not exit early on length mismatch.
func constantTimePadded(a, b string) bool {
	const pad = 256
	ab := make([]byte, pad)
	bb := make([]byte, pad)
	copy(ab, a)
	copy(bb, b)
	equal := subtle.ConstantTimeCompare(ab, bb) == 1
	return equal && len(a) == len(b)
}
