package auth

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminKeyVerifier checks a presented operator key against the bcrypt hash
// held in configuration. A matching key elevates the caller to maintainer.
type AdminKeyVerifier struct {
	hash string
}

// NewAdminKeyVerifier constructs a verifier; an empty hash disables admin
// elevation entirely.
func NewAdminKeyVerifier(bcryptHash string) *AdminKeyVerifier {
	return &AdminKeyVerifier{hash: strings.TrimSpace(bcryptHash)}
}

// Enabled reports whether an admin key hash is configured.
func (v *AdminKeyVerifier) Enabled() bool {
	return v.hash != ""
}

// Verify reports whether the presented key matches the configured hash.
func (v *AdminKeyVerifier) Verify(presented string) bool {
	if !v.Enabled() || strings.TrimSpace(presented) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(v.hash), []byte(presented)) == nil
}
