// Package auth implements the minimal provisioner shared-secret seam: the
// gangway/manager trust any node inside the private broker network, but a
// provisioner's registration endpoint (used by out-of-cluster agents) is
// gated by a bcrypt-hashed shared secret, grounded on
// api/internal/auth/tokenhash.go's hashing conventions.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SecretVerifier checks a presented shared secret against its stored hash.
type SecretVerifier struct {
	cost int
}

// NewSecretVerifier builds a SecretVerifier at bcrypt's default cost.
func NewSecretVerifier() *SecretVerifier {
	return &SecretVerifier{cost: bcrypt.DefaultCost}
}

// GenerateSecret produces a fresh random shared secret and its bcrypt hash
// for an operator to distribute to a new provisioner.
func (v *SecretVerifier) GenerateSecret() (plain, hashed string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate provisioner secret: %w", err)
	}
	plain = base64.URLEncoding.EncodeToString(buf)

	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(plain), v.cost)
	if err != nil {
		return "", "", fmt.Errorf("hash provisioner secret: %w", err)
	}
	return plain, string(hashedBytes), nil
}

// Verify reports whether plain matches hashed.
func (v *SecretVerifier) Verify(plain, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}
