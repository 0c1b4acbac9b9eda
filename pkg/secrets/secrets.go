// Package secrets generates and compares the opaque credentials this proxy
// hands out: server secrets and single-use consent state tokens.
package secrets

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

// ServerSecretBytes gives 256 bits of entropy; the spec floor is 128.
const ServerSecretBytes = 32

// StateTokenBytes sizes the single-use consent state token.
const StateTokenBytes = 32

// NewToken returns a random opaque token (base64url, no padding).
func NewToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Equal compares two secrets in constant time. Lookups fetch candidates by
// tenant id only; the secret half of the pair is always compared here, never
// in a store query, so timing does not vary with matching prefix length.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
