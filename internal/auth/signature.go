package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureVerifier validates the keyed MAC clients attach to authorization
// requests. The canonical message is the ordered concatenation of the request
// fields with no separators; both sides must agree on that byte-for-byte.
type SignatureVerifier struct {
	secret []byte
}

// NewSignatureVerifier creates a verifier bound to the shared secret.
func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{secret: []byte(secret)}
}

// Sign computes the lowercase hex HMAC-SHA256 over the canonical message.
// Exposed for the producer side (tests, tooling).
func (v *SignatureVerifier) Sign(fields ...string) string {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(strings.Join(fields, "")))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the provided hex-encoded signature against the MAC of the
// canonical message. Comparison is constant time; a signature that does not
// decode as hex is a hard failure, never a panic.
func (v *SignatureVerifier) Verify(fields []string, provided string) bool {
	providedMAC, err := hex.DecodeString(strings.ToLower(provided))
	if err != nil {
		return false
	}

	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(strings.Join(fields, "")))
	expected := h.Sum(nil)

	return hmac.Equal(providedMAC, expected)
}
