package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureVerifier_SignProducesLowercaseHex(t *testing.T) {
	v := NewSignatureVerifier("test-secret-0123456789")

	sig := v.Sign("user-1", "HWID-A", "1.0.0", "nonce")

	assert.Len(t, sig, 64)
	assert.Equal(t, strings.ToLower(sig), sig)
	_, err := hex.DecodeString(sig)
	require.NoError(t, err)
}

func TestSignatureVerifier_SignMatchesReferenceMAC(t *testing.T) {
	secret := "test-secret-0123456789"
	v := NewSignatureVerifier(secret)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte("user-1HWID-A1.0.0nonce"))
	expected := hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, expected, v.Sign("user-1", "HWID-A", "1.0.0", "nonce"))
}

func TestSignatureVerifier_Verify(t *testing.T) {
	v := NewSignatureVerifier("test-secret-0123456789")
	fields := []string{"user-1", "HWID-A", "1.0.0", "nonce"}
	valid := v.Sign(fields...)

	tests := []struct {
		name     string
		fields   []string
		provided string
		want     bool
	}{
		{
			name:     "valid signature",
			fields:   fields,
			provided: valid,
			want:     true,
		},
		{
			name:     "uppercase hex accepted",
			fields:   fields,
			provided: strings.ToUpper(valid),
			want:     true,
		},
		{
			name:     "single flipped nibble rejected",
			fields:   fields,
			provided: flipNibble(valid),
			want:     false,
		},
		{
			name:     "field order matters",
			fields:   []string{"HWID-A", "user-1", "1.0.0", "nonce"},
			provided: valid,
			want:     false,
		},
		{
			name:     "changed nonce rejected",
			fields:   []string{"user-1", "HWID-A", "1.0.0", "nonce2"},
			provided: valid,
			want:     false,
		},
		{
			name:     "non-hex signature rejected without panic",
			fields:   fields,
			provided: "not-hex-at-all",
			want:     false,
		},
		{
			name:     "truncated signature rejected",
			fields:   fields,
			provided: valid[:32],
			want:     false,
		},
		{
			name:     "empty signature rejected",
			fields:   fields,
			provided: "",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.Verify(tt.fields, tt.provided))
		})
	}
}

func TestSignatureVerifier_DifferentSecretsDisagree(t *testing.T) {
	a := NewSignatureVerifier("secret-a-0123456789")
	b := NewSignatureVerifier("secret-b-0123456789")
	fields := []string{"user-1", "HWID-A", "1.0.0", "nonce"}

	assert.False(t, b.Verify(fields, a.Sign(fields...)))
}

// Concatenation has no separators, so shifting bytes between adjacent fields
// must still produce the same canonical message.
func TestSignatureVerifier_ConcatenationAmbiguity(t *testing.T) {
	v := NewSignatureVerifier("test-secret-0123456789")

	sigA := v.Sign("ab", "c")
	sigB := v.Sign("a", "bc")

	assert.Equal(t, sigA, sigB)
}

func flipNibble(hexSig string) string {
	b := []byte(hexSig)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	return string(b)
}
