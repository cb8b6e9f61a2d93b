package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// SessionCipher encrypts API endpoint strings for one session on one device.
// The key is derived as SHA256(secret || session || hwid) in that fixed
// order (the client derives the same key). Each call uses a fresh random IV,
// so the same plaintext never produces the same blob twice. Output is
// base64(IV || ciphertext) with AES-256-CBC and PKCS#7 padding, matching the
// client's decryptor. No network I/O happens here: this runs once per exposed
// API string per request.
type SessionCipher struct {
	secret string
}

// NewSessionCipher creates a cipher bound to the shared secret.
func NewSessionCipher(secret string) *SessionCipher {
	return &SessionCipher{secret: secret}
}

// Encrypt encrypts one API value for the given session and device.
func (c *SessionCipher) Encrypt(apiValue, session, hwid string) (string, error) {
	key := sha256.Sum256([]byte(c.secret + session + hwid))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("session cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("session cipher: iv: %w", err)
	}

	plaintext := pkcs7Pad([]byte(apiValue), aes.BlockSize)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	blob := make([]byte, 0, len(iv)+len(ciphertext))
	blob = append(blob, iv...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// pkcs7Pad pads data to a multiple of blockSize.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}
