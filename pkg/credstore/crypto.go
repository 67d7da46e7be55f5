// Package credstore persists third-party credentials encrypted at rest
// and mints the short-lived JWTs the gateway's tool surface accepts.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/databridge-io/databridge/pkg/faults"
)

// deriveKey turns an arbitrary secret into a fixed 32-byte AES key.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// seal encrypts plaintext with AES-256-GCM and returns
// base64(nonce || ciphertext).
func seal(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", faults.Wrap(faults.Internal, "cannot build cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", faults.Wrap(faults.Internal, "cannot build gcm", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", faults.Wrap(faults.Internal, "cannot generate nonce", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// open reverses seal.
func open(key []byte, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", faults.Wrap(faults.AuthExpired, "stored credential is not valid base64", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", faults.Wrap(faults.Internal, "cannot build cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", faults.Wrap(faults.Internal, "cannot build gcm", err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", faults.New(faults.AuthExpired, "stored credential is truncated")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", faults.Wrap(faults.AuthExpired,
			"stored credential cannot be decrypted, re-authenticate", err)
	}
	return string(plaintext), nil
}
