package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

const gcmNonceSize = 12

// CryptoError marks a decryption failure: tag mismatch, malformed input or
// a wrong master key. Callers must surface it, never treat it as "no
// credentials configured" - it indicates tampering or a key rotation
// mismatch.
type CryptoError struct {
	Reason string
	cause  error
}

func (e *CryptoError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("crypto: %s: %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("crypto: %s", e.Reason)
}

func (e *CryptoError) Unwrap() error {
	return e.cause
}

func masterKeyBytes(masterKeyB64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, &CryptoError{Reason: "master key is not valid base64", cause: err}
	}
	if len(key) != 32 {
		return nil, &CryptoError{Reason: fmt.Sprintf("master key must be 32 bytes, got %d", len(key))}
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Reason: "failed to initialize cipher", cause: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Reason: "failed to initialize gcm", cause: err}
	}
	return gcm, nil
}

// EncryptJSON envelope-encrypts a value with AES-256-GCM. A fresh random
// nonce is prefixed to the ciphertext so decryption needs nothing besides
// the master key and the returned base64 string.
func EncryptJSON(masterKeyB64 string, value interface{}) (string, error) {
	key, err := masterKeyBytes(masterKeyB64)
	if err != nil {
		return "", err
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plaintext value")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}

	payload := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptJSON reverses EncryptJSON into out. Any failure is a *CryptoError.
func DecryptJSON(masterKeyB64, ciphertextB64 string, out interface{}) error {
	key, err := masterKeyBytes(masterKeyB64)
	if err != nil {
		return err
	}

	payload, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return &CryptoError{Reason: "ciphertext is not valid base64", cause: err}
	}
	if len(payload) < gcmNonceSize {
		return &CryptoError{Reason: "ciphertext shorter than nonce"}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce, ciphertext := payload[:gcmNonceSize], payload[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return &CryptoError{Reason: "authentication failed", cause: err}
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return &CryptoError{Reason: "decrypted payload is not valid json", cause: err}
	}
	return nil
}

// MaskSecret renders a secret safe for display. Never used for comparison.
func MaskSecret(value string) string {
	if len(value) <= 6 {
		return "***"
	}
	return value[:2] + "***" + value[len(value)-2:]
}
