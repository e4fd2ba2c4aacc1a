package crypto

import (
	"bytes"
	"crypto/aes"
	"encoding/base64"
	"fmt"
	"regexp"
)

// The migros outbound API dictates AES-256-ECB with PKCS#7 padding over the
// JSON request body. This is a separate, non-interchangeable path from the
// vault's envelope encryption: no nonce, no authentication, fixed key.

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)

// providerKeyBytes accepts the key either as 32 raw bytes or base64 of 32
// bytes, matching how the provider hands keys out.
func providerKeyBytes(secretKey string) ([]byte, error) {
	if base64Pattern.MatchString(secretKey) && len(secretKey) >= 44 {
		if decoded, err := base64.StdEncoding.DecodeString(secretKey); err == nil {
			return decoded, nil
		}
	}
	return []byte(secretKey), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

// EncryptProviderBody encrypts a JSON body for the provider transport
// encoding and returns it base64-encoded.
func EncryptProviderBody(jsonText []byte, secretKey string) (string, error) {
	key, err := providerKeyBytes(secretKey)
	if err != nil {
		return "", err
	}
	if len(key) != 32 {
		return "", &CryptoError{Reason: fmt.Sprintf("provider secret key must be 32 bytes, got %d", len(key))}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", &CryptoError{Reason: "failed to initialize provider cipher", cause: err}
	}

	padded := pkcs7Pad(jsonText, block.BlockSize())
	encrypted := make([]byte, len(padded))
	for i := 0; i < len(padded); i += block.BlockSize() {
		block.Encrypt(encrypted[i:i+block.BlockSize()], padded[i:i+block.BlockSize()])
	}

	return base64.StdEncoding.EncodeToString(encrypted), nil
}
