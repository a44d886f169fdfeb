// Package secrets implements the Secrets Vault: symmetric authenticated
// encryption of stored values with a process-wide master key, scoped
// lookup (platform vs user), and expiry.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidKeyOrCorrupted is the distinct tamper-detection error kind
// the vault must surface when decryption fails, whether from a wrong
// master key or a modified ciphertext. It deliberately does not
// distinguish the two causes, to avoid leaking information about which.
var ErrInvalidKeyOrCorrupted = errors.New("secrets: invalid key or corrupted data")

const blobVersion = "v1"

type encryptedBlob struct {
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// encryptBlob seals plain under key (must be 32 bytes, AES-256) and
// returns a versioned, base64-wrapped JSON blob safe to store as text.
func encryptBlob(plain []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("secrets: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plain, nil)

	blob := encryptedBlob{
		Version:    blobVersion,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("secrets: marshal blob: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

// decryptBlob reverses encryptBlob. Any failure — malformed wrapper,
// wrong version, bad nonce/ciphertext, or GCM authentication failure —
// is reported as ErrInvalidKeyOrCorrupted so callers never have to
// distinguish "wrong key" from "tampered data".
func decryptBlob(data string, key []byte) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(data)
	if err != nil {
		return nil, ErrInvalidKeyOrCorrupted
	}
	var blob encryptedBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, ErrInvalidKeyOrCorrupted
	}
	if blob.Version != blobVersion {
		return nil, ErrInvalidKeyOrCorrupted
	}
	nonce, err := base64.RawStdEncoding.DecodeString(blob.Nonce)
	if err != nil {
		return nil, ErrInvalidKeyOrCorrupted
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, ErrInvalidKeyOrCorrupted
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidKeyOrCorrupted
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrInvalidKeyOrCorrupted
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidKeyOrCorrupted
	}
	return plain, nil
}

// DecodeMasterKey validates that raw base64 (standard, unpadded) decodes
// to exactly 32 bytes, the key size AES-256-GCM requires.
func DecodeMasterKey(raw string) ([]byte, error) {
	key, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		// Fall back to treating raw as the literal key bytes, for
		// operators who set the env var to a plain 32-byte string.
		if len(raw) == 32 {
			return []byte(raw), nil
		}
		return nil, fmt.Errorf("secrets: decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
