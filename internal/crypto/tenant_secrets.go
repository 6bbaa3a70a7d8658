// Package crypto provides at-rest encryption for the tenants.signing_secret
// column using AES-256-GCM with key versioning support. The decrypted value
// only ever lives in memory for the duration of signing or verifying a JWT.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

const encryptedPrefix = "enc:"

// Sealer encrypts and decrypts tenant secrets under a versioned set of
// master keys, so a key can be rotated by adding a new version without
// invalidating ciphertext minted under the old one.
type Sealer struct {
	keys          map[int][]byte
	activeVersion int
}

// NewSealer builds a Sealer from a version -> 32-byte-key map. activeVersion
// selects which key new Seal calls use; all versions remain valid for Open.
func NewSealer(keys map[int][]byte, activeVersion int) (*Sealer, error) {
	if _, ok := keys[activeVersion]; !ok {
		return nil, fmt.Errorf("crypto: active key version %d has no configured key", activeVersion)
	}
	for v, k := range keys {
		if len(k) != 32 {
			return nil, fmt.Errorf("crypto: key version %d must be 32 bytes, got %d", v, len(k))
		}
	}
	return &Sealer{keys: keys, activeVersion: activeVersion}, nil
}

// NewSealerFromHex builds a single-version Sealer from a 64-hex-character
// key, the common case for a freshly deployed tenant.
func NewSealerFromHex(keyHex string) (*Sealer, error) {
	key, err := decodeHexKey(keyHex)
	if err != nil {
		return nil, err
	}
	return NewSealer(map[int][]byte{1: key}, 1)
}

// NewSealerFromHexKeys builds a Sealer from the version -> hex-key map
// produced by config.Config.TenantSecretKeys, decoding each entry.
func NewSealerFromHexKeys(hexKeys map[int]string, activeVersion int) (*Sealer, error) {
	keys := make(map[int][]byte, len(hexKeys))
	for version, keyHex := range hexKeys {
		key, err := decodeHexKey(keyHex)
		if err != nil {
			return nil, fmt.Errorf("crypto: key version %d: %w", version, err)
		}
		keys[version] = key
	}
	return NewSealer(keys, activeVersion)
}

// Seal encrypts plaintext under the active key version, returning
// "enc:<version>:<base64(nonce||ciphertext)>".
func (s *Sealer) Seal(plaintext string) (string, error) {
	key := s.keys[s.activeVersion]
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d:%s", encryptedPrefix, s.activeVersion, base64.StdEncoding.EncodeToString(ciphertext)), nil
}

// Open decrypts a value produced by Seal, using whichever key version it
// was sealed under. GCM authentication rejects any tampering.
func (s *Sealer) Open(sealed string) (string, error) {
	if len(sealed) < len(encryptedPrefix) || sealed[:len(encryptedPrefix)] != encryptedPrefix {
		return "", fmt.Errorf("crypto: missing %q prefix", encryptedPrefix)
	}
	rest := sealed[len(encryptedPrefix):]
	sep := -1
	for i, c := range rest {
		if c == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return "", fmt.Errorf("crypto: malformed sealed value")
	}
	var version int
	if _, err := fmt.Sscanf(rest[:sep], "%d", &version); err != nil {
		return "", fmt.Errorf("crypto: parse key version: %w", err)
	}
	encoded := rest[sep+1:]

	key, ok := s.keys[version]
	if !ok {
		return "", fmt.Errorf("crypto: no key configured for version %d", version)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("crypto: decode ciphertext: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("crypto: ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (invalid key or tampered data): %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM mode: %w", err)
	}
	return gcm, nil
}

func decodeHexKey(keyHex string) ([]byte, error) {
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("crypto: key must be exactly 32 bytes (64 hex characters)")
	}
	key := make([]byte, 32)
	n, err := hex.Decode(key, []byte(keyHex))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid key format (must be hex): %w", err)
	}
	if n != 32 {
		return nil, fmt.Errorf("crypto: key decoded to %d bytes, expected 32", n)
	}
	return key, nil
}

// GenerateKey generates a new 32-byte AES key in hex, for initial setup or
// key rotation.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("crypto: generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
