// Package crypto holds the password-derived key schedule and authenticated
// encryption envelope shared by the vault and the log store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// SaltSize is the length in bytes of a freshly generated KDF salt.
	SaltSize = 32

	// KeySize is the length in bytes of a derived content key (AES-256).
	KeySize = 32

	// nonceSize is the GCM standard nonce size.
	nonceSize = 12

	// Argon2id parameters. Changing any of these requires a document
	// schema version bump: vaults sealed under the old parameters would
	// otherwise silently fail to unlock.
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 4
)

// Sentinel errors surfaced as the CryptoError kind.
var (
	ErrBadKey        = errors.New("crypto: invalid key length")
	ErrBadCiphertext = errors.New("crypto: ciphertext authentication failed")
	ErrSerialization = errors.New("crypto: serialization failed")
)

// GenerateSalt returns SaltSize bytes read from a cryptographically secure
// source, suitable as the per-vault Argon2id salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches password+salt into a KeySize content key using
// Argon2id at the fixed parameters above.
func DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)
}

// EncryptJSON serializes v to JSON and seals it under key with a fresh
// random nonce, returning nonce||ciphertext||tag.
func EncryptJSON(v any, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrBadKey
	}

	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// DecryptJSON opens an envelope produced by EncryptJSON and unmarshals the
// plaintext into out. It fails loudly (ErrBadCiphertext) on tag mismatch.
func DecryptJSON(data []byte, key []byte, out any) error {
	if len(key) != KeySize {
		return ErrBadKey
	}
	if len(data) < nonceSize {
		return ErrBadCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrBadCiphertext
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return gcm, nil
}

// MaskValue keeps the first keep characters of s and replaces the rest
// with asterisks. If s is no longer than keep, it is returned unmasked.
func MaskValue(s string, keep int) string {
	runes := []rune(s)
	if keep < 0 {
		keep = 0
	}
	if len(runes) <= keep {
		return s
	}
	masked := make([]rune, len(runes))
	copy(masked, runes[:keep])
	for i := keep; i < len(runes); i++ {
		masked[i] = '*'
	}
	return string(masked)
}

// ConstantTimeEqual reports whether a and b are equal, in time
// independent of where in the strings any difference occurs. Token
// comparisons anywhere in the system must go through this.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		// subtle.ConstantTimeCompare requires equal lengths; a length
		// mismatch is itself not secret, so a fast path is safe here.
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
