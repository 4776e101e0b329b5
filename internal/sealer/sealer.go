// Package sealer provides AEAD encryption at rest for private key shares and
// session secret state, keyed off the node-local AT_REST_KEY. Only Argon2id
// + AES-256-GCM is supported.
package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

// Sealed is an AEAD-encrypted blob as stored in a BYTES_ENC column.
type Sealed struct {
	Ciphertext []byte
	Salt       []byte
	Nonce      []byte
}

// Sealer derives a fresh AES-256-GCM key per operation from a shared
// node-local secret, via Argon2id with a random salt. It holds no key in
// memory between calls.
type Sealer struct {
	atRestKey []byte
}

// New builds a Sealer from the node's AT_REST_KEY environment value.
func New(atRestKey string) *Sealer {
	return &Sealer{atRestKey: []byte(atRestKey)}
}

// Seal encrypts plaintext (e.g. a private scalar's raw bytes) under a key
// derived from the node's AT_REST_KEY and a fresh random salt.
func (s *Sealer) Seal(plaintext []byte) (*Sealed, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("sealer: generate salt: %w", err)
	}

	key := argon2.IDKey(s.atRestKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealer: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealer: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sealer: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return &Sealed{Ciphertext: ciphertext, Salt: salt, Nonce: nonce}, nil
}

// Open decrypts a Sealed blob, returning the original plaintext. Callers
// must SecureClear the result once they are done with it.
func (s *Sealer) Open(blob *Sealed) ([]byte, error) {
	key := argon2.IDKey(s.atRestKey, blob.Salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealer: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealer: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("sealer: decrypt: %w", err)
	}
	return plaintext, nil
}

// SecureClear overwrites a byte slice with zeros before it is discarded.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
