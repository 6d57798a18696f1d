package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"mxcrypt/internal/util/memzero"
)

const (
	KeyBytes   = 32
	SaltBytes  = 16
	NonceBytes = chacha20poly1305.NonceSize

	sealedVersion = 1
)

// sealed is the JSON form of a passphrase-protected secret.
type sealed struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// DeriveKEK derives a key-encryption key from a passphrase and salt using Argon2id.
func DeriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 1<<16, 4, KeyBytes)
}

// SealWithPassphrase encrypts plaintext under a key derived from passphrase
// and a fresh salt. The salt is bound as associated data.
func SealWithPassphrase(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	kek := DeriveKEK(passphrase, salt)
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return json.Marshal(sealed{V: sealedVersion, Salt: salt, Nonce: nonce, Cipher: aead.Seal(nil, nonce, plaintext, salt)})
}

// OpenWithPassphrase reverses SealWithPassphrase. A wrong passphrase or a
// modified blob yields ErrDecrypt.
func OpenWithPassphrase(passphrase string, blob []byte) ([]byte, error) {
	var s sealed
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("sealed secret: %w", err)
	}
	if s.V != sealedVersion {
		return nil, fmt.Errorf("sealed secret: unsupported version %d", s.V)
	}
	if len(s.Salt) != SaltBytes || len(s.Nonce) != NonceBytes {
		return nil, errors.New("sealed secret: invalid salt or nonce size")
	}
	kek := DeriveKEK(passphrase, s.Salt)
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, s.Nonce, s.Cipher, s.Salt)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
