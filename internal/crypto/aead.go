package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AEADKeySize is the key length for both AEADs used here.
	AEADKeySize = 32
	// ChaChaNonceSize is the ChaCha20-Poly1305 nonce length.
	ChaChaNonceSize = chacha20poly1305.NonceSize
	// GCMNonceSize is the AES-GCM nonce length.
	GCMNonceSize = 12
)

// ErrDecrypt is returned when an AEAD fails to authenticate the ciphertext.
var ErrDecrypt = errors.New("message authentication failed")

// SealChaCha encrypts plaintext with ChaCha20-Poly1305.
func SealChaCha(key, nonce, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// OpenChaCha decrypts a ChaCha20-Poly1305 ciphertext.
func OpenChaCha(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// SealGCM encrypts plaintext with AES-256-GCM.
func SealGCM(key, nonce, plaintext, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, ad), nil
}

// OpenGCM decrypts an AES-256-GCM ciphertext.
func OpenGCM(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
