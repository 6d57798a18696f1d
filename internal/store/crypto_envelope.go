package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"mxcrypt/internal/util/memzero"
)

const (
	// The current supported version of the encrypted blob format stored on disk.
	storeFormatVersion = 2
)

var (
	// Returned when the passphrase is incorrect or the ciphertext has been modified / corrupted.
	errWrongPassphrase = errors.New("wrong passphrase or corrupted store")
)

// blob is the on-disk JSON structure holding the ciphertext and KDF parameters.
// The key is derived once per salt; every write uses a fresh nonce.
type blob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

type scryptParams struct{ N, R, P int }

// Tunables for scrypt key derivation.
func scryptParamsDefault() scryptParams { return scryptParams{N: 1 << 15, R: 8, P: 1} }

// envelope holds a derived key so repeated snapshots skip the KDF.
type envelope struct {
	salt   []byte
	params scryptParams
	key    []byte
}

func newEnvelope(passphrase string, params scryptParams) (*envelope, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return deriveEnvelope(passphrase, salt, params)
}

func deriveEnvelope(passphrase string, salt []byte, params scryptParams) (*envelope, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return &envelope{salt: salt, params: params, key: key}, nil
}

// seal encrypts raw into a JSON blob.
func (e *envelope) seal(raw []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(e.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return json.Marshal(blob{
		V:      storeFormatVersion,
		Salt:   e.salt,
		N:      e.params.N,
		R:      e.params.R,
		P:      e.params.P,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, raw, e.salt),
	})
}

// openBlob decrypts a blob and returns the envelope to keep writing with.
func openBlob(passphrase string, b []byte) (*envelope, []byte, error) {
	var bl blob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, nil, err
	}
	if bl.V != storeFormatVersion {
		return nil, nil, fmt.Errorf("unsupported store version %d", bl.V)
	}
	env, err := deriveEnvelope(passphrase, bl.Salt, scryptParams{N: bl.N, R: bl.R, P: bl.P})
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(env.key)
	if err != nil {
		return nil, nil, err
	}
	pt, err := aead.Open(nil, bl.Nonce, bl.Cipher, bl.Salt)
	if err != nil {
		return nil, nil, errWrongPassphrase
	}
	return env, pt, nil
}

func (e *envelope) wipe() { memzero.Zero(e.key) }
