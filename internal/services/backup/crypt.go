package backup

import (
	"errors"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/types"
)

var sessionInfo = []byte("mxcrypt megolm backup v1")

var errBackupDecrypt = errors.New("backup record does not decrypt with this key")

// sealSession encrypts plaintext to the backup public key with a fresh
// ephemeral key. The ephemeral public key is bound as associated data.
func sealSession(pub domain.X25519Public, plaintext []byte) (types.BackupSessionData, error) {
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return types.BackupSessionData{}, err
	}
	key, nonce, err := sessionKey(ephPriv, pub)
	if err != nil {
		return types.BackupSessionData{}, err
	}
	ct, err := crypto.SealGCM(key, nonce, plaintext, ephPub[:])
	if err != nil {
		return types.BackupSessionData{}, err
	}
	return types.BackupSessionData{Ephemeral: ephPub.String(), Ciphertext: crypto.B64(ct)}, nil
}

func openSession(priv domain.X25519Private, data types.BackupSessionData) ([]byte, error) {
	ephPub, err := types.ParseX25519Public(data.Ephemeral)
	if err != nil {
		return nil, err
	}
	ct, err := crypto.DecodeB64(data.Ciphertext)
	if err != nil {
		return nil, err
	}
	key, nonce, err := sessionKey(priv, ephPub)
	if err != nil {
		return nil, err
	}
	pt, err := crypto.OpenGCM(key, nonce, ct, ephPub[:])
	if err != nil {
		return nil, errBackupDecrypt
	}
	return pt, nil
}

func sessionKey(priv domain.X25519Private, pub domain.X25519Public) (key, nonce []byte, err error) {
	shared, err := crypto.DH(priv, pub)
	if err != nil {
		return nil, nil, err
	}
	okm := crypto.HKDF(shared[:], nil, sessionInfo, 32+12)
	return okm[:32], okm[32:], nil
}
