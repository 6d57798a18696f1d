package backup

import (
	"errors"
	"strings"

	"github.com/mr-tron/base58"

	"mxcrypt/internal/domain"
)

var recoveryPrefix = [2]byte{0x8b, 0x01}

var (
	ErrRecoveryKeyFormat = errors.New("malformed recovery key")
	ErrRecoveryKeyParity = errors.New("recovery key parity check failed")
)

// EncodeRecoveryKey renders a backup private key as a recovery key: base58
// of prefix, key and parity byte, in groups of four characters.
func EncodeRecoveryKey(priv domain.X25519Private) string {
	raw := make([]byte, 0, len(recoveryPrefix)+len(priv)+1)
	raw = append(raw, recoveryPrefix[:]...)
	raw = append(raw, priv[:]...)
	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	raw = append(raw, parity)

	enc := base58.Encode(raw)
	var sb strings.Builder
	for i, r := range enc {
		if i > 0 && i%4 == 0 {
			sb.WriteByte(' ')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// DecodeRecoveryKey parses a recovery key; whitespace is ignored.
func DecodeRecoveryKey(key string) (domain.X25519Private, error) {
	var priv domain.X25519Private
	raw, err := base58.Decode(strings.Join(strings.Fields(key), ""))
	if err != nil || len(raw) != len(recoveryPrefix)+len(priv)+1 {
		return priv, ErrRecoveryKeyFormat
	}
	if raw[0] != recoveryPrefix[0] || raw[1] != recoveryPrefix[1] {
		return priv, ErrRecoveryKeyFormat
	}
	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	if parity != 0 {
		return priv, ErrRecoveryKeyParity
	}
	copy(priv[:], raw[len(recoveryPrefix):])
	return priv, nil
}
