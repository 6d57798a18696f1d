package types

import (
	"encoding/base64"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// Curve25519 returns the unpadded base64 form used in Matrix key maps.
func (p X25519Public) Curve25519() id.Curve25519 {
	return id.Curve25519(base64.RawStdEncoding.EncodeToString(p[:]))
}

// String returns the unpadded base64 form.
func (p X25519Public) String() string { return string(p.Curve25519()) }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p Ed25519Public) IsZero() bool { return p == Ed25519Public{} }

// Ed25519 returns the unpadded base64 form used in Matrix key maps.
func (p Ed25519Public) Ed25519() id.Ed25519 {
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(p[:]))
}

// String returns the unpadded base64 form.
func (p Ed25519Public) String() string { return string(p.Ed25519()) }

// Ed25519Private is an Ed25519 signing private key.
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// ParseX25519Public decodes an unpadded (or padded) base64 curve25519 key.
func ParseX25519Public(s string) (X25519Public, error) {
	var out X25519Public
	err := decodeFixed(s, out[:])
	return out, err
}

// ParseEd25519Public decodes an unpadded (or padded) base64 ed25519 key.
func ParseEd25519Public(s string) (Ed25519Public, error) {
	var out Ed25519Public
	err := decodeFixed(s, out[:])
	return out, err
}

func decodeFixed(s string, dst []byte) error {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("invalid key length %d, want %d", len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
