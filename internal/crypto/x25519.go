package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/curve25519"

	"mxcrypt/internal/domain"
)

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519() (priv domain.X25519Private, pub domain.X25519Public, err error) {
	return GenerateX25519From(rand.Reader)
}

// GenerateX25519From is GenerateX25519 with an explicit entropy source.
func GenerateX25519From(r io.Reader) (priv domain.X25519Private, pub domain.X25519Public, err error) {
	if _, err = io.ReadFull(r, priv[:]); err != nil {
		return
	}
	clamp(&priv)
	pub, err = X25519PublicFrom(priv)
	return
}

// X25519PublicFrom derives the public half of priv.
func X25519PublicFrom(priv domain.X25519Private) (pub domain.X25519Public, err error) {
	pb, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], pb)
	return pub, nil
}

// DH computes X25519 Diffie-Hellman.
func DH(priv domain.X25519Private, pub domain.X25519Public) (out [32]byte, err error) {
	secret, err := curve25519.X25519(priv.Slice(), pub.Slice())
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

func clamp(k *domain.X25519Private) {
	kb := k[:]
	kb[0] &= 248
	kb[31] &= 127
	kb[31] |= 64
}
