package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"

	"mxcrypt/internal/domain"
)

// GenerateEd25519 returns a new Ed25519 signing key pair.
func GenerateEd25519() (priv domain.Ed25519Private, pub domain.Ed25519Public, err error) {
	return GenerateEd25519From(rand.Reader)
}

// GenerateEd25519From is GenerateEd25519 with an explicit entropy source.
func GenerateEd25519From(r io.Reader) (priv domain.Ed25519Private, pub domain.Ed25519Public, err error) {
	pk, sk, err := ed25519.GenerateKey(r)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], sk)
	copy(pub[:], pk)
	return priv, pub, nil
}

// Ed25519PublicFrom returns the public half embedded in priv.
func Ed25519PublicFrom(priv domain.Ed25519Private) (pub domain.Ed25519Public) {
	copy(pub[:], ed25519.PrivateKey(priv[:]).Public().(ed25519.PublicKey))
	return pub
}

// SignEd25519 signs msg with priv and returns the signature.
func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
}

// VerifyEd25519 verifies sig over msg with pub.
func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// Ed25519FromSeed rebuilds a key pair from its 32-byte seed.
func Ed25519FromSeed(seed []byte) (priv domain.Ed25519Private, pub domain.Ed25519Public, err error) {
	if len(seed) != ed25519.SeedSize {
		return priv, pub, errors.New("ed25519 seed must be 32 bytes")
	}
	sk := ed25519.NewKeyFromSeed(seed)
	copy(priv[:], sk)
	copy(pub[:], sk.Public().(ed25519.PublicKey))
	return priv, pub, nil
}

// Ed25519Seed returns the seed priv was derived from.
func Ed25519Seed(priv domain.Ed25519Private) []byte {
	return ed25519.PrivateKey(priv[:]).Seed()
}
