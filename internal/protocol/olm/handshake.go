package olm

import (
	"errors"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/util/memzero"
)

var (
	ErrBadKeySignature = errors.New("one-time key signature verification failed")
	ErrSessionMismatch = errors.New("pre-key message does not belong to this session")
	ErrBadMessage      = errors.New("malformed olm message")
)

// OutboundSecret derives the root and chain keys on the initiator side.
func OutboundSecret(
	ourIdentity domain.X25519Private,
	ourBase domain.X25519Private,
	theirIdentity domain.X25519Public,
	theirOneTimeKey domain.X25519Public,
) (root, chain []byte, err error) {
	dh1, err := crypto.DH(ourIdentity, theirOneTimeKey) // DH(I_A, E_B)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := crypto.DH(ourBase, theirIdentity) // DH(B_A, I_B)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := crypto.DH(ourBase, theirOneTimeKey) // DH(B_A, E_B)
	if err != nil {
		return nil, nil, err
	}
	root, chain = expand(dh1, dh2, dh3)
	return root, chain, nil
}

// InboundSecret derives the same keys on the responder side.
func InboundSecret(
	ourIdentity domain.X25519Private,
	ourOneTimeKey domain.X25519Private,
	theirIdentity domain.X25519Public,
	theirBase domain.X25519Public,
) (root, chain []byte, err error) {
	dh1, err := crypto.DH(ourOneTimeKey, theirIdentity)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := crypto.DH(ourIdentity, theirBase)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := crypto.DH(ourOneTimeKey, theirBase)
	if err != nil {
		return nil, nil, err
	}
	root, chain = expand(dh1, dh2, dh3)
	return root, chain, nil
}

func expand(parts ...[32]byte) (root, chain []byte) {
	secret := make([]byte, 0, 32*len(parts))
	for i := range parts {
		secret = append(secret, parts[i][:]...)
		memzero.Zero(parts[i][:])
	}
	out := crypto.HKDF(secret, nil, []byte("OLM_ROOT"), 64)
	memzero.Zero(secret)
	return out[:32], out[32:]
}

// SessionID is identical on both sides of a session.
func SessionID(initiatorIdentity, baseKey, oneTimeKey domain.X25519Public) string {
	return crypto.B64(crypto.SHA256(initiatorIdentity[:], baseKey[:], oneTimeKey[:]))
}
