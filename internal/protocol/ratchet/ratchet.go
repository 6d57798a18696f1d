package ratchet

import (
	"encoding/binary"
	"errors"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/util/memzero"
)

const (
	// DefaultMaxSkippedKeys bounds the out-of-order window.
	DefaultMaxSkippedKeys = 40
	// DefaultMaxMessageGap bounds how far ahead a message index may jump.
	DefaultMaxMessageGap = 2000

	maxRetiredPeerKeys = 5
)

var (
	ErrDuplicateMessage = errors.New("message index already consumed")
	ErrTooFarInFuture   = errors.New("message index too far ahead of the chain")
	ErrDecrypt          = errors.New("message authentication failed")

	errChainUninitialised = errors.New("ratchet chain key is uninitialised")
)

// Limits bounds the receiving side of a ratchet.
type Limits struct {
	MaxSkippedKeys int
	MaxMessageGap  uint32
}

// DefaultLimits returns the window used when no configuration is supplied.
func DefaultLimits() Limits {
	return Limits{MaxSkippedKeys: DefaultMaxSkippedKeys, MaxMessageGap: DefaultMaxMessageGap}
}

// InitAsInitiator seeds the sending chain from the agreed root and chain keys
// with a fresh ratchet key.
func InitAsInitiator(root, chain []byte) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	return domain.RatchetState{
		RootKey:              append([]byte(nil), root...),
		DiffieHellmanPrivate: priv,
		DiffieHellmanPublic:  pub,
		SendChainKey:         append([]byte(nil), chain...),
	}, nil
}

// InitAsResponder seeds the receiving chain for the sender's ratchet key. The
// sending chain is created lazily on the first Encrypt.
func InitAsResponder(root, chain []byte, senderRatchetPub domain.X25519Public) domain.RatchetState {
	return domain.RatchetState{
		RootKey:                 append([]byte(nil), root...),
		PeerDiffieHellmanPublic: senderRatchetPub,
		ReceiveChainKey:         append([]byte(nil), chain...),
	}
}

// Encrypt produces a header and ciphertext. On the first send after a new
// peer ratchet key was seen it steps the DH ratchet. st is only modified on
// success.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	work := st.Clone()
	if len(work.SendChainKey) == 0 {
		if work.PeerDiffieHellmanPublic.IsZero() {
			return domain.RatchetHeader{}, nil, errChainUninitialised
		}
		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		dh, err := crypto.DH(newPriv, work.PeerDiffieHellmanPublic)
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		rk, sendCK := kdfRK(work.RootKey, dh[:])
		memzero.Zero(dh[:])

		work.PreviousChainLength = work.SendMessageIndex
		work.SendMessageIndex = 0
		work.RootKey = rk
		work.DiffieHellmanPrivate, work.DiffieHellmanPublic = newPriv, newPub
		work.SendChainKey = sendCK
	}

	mk, err := kdfCKSend(&work)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	h := domain.RatchetHeader{
		DiffieHellmanPublicKey: work.DiffieHellmanPublic,
		PreviousChainLength:    work.PreviousChainLength,
		MessageIndex:           work.SendMessageIndex,
	}
	ct, err := seal(mk, h, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	work.SendMessageIndex++
	*st = work
	return h, ct, nil
}

// Decrypt opens a message, using a skipped key when one matches, stepping the
// DH ratchet on a new peer key and deriving intermediate keys as needed.
// st is only modified on success.
func Decrypt(st *domain.RatchetState, lim Limits, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	work := st.Clone()
	pt, err := decrypt(&work, lim, ad, header, ciphertext)
	if err != nil {
		return nil, err
	}
	*st = work
	return pt, nil
}

func decrypt(st *domain.RatchetState, lim Limits, ad []byte, h domain.RatchetHeader, ct []byte) ([]byte, error) {
	if i := findSkipped(st, h.DiffieHellmanPublicKey, h.MessageIndex); i >= 0 {
		mk := st.SkippedKeys[i].MessageKey
		pt, err := open(mk, h, ad, ct)
		if err != nil {
			return nil, err
		}
		memzero.Zero(mk)
		st.SkippedKeys = append(st.SkippedKeys[:i], st.SkippedKeys[i+1:]...)
		return pt, nil
	}

	switch {
	case h.DiffieHellmanPublicKey == st.PeerDiffieHellmanPublic:
		if h.MessageIndex < st.ReceiveMessageIndex {
			return nil, ErrDuplicateMessage
		}
	case isRetired(st, h.DiffieHellmanPublicKey):
		return nil, ErrDuplicateMessage
	default:
		if len(st.ReceiveChainKey) > 0 {
			if err := skipUntil(st, lim, h.PreviousChainLength); err != nil {
				return nil, err
			}
			st.RetiredPeerKeys = append(st.RetiredPeerKeys, st.PeerDiffieHellmanPublic)
			if len(st.RetiredPeerKeys) > maxRetiredPeerKeys {
				st.RetiredPeerKeys = st.RetiredPeerKeys[len(st.RetiredPeerKeys)-maxRetiredPeerKeys:]
			}
		}
		dh, err := crypto.DH(st.DiffieHellmanPrivate, h.DiffieHellmanPublicKey)
		if err != nil {
			return nil, err
		}
		rk, recvCK := kdfRK(st.RootKey, dh[:])
		memzero.Zero(dh[:])

		st.RootKey = rk
		st.PeerDiffieHellmanPublic = h.DiffieHellmanPublicKey
		st.ReceiveChainKey = recvCK
		st.ReceiveMessageIndex = 0
		// Next Encrypt ratchets with a fresh key against the new peer key.
		st.SendChainKey = nil
	}

	if err := skipUntil(st, lim, h.MessageIndex); err != nil {
		return nil, err
	}
	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, h, ad, ct)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.ReceiveMessageIndex++
	return pt, nil
}

// --- helpers ---

func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	return crypto.SealChaCha(mk[:crypto.AEADKeySize], nonce(header), plaintext, append(append([]byte(nil), ad...), headerBytes(header)...))
}

func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	pt, err := crypto.OpenChaCha(mk[:crypto.AEADKeySize], nonce(header), ciphertext, append(append([]byte(nil), ad...), headerBytes(header)...))
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func nonce(h domain.RatchetHeader) []byte {
	n := make([]byte, crypto.ChaChaNonceSize)
	binary.BigEndian.PutUint32(n[crypto.ChaChaNonceSize-4:], h.MessageIndex)
	return n
}

func headerBytes(h domain.RatchetHeader) []byte {
	out := make([]byte, 0, 32+8)
	out = append(out, h.DiffieHellmanPublicKey[:]...)
	out = binary.BigEndian.AppendUint32(out, h.PreviousChainLength)
	out = binary.BigEndian.AppendUint32(out, h.MessageIndex)
	return out
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	out := crypto.HKDF(dh, rk, []byte("OLM_RATCHET"), 64)
	return out[:32], out[32:]
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	out := crypto.HKDF(ck, nil, []byte("OLM_CHAIN"), 64)
	return out[:32], out[32:]
}

func kdfCKSend(st *domain.RatchetState) ([]byte, error) {
	if len(st.SendChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendChainKey)
	st.SendChainKey = nextCK
	return mk, nil
}

func kdfCKRecv(st *domain.RatchetState) ([]byte, error) {
	if len(st.ReceiveChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.ReceiveChainKey)
	st.ReceiveChainKey = nextCK
	return mk, nil
}

// skipUntil derives and stores message keys up to n, evicting the oldest
// skipped keys past the window.
func skipUntil(st *domain.RatchetState, lim Limits, n uint32) error {
	if n <= st.ReceiveMessageIndex {
		return nil
	}
	if lim.MaxMessageGap > 0 && n-st.ReceiveMessageIndex > lim.MaxMessageGap {
		return ErrTooFarInFuture
	}
	for st.ReceiveMessageIndex < n {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return err
		}
		st.SkippedKeys = append(st.SkippedKeys, domain.SkippedKey{
			RatchetKey: st.PeerDiffieHellmanPublic,
			Index:      st.ReceiveMessageIndex,
			MessageKey: mk,
		})
		st.ReceiveMessageIndex++
	}
	if limit := lim.MaxSkippedKeys; limit > 0 && len(st.SkippedKeys) > limit {
		drop := len(st.SkippedKeys) - limit
		for i := 0; i < drop; i++ {
			memzero.Zero(st.SkippedKeys[i].MessageKey)
		}
		st.SkippedKeys = append([]domain.SkippedKey(nil), st.SkippedKeys[drop:]...)
	}
	return nil
}

func findSkipped(st *domain.RatchetState, key domain.X25519Public, n uint32) int {
	for i, k := range st.SkippedKeys {
		if k.RatchetKey == key && k.Index == n {
			return i
		}
	}
	return -1
}

func isRetired(st *domain.RatchetState, key domain.X25519Public) bool {
	for _, k := range st.RetiredPeerKeys {
		if k == key {
			return true
		}
	}
	return false
}
