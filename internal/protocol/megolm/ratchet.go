package megolm

import (
	"crypto/rand"
	"errors"
	"io"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
)

const (
	RatchetParts   = 4
	RatchetPartLen = 32
)

var ErrRatchetBackwards = errors.New("cannot move ratchet backwards")

var seeds = [RatchetParts][]byte{{0x00}, {0x01}, {0x02}, {0x03}}

// NewRatchet returns a ratchet at index 0 with random parts.
func NewRatchet() (domain.MegolmRatchet, error) {
	return NewRatchetFrom(rand.Reader)
}

// NewRatchetFrom is NewRatchet with an explicit entropy source.
func NewRatchetFrom(r io.Reader) (domain.MegolmRatchet, error) {
	var m domain.MegolmRatchet
	for i := range m.Parts {
		if _, err := io.ReadFull(r, m.Parts[i][:]); err != nil {
			return domain.MegolmRatchet{}, err
		}
	}
	return m, nil
}

func rehash(m *domain.MegolmRatchet, from, to int) {
	copy(m.Parts[to][:], crypto.HMACSHA256(m.Parts[from][:], seeds[to]))
}

// Advance moves the ratchet one step forward.
func Advance(m *domain.MegolmRatchet) {
	mask := uint32(0x00FFFFFF)
	h := 0
	m.Counter++
	for h < RatchetParts {
		if m.Counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}
	for i := RatchetParts - 1; i >= h; i-- {
		rehash(m, h, i)
	}
}

// AdvanceTo moves the ratchet forward to index.
func AdvanceTo(m *domain.MegolmRatchet, index uint32) error {
	if index < m.Counter {
		return ErrRatchetBackwards
	}
	for j := 0; j < RatchetParts; j++ {
		shift := uint((RatchetParts - 1 - j) * 8)
		mask := ^uint32(0) << shift
		steps := ((index >> shift) - (m.Counter >> shift)) & 0xff
		if steps == 0 {
			continue
		}
		for ; steps > 1; steps-- {
			rehash(m, j, j)
		}
		for k := RatchetParts - 1; k >= j; k-- {
			rehash(m, j, k)
		}
		m.Counter = index & mask
	}
	return nil
}

// messageKey derives the AEAD key and nonce for the ratchet's current index.
func messageKey(m *domain.MegolmRatchet) (key, nonce []byte) {
	ikm := make([]byte, 0, RatchetParts*RatchetPartLen)
	for i := range m.Parts {
		ikm = append(ikm, m.Parts[i][:]...)
	}
	out := crypto.HKDF(ikm, nil, []byte("MEGOLM_KEYS"), crypto.AEADKeySize+crypto.ChaChaNonceSize)
	return out[:crypto.AEADKeySize], out[crypto.AEADKeySize:]
}
