package megolm

import (
	"bytes"
	"errors"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/types"
)

const (
	messageVersion    = 3
	sessionKeyVersion = 2
	exportKeyVersion  = 1
)

var (
	ErrBadMessage        = errors.New("malformed megolm message")
	ErrBadSignature      = errors.New("megolm message signature is invalid")
	ErrUnknownIndex      = errors.New("message index precedes the first known index")
	ErrBadSessionKey     = errors.New("malformed megolm session key")
	ErrReplayedIndex     = errors.New("message index seen with different ciphertext")
	ErrSessionMismatch   = errors.New("session keys do not belong to the same ratchet")
	ErrSessionIDMismatch = errors.New("session id does not match signing key")
)

type messageBody struct {
	Version    uint8  `cbor:"1,keyasint"`
	Index      uint32 `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
}

type signedMessage struct {
	Body      []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

type sessionKey struct {
	Version    uint8                `cbor:"1,keyasint"`
	Ratchet    domain.MegolmRatchet `cbor:"2,keyasint"`
	SigningKey domain.Ed25519Public `cbor:"3,keyasint"`
	Signature  []byte               `cbor:"4,keyasint,omitempty"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// NewOutboundSession creates a fresh sending session for a room.
func NewOutboundSession(roomID id.RoomID, settings types.RoomSettings, now time.Time) (*domain.OutboundGroupSession, error) {
	r, err := NewRatchet()
	if err != nil {
		return nil, err
	}
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	return &domain.OutboundGroupSession{
		RoomID:     roomID,
		ID:         id.SessionID(pub.String()),
		Ratchet:    r,
		SigningKey: priv,
		CreatedAt:  now,
		SharedWith: map[string]types.SharedDevice{},
		Settings:   settings,
	}, nil
}

// Encrypt seals plaintext at the current index, signs it and advances the
// ratchet. It returns the encoded message and the index used.
func Encrypt(s *domain.OutboundGroupSession, plaintext []byte) ([]byte, uint32, error) {
	index := s.Ratchet.Counter
	key, nonce := messageKey(&s.Ratchet)
	ct, err := crypto.SealChaCha(key, nonce, plaintext, nil)
	if err != nil {
		return nil, 0, err
	}
	body, err := encMode.Marshal(messageBody{Version: messageVersion, Index: index, Ciphertext: ct})
	if err != nil {
		return nil, 0, err
	}
	msg, err := encMode.Marshal(signedMessage{Body: body, Signature: crypto.SignEd25519(s.SigningKey, body)})
	if err != nil {
		return nil, 0, err
	}
	Advance(&s.Ratchet)
	s.MessageCount++
	return msg, index, nil
}

// MessageIndex returns the index of an encoded message without decrypting it.
func MessageIndex(msg []byte) (uint32, error) {
	_, body, err := decodeMessage(msg)
	if err != nil {
		return 0, err
	}
	return body.Index, nil
}

func decodeMessage(msg []byte) (signedMessage, messageBody, error) {
	var sm signedMessage
	if err := cbor.Unmarshal(msg, &sm); err != nil {
		return sm, messageBody{}, ErrBadMessage
	}
	var body messageBody
	if err := cbor.Unmarshal(sm.Body, &body); err != nil || body.Version != messageVersion {
		return sm, messageBody{}, ErrBadMessage
	}
	return sm, body, nil
}

// Decrypt verifies and opens msg. The inbound ratchet is not advanced; the
// seen-index map is updated and a second ciphertext for an index already
// decrypted fails with ErrReplayedIndex.
func Decrypt(s *domain.InboundGroupSession, msg []byte) ([]byte, uint32, error) {
	sm, body, err := decodeMessage(msg)
	if err != nil {
		return nil, 0, err
	}
	if !crypto.VerifyEd25519(s.SigningKey, sm.Body, sm.Signature) {
		return nil, 0, ErrBadSignature
	}
	if body.Index < s.Ratchet.Counter {
		return nil, body.Index, ErrUnknownIndex
	}
	digest := crypto.SHA256(msg)
	if prev, ok := s.Seen[body.Index]; ok && !bytes.Equal(prev, digest) {
		return nil, body.Index, ErrReplayedIndex
	}

	r := s.Ratchet
	if err := AdvanceTo(&r, body.Index); err != nil {
		return nil, body.Index, err
	}
	key, nonce := messageKey(&r)
	pt, err := crypto.OpenChaCha(key, nonce, body.Ciphertext, nil)
	if err != nil {
		return nil, body.Index, err
	}
	if s.Seen == nil {
		s.Seen = map[uint32][]byte{}
	}
	s.Seen[body.Index] = digest
	PruneSeen(s)
	return pt, body.Index, nil
}

// MaxSeen bounds the per-session map of decrypted indices. Past it the
// lowest indices are forgotten, so equivocation is detected only within the
// most recent indices.
const MaxSeen = 4096

// PruneSeen trims s.Seen to three quarters of MaxSeen once it exceeds
// MaxSeen, dropping the lowest indices.
func PruneSeen(s *domain.InboundGroupSession) {
	if len(s.Seen) <= MaxSeen {
		return
	}
	idx := make([]uint32, 0, len(s.Seen))
	for i := range s.Seen {
		idx = append(idx, i)
	}
	slices.Sort(idx)
	for _, i := range idx[:len(idx)-MaxSeen*3/4] {
		delete(s.Seen, i)
	}
}

// SessionKey returns the signed key that lets recipients decrypt from the
// session's current index.
func SessionKey(s *domain.OutboundGroupSession) (string, error) {
	pub := crypto.Ed25519PublicFrom(s.SigningKey)
	k := sessionKey{Version: sessionKeyVersion, Ratchet: s.Ratchet, SigningKey: pub}
	unsigned, err := encMode.Marshal(k)
	if err != nil {
		return "", err
	}
	k.Signature = crypto.SignEd25519(s.SigningKey, unsigned)
	raw, err := encMode.Marshal(k)
	if err != nil {
		return "", err
	}
	return crypto.B64(raw), nil
}

// NewInboundSession builds an inbound session from a signed session key.
func NewInboundSession(key string) (*domain.InboundGroupSession, error) {
	k, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	if k.Version != sessionKeyVersion {
		return nil, ErrBadSessionKey
	}
	sig := k.Signature
	k.Signature = nil
	unsigned, err := encMode.Marshal(k)
	if err != nil {
		return nil, err
	}
	if !crypto.VerifyEd25519(k.SigningKey, unsigned, sig) {
		return nil, ErrBadSignature
	}
	return inboundFrom(k), nil
}

// ImportInboundSession builds an inbound session from an exported key.
func ImportInboundSession(key string) (*domain.InboundGroupSession, error) {
	k, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	if k.Version != exportKeyVersion {
		return nil, ErrBadSessionKey
	}
	return inboundFrom(k), nil
}

// ExportKey returns the unsigned key for s starting at index.
func ExportKey(s *domain.InboundGroupSession, index uint32) (string, error) {
	r := s.Ratchet
	if err := AdvanceTo(&r, index); err != nil {
		return "", ErrUnknownIndex
	}
	raw, err := encMode.Marshal(sessionKey{Version: exportKeyVersion, Ratchet: r, SigningKey: s.SigningKey})
	if err != nil {
		return "", err
	}
	return crypto.B64(raw), nil
}

// SameRatchet reports whether a and b are the same Megolm session: the one
// with the lower first index ratchets forward to exactly the other.
func SameRatchet(a, b *domain.InboundGroupSession) bool {
	if a.SigningKey != b.SigningKey {
		return false
	}
	lo, hi := a.Ratchet, b.Ratchet
	if lo.Counter > hi.Counter {
		lo, hi = hi, lo
	}
	if err := AdvanceTo(&lo, hi.Counter); err != nil {
		return false
	}
	return lo == hi
}

// CheckSessionID verifies that a claimed session id names the signing key.
func CheckSessionID(s *domain.InboundGroupSession, claimed id.SessionID) error {
	if claimed != s.ID {
		return ErrSessionIDMismatch
	}
	return nil
}

func decodeKey(key string) (sessionKey, error) {
	raw, err := crypto.DecodeB64(key)
	if err != nil {
		return sessionKey{}, ErrBadSessionKey
	}
	var k sessionKey
	if err := cbor.Unmarshal(raw, &k); err != nil {
		return sessionKey{}, ErrBadSessionKey
	}
	return k, nil
}

func inboundFrom(k sessionKey) *domain.InboundGroupSession {
	return &domain.InboundGroupSession{
		ID:         id.SessionID(k.SigningKey.String()),
		Ratchet:    k.Ratchet,
		SigningKey: k.SigningKey,
		Seen:       map[uint32][]byte{},
	}
}
