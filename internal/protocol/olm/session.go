package olm

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/protocol/ratchet"
)

// NewOutboundSession starts a session towards a device whose one-time key has
// already been claimed and verified.
func NewOutboundSession(
	ourIdentity domain.Identity,
	theirIdentity domain.X25519Public,
	theirOneTimeKey domain.X25519Public,
	now time.Time,
) (*domain.OlmSession, error) {
	basePriv, basePub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	root, chain, err := OutboundSecret(ourIdentity.XPriv, basePriv, theirIdentity, theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	st, err := ratchet.InitAsInitiator(root, chain)
	if err != nil {
		return nil, err
	}
	return &domain.OlmSession{
		ID:                SessionID(ourIdentity.XPub, basePub, theirOneTimeKey),
		RemoteIdentityKey: theirIdentity,
		State:             st,
		CreatedAt:         now,
		LastUsed:          now,
		PendingPreKey:     &types.PendingPreKey{OneTimeKey: theirOneTimeKey, BaseKey: basePub},
	}, nil
}

// NewInboundSession builds the responder side from a pre-key message and the
// private half of the one-time key it names. The message itself is not
// decrypted; call Decrypt with it afterwards.
func NewInboundSession(
	ourIdentity domain.Identity,
	oneTimeKey domain.X25519Private,
	msg *domain.PreKeyMessage,
	now time.Time,
) (*domain.OlmSession, error) {
	root, chain, err := InboundSecret(ourIdentity.XPriv, oneTimeKey, msg.IdentityKey, msg.BaseKey)
	if err != nil {
		return nil, err
	}
	return &domain.OlmSession{
		ID:                SessionID(msg.IdentityKey, msg.BaseKey, msg.OneTimeKey),
		RemoteIdentityKey: msg.IdentityKey,
		State:             ratchet.InitAsResponder(root, chain, msg.Message.Header.DiffieHellmanPublicKey),
		CreatedAt:         now,
		LastUsed:          now,
	}, nil
}

// MatchesInbound reports whether a pre-key message was produced by s's peer
// for this very session.
func MatchesInbound(s *domain.OlmSession, msg *domain.PreKeyMessage) bool {
	return s.RemoteIdentityKey == msg.IdentityKey &&
		s.ID == SessionID(msg.IdentityKey, msg.BaseKey, msg.OneTimeKey)
}

// Encrypt advances the sending chain and returns the wire type and body.
// ourIdentity is only needed while the session still sends pre-key messages.
func Encrypt(s *domain.OlmSession, ourIdentity domain.X25519Public, plaintext []byte, now time.Time) (types.OlmMessageType, []byte, error) {
	h, ct, err := ratchet.Encrypt(&s.State, []byte(s.ID), plaintext)
	if err != nil {
		return 0, nil, err
	}
	inner := domain.OlmMessage{Header: h, Ciphertext: ct}
	s.LastUsed = now
	if s.PendingPreKey == nil {
		body, err := encMode.Marshal(inner)
		return types.OlmNormalMessage, body, err
	}
	body, err := encMode.Marshal(domain.PreKeyMessage{
		OneTimeKey:  s.PendingPreKey.OneTimeKey,
		BaseKey:     s.PendingPreKey.BaseKey,
		IdentityKey: ourIdentity,
		Message:     inner,
	})
	return types.OlmPreKeyMessage, body, err
}

// Decrypt opens a message of either type. A successful decrypt means the peer
// has the session, so pending pre-key wrapping stops.
func Decrypt(s *domain.OlmSession, lim ratchet.Limits, msgType types.OlmMessageType, body []byte, now time.Time) ([]byte, error) {
	var inner domain.OlmMessage
	switch msgType {
	case types.OlmPreKeyMessage:
		pre, err := DecodePreKey(body)
		if err != nil {
			return nil, err
		}
		if !MatchesInbound(s, pre) {
			return nil, ErrSessionMismatch
		}
		inner = pre.Message
	case types.OlmNormalMessage:
		if err := cbor.Unmarshal(body, &inner); err != nil {
			return nil, ErrBadMessage
		}
	default:
		return nil, ErrBadMessage
	}
	pt, err := ratchet.Decrypt(&s.State, lim, []byte(s.ID), inner.Header, inner.Ciphertext)
	if err != nil {
		return nil, err
	}
	if msgType == types.OlmNormalMessage {
		s.PendingPreKey = nil
	}
	s.LastUsed = now
	return pt, nil
}

// DecodePreKey parses a pre-key message body.
func DecodePreKey(body []byte) (*domain.PreKeyMessage, error) {
	var pre domain.PreKeyMessage
	if err := cbor.Unmarshal(body, &pre); err != nil {
		return nil, ErrBadMessage
	}
	if pre.IdentityKey.IsZero() || pre.BaseKey.IsZero() || pre.OneTimeKey.IsZero() {
		return nil, ErrBadMessage
	}
	return &pre, nil
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()
