package types

import "time"

// RatchetHeader is sent alongside every Olm ciphertext.
type RatchetHeader struct {
	DiffieHellmanPublicKey X25519Public `json:"dh_pub"`
	PreviousChainLength    uint32       `json:"pn"`
	MessageIndex           uint32       `json:"n"`
}

// SkippedKey is a message key derived ahead of time for an out-of-order message.
type SkippedKey struct {
	RatchetKey X25519Public `json:"ratchet_key"`
	Index      uint32       `json:"index"`
	MessageKey []byte       `json:"message_key"`
}

// RatchetState contains all fields the double ratchet needs to track.
// SkippedKeys is ordered oldest first and bounded; RetiredPeerKeys lists the
// peer ratchet keys whose chains are closed.
type RatchetState struct {
	RootKey                 []byte         `json:"root_key"`
	DiffieHellmanPrivate    X25519Private  `json:"dh_priv"`
	DiffieHellmanPublic     X25519Public   `json:"dh_pub"`
	PeerDiffieHellmanPublic X25519Public   `json:"peer_dh_pub"`
	SendChainKey            []byte         `json:"send_ck,omitempty"`
	ReceiveChainKey         []byte         `json:"recv_ck,omitempty"`
	SendMessageIndex        uint32         `json:"ns"`
	ReceiveMessageIndex     uint32         `json:"nr"`
	PreviousChainLength     uint32         `json:"pn"`
	SkippedKeys             []SkippedKey   `json:"skipped_keys,omitempty"`
	RetiredPeerKeys         []X25519Public `json:"retired_peer_keys,omitempty"`
}

// Clone returns a deep copy so a failed step leaves the original untouched.
func (s RatchetState) Clone() RatchetState {
	out := s
	out.RootKey = append([]byte(nil), s.RootKey...)
	out.SendChainKey = append([]byte(nil), s.SendChainKey...)
	out.ReceiveChainKey = append([]byte(nil), s.ReceiveChainKey...)
	out.SkippedKeys = make([]SkippedKey, len(s.SkippedKeys))
	for i, k := range s.SkippedKeys {
		k.MessageKey = append([]byte(nil), k.MessageKey...)
		out.SkippedKeys[i] = k
	}
	out.RetiredPeerKeys = append([]X25519Public(nil), s.RetiredPeerKeys...)
	return out
}

// OlmMessageType distinguishes pre-key messages from normal ones on the wire.
type OlmMessageType int

const (
	OlmPreKeyMessage OlmMessageType = 0
	OlmNormalMessage OlmMessageType = 1
)

// OlmMessage is a ratchet message.
type OlmMessage struct {
	Header     RatchetHeader `json:"header"`
	Ciphertext []byte        `json:"ciphertext"`
}

// PreKeyMessage carries the session-establishment parameters until the
// responder replies.
type PreKeyMessage struct {
	OneTimeKey  X25519Public `json:"one_time_key"`
	BaseKey     X25519Public `json:"base_key"`
	IdentityKey X25519Public `json:"identity_key"`
	Message     OlmMessage   `json:"message"`
}

// PendingPreKey is what an outbound session keeps re-sending until a reply
// arrives.
type PendingPreKey struct {
	OneTimeKey X25519Public `json:"one_time_key"`
	BaseKey    X25519Public `json:"base_key"`
}

// OlmSession is an established pairwise session with one remote device key.
type OlmSession struct {
	ID                string         `json:"id"`
	RemoteIdentityKey X25519Public   `json:"remote_identity_key"`
	State             RatchetState   `json:"state"`
	CreatedAt         time.Time      `json:"created_at"`
	LastUsed          time.Time      `json:"last_used"`
	PendingPreKey     *PendingPreKey `json:"pending_pre_key,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *OlmSession) Clone() *OlmSession {
	out := *s
	out.State = s.State.Clone()
	if s.PendingPreKey != nil {
		p := *s.PendingPreKey
		out.PendingPreKey = &p
	}
	return &out
}
