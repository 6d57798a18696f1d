package types

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// MegolmRatchet is the four-part hash ratchet plus its counter.
type MegolmRatchet struct {
	Parts   [4][32]byte `json:"parts"`
	Counter uint32      `json:"counter"`
}

// RoomSettings are the per-room encryption settings.
type RoomSettings struct {
	RotationMessages         uint32        `json:"rotation_messages"`
	RotationPeriod           time.Duration `json:"rotation_period"`
	RotateOnMembershipChange bool          `json:"rotate_on_membership_change"`
	OnlyAllowTrustedDevices  bool          `json:"only_allow_trusted_devices"`
}

// SharedDevice records that a device received the session key at an index.
type SharedDevice struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
	Index    uint32      `json:"index"`
}

// OutboundGroupSession is the local sending side of a room's Megolm session.
type OutboundGroupSession struct {
	RoomID       id.RoomID               `json:"room_id"`
	ID           id.SessionID            `json:"session_id"`
	Ratchet      MegolmRatchet           `json:"ratchet"`
	SigningKey   Ed25519Private          `json:"signing_key"`
	CreatedAt    time.Time               `json:"created_at"`
	MessageCount uint32                  `json:"message_count"`
	SharedWith   map[string]SharedDevice `json:"shared_with"`
	// WithheldFrom maps devices that were considered for this session but
	// left out to the withheld reason.
	WithheldFrom map[string]string `json:"withheld_from,omitempty"`
	Settings     RoomSettings      `json:"settings"`
	Invalidated  bool              `json:"invalidated,omitempty"`
}

// SharedKey is the SharedWith map key for a device.
func SharedKey(user id.UserID, device id.DeviceID) string {
	return string(user) + "|" + string(device)
}

// Expired reports whether the session reached a rotation threshold at now.
func (s *OutboundGroupSession) Expired(now time.Time) bool {
	if s.Invalidated {
		return true
	}
	if s.Settings.RotationMessages > 0 && s.MessageCount >= s.Settings.RotationMessages {
		return true
	}
	return s.Settings.RotationPeriod > 0 && now.Sub(s.CreatedAt) >= s.Settings.RotationPeriod
}

// InboundGroupSession decrypts a sender's room messages from FirstKnownIndex on.
type InboundGroupSession struct {
	RoomID           id.RoomID         `json:"room_id"`
	SenderKey        X25519Public      `json:"sender_key"`
	SenderClaimedKey Ed25519Public     `json:"sender_claimed_key"`
	ID               id.SessionID      `json:"session_id"`
	Ratchet          MegolmRatchet     `json:"ratchet"`
	SigningKey       Ed25519Public     `json:"signing_key"`
	ForwardingChain  []string          `json:"forwarding_chain,omitempty"`
	Imported         bool              `json:"imported,omitempty"`
	BackedUp         bool              `json:"backed_up,omitempty"`
	Seen             map[uint32][]byte `json:"seen,omitempty"`
	ReceivedAt       time.Time         `json:"received_at"`
}

// FirstKnownIndex is the lowest index this session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.Ratchet.Counter }

// ExportedSession is one entry of a Matrix room key export.
type ExportedSession struct {
	Algorithm                    id.Algorithm      `json:"algorithm"`
	ForwardingCurve25519KeyChain []string          `json:"forwarding_curve25519_key_chain"`
	RoomID                       id.RoomID         `json:"room_id"`
	SenderKey                    id.Curve25519     `json:"sender_key"`
	SenderClaimedKeys            map[string]string `json:"sender_claimed_keys"`
	SessionID                    id.SessionID      `json:"session_id"`
	SessionKey                   string            `json:"session_key"`
}

// RoomKeyContent is the decrypted m.room_key payload.
type RoomKeyContent struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
}

// ForwardedRoomKeyContent is the decrypted m.forwarded_room_key payload.
type ForwardedRoomKeyContent struct {
	RoomKeyContent
	SenderKey                    id.Curve25519 `json:"sender_key"`
	SenderClaimedKey             id.Ed25519    `json:"sender_claimed_ed25519_key"`
	ForwardingCurve25519KeyChain []string      `json:"forwarding_curve25519_key_chain"`
}

// RoomKeyRequestBody names the session being asked for.
type RoomKeyRequestBody struct {
	Algorithm id.Algorithm  `json:"algorithm"`
	RoomID    id.RoomID     `json:"room_id"`
	SenderKey id.Curve25519 `json:"sender_key"`
	SessionID id.SessionID  `json:"session_id"`
}

const (
	KeyRequestActionRequest = "request"
	KeyRequestActionCancel  = "request_cancellation"
)

// RoomKeyRequestContent is the m.room_key_request payload.
type RoomKeyRequestContent struct {
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestID          string              `json:"request_id"`
	RequestingDeviceID id.DeviceID         `json:"requesting_device_id"`
}

// OutgoingKeyRequest remembers a key request we sent so it is not repeated.
type OutgoingKeyRequest struct {
	RequestID string             `json:"request_id"`
	Body      RoomKeyRequestBody `json:"body"`
	SentAt    time.Time          `json:"sent_at"`
}
