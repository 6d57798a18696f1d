package types

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// EventType is a Matrix event type.
type EventType string

const (
	EventEncrypted        EventType = "m.room.encrypted"
	EventRoomKey          EventType = "m.room_key"
	EventForwardedRoomKey EventType = "m.forwarded_room_key"
	EventRoomKeyRequest   EventType = "m.room_key_request"
	EventSecretRequest    EventType = "m.secret.request"
	EventSecretSend       EventType = "m.secret.send"
	EventDummy            EventType = "m.dummy"

	EventVerificationRequest EventType = "m.key.verification.request"
	EventVerificationReady   EventType = "m.key.verification.ready"
	EventVerificationStart   EventType = "m.key.verification.start"
	EventVerificationAccept  EventType = "m.key.verification.accept"
	EventVerificationKey     EventType = "m.key.verification.key"
	EventVerificationMAC     EventType = "m.key.verification.mac"
	EventVerificationCancel  EventType = "m.key.verification.cancel"
	EventVerificationDone    EventType = "m.key.verification.done"
)

// ToDeviceEvent is a to-device event as delivered by sync.
type ToDeviceEvent struct {
	Sender id.UserID `json:"sender"`
	// SenderDevice is filled in by transports that know the sending device.
	SenderDevice id.DeviceID     `json:"sender_device,omitempty"`
	Type         EventType       `json:"type"`
	Content      json.RawMessage `json:"content"`
}

// OlmCiphertext is one recipient's entry of an Olm envelope.
type OlmCiphertext struct {
	Type OlmMessageType `json:"type"`
	Body string         `json:"body"`
}

// EncryptedOlmContent is the m.olm.v1.curve25519-aes-sha2 envelope.
type EncryptedOlmContent struct {
	Algorithm  id.Algorithm                    `json:"algorithm"`
	SenderKey  id.Curve25519                   `json:"sender_key"`
	Ciphertext map[id.Curve25519]OlmCiphertext `json:"ciphertext"`
}

// DecryptedOlmPayload is the plaintext inside an Olm envelope.
type DecryptedOlmPayload struct {
	Type          EventType         `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        id.UserID         `json:"sender"`
	SenderDevice  id.DeviceID       `json:"sender_device"`
	Recipient     id.UserID         `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	Keys          map[string]string `json:"keys"`
}

// EncryptedMegolmContent is the m.megolm.v1.aes-sha2 room event content.
type EncryptedMegolmContent struct {
	Algorithm  id.Algorithm  `json:"algorithm"`
	SenderKey  id.Curve25519 `json:"sender_key"`
	DeviceID   id.DeviceID   `json:"device_id"`
	SessionID  id.SessionID  `json:"session_id"`
	Ciphertext string        `json:"ciphertext"`
}

// MegolmPayload is the plaintext of a room event before group encryption.
type MegolmPayload struct {
	RoomID  id.RoomID       `json:"room_id"`
	Type    EventType       `json:"type"`
	Content json.RawMessage `json:"content"`
}

// DecryptedRoomEvent is the result of decrypting a room event.
type DecryptedRoomEvent struct {
	RoomID      id.RoomID
	Type        EventType
	Content     json.RawMessage
	SenderKey   X25519Public
	SessionID   id.SessionID
	Index       uint32
	Forwarded   bool
	SenderTrust TrustState
}

// DecryptedToDevice is a successfully decrypted to-device event.
type DecryptedToDevice struct {
	Sender    id.UserID
	SenderKey X25519Public
	Payload   DecryptedOlmPayload
}

// ToDeviceMessages maps recipients to the content each receives.
type ToDeviceMessages map[id.UserID]map[id.DeviceID]any

// Add appends a message for one device.
func (m ToDeviceMessages) Add(user id.UserID, device id.DeviceID, content any) {
	if m[user] == nil {
		m[user] = map[id.DeviceID]any{}
	}
	m[user][device] = content
}

// WithheldDevice is a device that did not receive a room key, and why.
type WithheldDevice struct {
	UserID   id.UserID
	DeviceID id.DeviceID
	Reason   string
}

// EncryptedRoomEvent is what the caller posts to the room.
type EncryptedRoomEvent struct {
	Content  EncryptedMegolmContent
	Index    uint32
	Withheld []WithheldDevice
}
