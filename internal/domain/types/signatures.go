package types

import "maunium.net/go/mautrix/id"

// Signatures maps signer user and key id to an unpadded base64 signature.
type Signatures map[id.UserID]map[id.KeyID]string

// Add records a signature, allocating maps as needed.
func (s *Signatures) Add(user id.UserID, key id.KeyID, sig string) {
	if *s == nil {
		*s = Signatures{}
	}
	if (*s)[user] == nil {
		(*s)[user] = map[id.KeyID]string{}
	}
	(*s)[user][key] = sig
}

// Get returns the signature by user/key, if any.
func (s Signatures) Get(user id.UserID, key id.KeyID) (string, bool) {
	sig, ok := s[user][key]
	return sig, ok
}

// KeyObject is a signed one-time or fallback key as uploaded and claimed.
type KeyObject struct {
	Key        string     `json:"key"`
	Fallback   bool       `json:"fallback,omitempty"`
	Signatures Signatures `json:"signatures,omitempty"`
}

// DeviceKeys is the signed device-keys object.
type DeviceKeys struct {
	UserID     id.UserID           `json:"user_id"`
	DeviceID   id.DeviceID         `json:"device_id"`
	Algorithms []id.Algorithm      `json:"algorithms"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
	Unsigned   *DeviceUnsigned     `json:"unsigned,omitempty"`
}

// DeviceUnsigned carries server-added fields excluded from signing.
type DeviceUnsigned struct {
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}
