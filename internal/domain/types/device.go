package types

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// TrustState is both the local pin on a device and the computed verdict.
type TrustState int

const (
	TrustUnset TrustState = iota
	TrustVerified
	TrustBlacklisted
	TrustIgnored
)

func (t TrustState) String() string {
	switch t {
	case TrustVerified:
		return "verified"
	case TrustBlacklisted:
		return "blacklisted"
	case TrustIgnored:
		return "ignored"
	default:
		return "unset"
	}
}

// Device is a remote (or our own) device as reported by a key query.
type Device struct {
	UserID      id.UserID      `json:"user_id"`
	DeviceID    id.DeviceID    `json:"device_id"`
	IdentityKey X25519Public   `json:"identity_key"`
	SigningKey  Ed25519Public  `json:"signing_key"`
	Algorithms  []id.Algorithm `json:"algorithms"`
	Signatures  Signatures     `json:"signatures,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	LocalTrust  TrustState     `json:"local_trust"`
	Deleted     bool           `json:"deleted,omitempty"`
	FirstSeen   time.Time      `json:"first_seen"`
}

// DeviceKeys rebuilds the signed device-keys object the device published.
func (d *Device) DeviceKeys() DeviceKeys {
	return DeviceKeys{
		UserID:     d.UserID,
		DeviceID:   d.DeviceID,
		Algorithms: d.Algorithms,
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmCurve25519, string(d.DeviceID)): d.IdentityKey.String(),
			id.NewKeyID(id.KeyAlgorithmEd25519, string(d.DeviceID)):    d.SigningKey.String(),
		},
		Signatures: d.Signatures,
	}
}

// DeviceVerdict is the computed trust of a device. Edges lists signature
// edges that failed to verify; they never abort the evaluation.
type DeviceVerdict struct {
	State       TrustState
	CrossSigned bool
	Edges       []error
}

// Trusted reports whether the verdict allows sharing keys with the device.
func (v DeviceVerdict) Trusted() bool { return v.State == TrustVerified }

// UserVerdict is the computed trust of a user identity.
type UserVerdict struct {
	Verified bool
	// Own is set when the user is the local user.
	Own   bool
	Edges []error
}
