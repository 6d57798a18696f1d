package types

import "maunium.net/go/mautrix/id"

// Identity is a device's long-term key material: the curve25519 identity key
// used for Olm and the ed25519 key that signs its device keys, one-time keys
// and verification MACs.
type Identity struct {
	XPub   X25519Public   `json:"curve25519"`
	XPriv  X25519Private  `json:"curve25519_priv"`
	EdPub  Ed25519Public  `json:"ed25519"`
	EdPriv Ed25519Private `json:"ed25519_priv"`
}

// DeviceSigningKeyID is the key id a device signs with: ed25519:<device id>.
func DeviceSigningKeyID(device id.DeviceID) id.KeyID {
	return id.NewKeyID(id.KeyAlgorithmEd25519, string(device))
}
