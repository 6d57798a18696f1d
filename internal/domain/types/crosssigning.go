package types

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// CrossSigningUsage names the role of a cross-signing key.
type CrossSigningUsage string

const (
	UsageMaster      CrossSigningUsage = "master"
	UsageSelfSigning CrossSigningUsage = "self_signing"
	UsageUserSigning CrossSigningUsage = "user_signing"
)

// CrossSigningKey is the published form of a master, self-signing or
// user-signing key.
type CrossSigningKey struct {
	UserID     id.UserID           `json:"user_id"`
	Usage      []CrossSigningUsage `json:"usage"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
}

// NewCrossSigningKey builds the unsigned published form of pub.
func NewCrossSigningKey(user id.UserID, usage CrossSigningUsage, pub Ed25519Public) *CrossSigningKey {
	return &CrossSigningKey{
		UserID: user,
		Usage:  []CrossSigningUsage{usage},
		Keys:   map[id.KeyID]string{id.NewKeyID(id.KeyAlgorithmEd25519, pub.String()): pub.String()},
	}
}

// PublicKey returns the single ed25519 key of the object.
func (k *CrossSigningKey) PublicKey() (Ed25519Public, bool) {
	if k == nil {
		return Ed25519Public{}, false
	}
	for kid, v := range k.Keys {
		if !strings.HasPrefix(string(kid), string(id.KeyAlgorithmEd25519)+":") {
			continue
		}
		pub, err := ParseEd25519Public(v)
		if err != nil {
			return Ed25519Public{}, false
		}
		return pub, true
	}
	return Ed25519Public{}, false
}

// KeyID returns the ed25519 key id used when this key signs something.
func (k *CrossSigningKey) KeyID() id.KeyID {
	pub, _ := k.PublicKey()
	return id.NewKeyID(id.KeyAlgorithmEd25519, pub.String())
}

// HasUsage reports whether the key is published for usage.
func (k *CrossSigningKey) HasUsage(usage CrossSigningUsage) bool {
	for _, u := range k.Usage {
		if u == usage {
			return true
		}
	}
	return false
}

// CrossSigningIdentity is a user's cross-signing graph root.
type CrossSigningIdentity struct {
	UserID      id.UserID        `json:"user_id"`
	Master      *CrossSigningKey `json:"master,omitempty"`
	SelfSigning *CrossSigningKey `json:"self_signing,omitempty"`
	UserSigning *CrossSigningKey `json:"user_signing,omitempty"`

	// MasterVerified is set on the local identity once the master key has
	// been verified by this device.
	MasterVerified bool `json:"master_verified,omitempty"`
	// PreviousMaster is the last master key seen before a rotation.
	PreviousMaster *Ed25519Public `json:"previous_master,omitempty"`
	// IdentityChanged is set when the master key rotated and the change has
	// not been acknowledged.
	IdentityChanged bool `json:"identity_changed,omitempty"`
}

// CrossSigningStatus summarises which local cross-signing keys exist.
type CrossSigningStatus struct {
	HasMaster      bool
	HasSelfSigning bool
	HasUserSigning bool
	HasPrivateKeys bool
}

// IsComplete reports whether all three public keys are present.
func (s CrossSigningStatus) IsComplete() bool {
	return s.HasMaster && s.HasSelfSigning && s.HasUserSigning
}

// TrustEventKind classifies a trust change.
type TrustEventKind string

const (
	TrustIdentityChanged TrustEventKind = "identity_changed"
	TrustDeviceChanged   TrustEventKind = "device_trust_changed"
	TrustUserChanged     TrustEventKind = "user_trust_changed"
	TrustDeviceAdded     TrustEventKind = "device_added"
	TrustDeviceRemoved   TrustEventKind = "device_removed"
)

// TrustEvent reports a trust change observed after a key query or a local action.
type TrustEvent struct {
	Kind     TrustEventKind
	UserID   id.UserID
	DeviceID id.DeviceID
	Old, New TrustState
}
