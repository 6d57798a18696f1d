package types

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// OneTimeKey is a curve25519 key published for session establishment.
//
// A key moves from unpublished to Published, optionally records the identity
// key of the device that claimed it, and ends Used once an inbound session has
// been built from it. The private half is wiped when the key is used, and
// the oldest used records are eventually dropped.
type OneTimeKey struct {
	ID        string        `json:"id"`
	Priv      X25519Private `json:"priv"`
	Pub       X25519Public  `json:"pub"`
	Published bool          `json:"published"`
	ClaimedBy *X25519Public `json:"claimed_by,omitempty"`
	Used      bool          `json:"used"`
	Fallback  bool          `json:"fallback,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Account is the per-device cryptographic identity. There is at most one.
type Account struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
	Identity Identity    `json:"identity"`

	OneTimeKeys map[string]*OneTimeKey `json:"one_time_keys"`
	// Fallback is the current fallback key; PrevFallback is kept until the
	// next rotation so late pre-key messages still find it.
	Fallback     *OneTimeKey `json:"fallback,omitempty"`
	PrevFallback *OneTimeKey `json:"prev_fallback,omitempty"`

	NextKeyID uint32    `json:"next_key_id"`
	Shared    bool      `json:"shared"`
	CreatedAt time.Time `json:"created_at"`
}

// FindKey looks a local one-time or fallback key up by its public half.
func (a *Account) FindKey(pub X25519Public) (*OneTimeKey, bool) {
	for _, k := range a.OneTimeKeys {
		if k.Pub == pub {
			return k, true
		}
	}
	if a.Fallback != nil && a.Fallback.Pub == pub {
		return a.Fallback, true
	}
	if a.PrevFallback != nil && a.PrevFallback.Pub == pub {
		return a.PrevFallback, true
	}
	return nil, false
}

// UnpublishedCount returns the number of pool keys not yet uploaded.
func (a *Account) UnpublishedCount() int {
	n := 0
	for _, k := range a.OneTimeKeys {
		if !k.Published && !k.Used {
			n++
		}
	}
	return n
}
