package olm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/protocol/olm"
	"mxcrypt/internal/protocol/ratchet"
)

func newIdentity(t *testing.T) domain.Identity {
	t.Helper()
	xpriv, xpub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edpriv, edpub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	return domain.Identity{XPub: xpub, XPriv: xpriv, EdPub: edpub, EdPriv: edpriv}
}

func TestSecretsAgree(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	otkPriv, otkPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	basePriv, basePub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	rootA, chainA, err := olm.OutboundSecret(alice.XPriv, basePriv, bob.XPub, otkPub)
	require.NoError(t, err)
	rootB, chainB, err := olm.InboundSecret(bob.XPriv, otkPriv, alice.XPub, basePub)
	require.NoError(t, err)

	assert.Equal(t, rootA, rootB)
	assert.Equal(t, chainA, chainB)
	assert.NotEqual(t, rootA, chainA)
}

func TestSessionLifecycle(t *testing.T) {
	now := time.Unix(1700000000, 0)
	alice, bob := newIdentity(t), newIdentity(t)
	otkPriv, otkPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	out, err := olm.NewOutboundSession(alice, bob.XPub, otkPub, now)
	require.NoError(t, err)

	typ, body, err := olm.Encrypt(out, alice.XPub, []byte("first"), now)
	require.NoError(t, err)
	require.Equal(t, types.OlmPreKeyMessage, typ)

	pre, err := olm.DecodePreKey(body)
	require.NoError(t, err)
	assert.Equal(t, otkPub, pre.OneTimeKey)
	assert.Equal(t, alice.XPub, pre.IdentityKey)

	in, err := olm.NewInboundSession(bob, otkPriv, pre, now)
	require.NoError(t, err)
	assert.Equal(t, out.ID, in.ID, "both sides derive the same session id")
	assert.True(t, olm.MatchesInbound(in, pre))

	pt, err := olm.Decrypt(in, ratchet.DefaultLimits(), typ, body, now)
	require.NoError(t, err)
	assert.Equal(t, "first", string(pt))

	// Still pre-key until bob answers.
	typ, body, err = olm.Encrypt(out, alice.XPub, []byte("second"), now)
	require.NoError(t, err)
	require.Equal(t, types.OlmPreKeyMessage, typ)
	pt, err = olm.Decrypt(in, ratchet.DefaultLimits(), typ, body, now)
	require.NoError(t, err)
	assert.Equal(t, "second", string(pt))

	typ, body, err = olm.Encrypt(in, bob.XPub, []byte("reply"), now)
	require.NoError(t, err)
	require.Equal(t, types.OlmNormalMessage, typ)
	pt, err = olm.Decrypt(out, ratchet.DefaultLimits(), typ, body, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "reply", string(pt))
	assert.Nil(t, out.PendingPreKey)
	assert.Equal(t, now.Add(time.Minute), out.LastUsed)

	typ, _, err = olm.Encrypt(out, alice.XPub, []byte("third"), now)
	require.NoError(t, err)
	assert.Equal(t, types.OlmNormalMessage, typ)
}

func TestPreKeyForOtherSessionIsRejected(t *testing.T) {
	now := time.Now()
	alice, bob := newIdentity(t), newIdentity(t)
	otkPriv, otkPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	first, err := olm.NewOutboundSession(alice, bob.XPub, otkPub, now)
	require.NoError(t, err)
	second, err := olm.NewOutboundSession(alice, bob.XPub, otkPub, now)
	require.NoError(t, err)

	_, body1, err := olm.Encrypt(first, alice.XPub, []byte("a"), now)
	require.NoError(t, err)
	pre1, err := olm.DecodePreKey(body1)
	require.NoError(t, err)
	in, err := olm.NewInboundSession(bob, otkPriv, pre1, now)
	require.NoError(t, err)

	_, body2, err := olm.Encrypt(second, alice.XPub, []byte("b"), now)
	require.NoError(t, err)
	_, err = olm.Decrypt(in, ratchet.DefaultLimits(), types.OlmPreKeyMessage, body2, now)
	assert.ErrorIs(t, err, olm.ErrSessionMismatch)
}

func TestKeyObjectSignature(t *testing.T) {
	dev := newIdentity(t)
	_, otk, err := crypto.GenerateX25519()
	require.NoError(t, err)
	user, device := id.UserID("@bob:example.org"), id.DeviceID("BOBDEVICE")

	obj := types.KeyObject{Key: otk.String()}
	require.NoError(t, olm.SignKeyObject(&obj, user, device, dev.EdPriv))

	got, err := olm.VerifyKeyObject(obj, user, device, dev.EdPub)
	require.NoError(t, err)
	assert.Equal(t, otk, got)

	_, other, err := crypto.GenerateX25519()
	require.NoError(t, err)
	forged := obj
	forged.Key = other.String()
	_, err = olm.VerifyKeyObject(forged, user, device, dev.EdPub)
	assert.ErrorIs(t, err, olm.ErrBadKeySignature)

	_, err = olm.VerifyKeyObject(obj, user, "OTHER", dev.EdPub)
	assert.ErrorIs(t, err, olm.ErrBadKeySignature)
}
