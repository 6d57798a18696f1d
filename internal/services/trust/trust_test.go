package trust

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/store"
)

const (
	alice = id.UserID("@alice:example.org")
	bob   = id.UserID("@bob:example.org")
)

func newAccount(t *testing.T, user id.UserID, device id.DeviceID) *domain.Account {
	t.Helper()
	xpriv, xpub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edpriv, edpub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	return &domain.Account{
		UserID:   user,
		DeviceID: device,
		Identity: domain.Identity{XPub: xpub, XPriv: xpriv, EdPub: edpub, EdPriv: edpriv},
	}
}

// identity is a user's cross-signing keys held by the test.
type identity struct {
	user       id.UserID
	masterPriv domain.Ed25519Private
	sskPriv    domain.Ed25519Private
	master     *types.CrossSigningKey
	ssk        *types.CrossSigningKey
}

func newIdentity(t *testing.T, user id.UserID) *identity {
	t.Helper()
	mpriv, mpub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	spriv, spub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	ident := &identity{
		user:       user,
		masterPriv: mpriv,
		sskPriv:    spriv,
		master:     types.NewCrossSigningKey(user, types.UsageMaster, mpub),
		ssk:        types.NewCrossSigningKey(user, types.UsageSelfSigning, spub),
	}
	sign(t, mpriv, ident.ssk, &ident.ssk.Signatures, user, ident.master.KeyID())
	return ident
}

func sign(t *testing.T, priv domain.Ed25519Private, obj any, sigs *types.Signatures, user id.UserID, kid id.KeyID) {
	t.Helper()
	sig, err := crypto.SignJSON(priv, obj)
	require.NoError(t, err)
	sigs.Add(user, kid, sig)
}

// deviceKeys publishes a self-signed device, optionally signed by ident's
// self-signing key.
func deviceKeys(t *testing.T, user id.UserID, device id.DeviceID, ident *identity) types.DeviceKeys {
	t.Helper()
	_, xpub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edpriv, edpub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	d := &domain.Device{
		UserID:      user,
		DeviceID:    device,
		IdentityKey: xpub,
		SigningKey:  edpub,
		Algorithms:  []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
	}
	dk := d.DeviceKeys()
	sign(t, edpriv, dk, &dk.Signatures, user, id.NewKeyID(id.KeyAlgorithmEd25519, string(device)))
	if ident != nil {
		sign(t, ident.sskPriv, dk, &dk.Signatures, user, ident.ssk.KeyID())
	}
	return dk
}

func query(ident *identity, devices ...types.DeviceKeys) *types.KeysQueryResponse {
	resp := &types.KeysQueryResponse{DeviceKeys: map[id.UserID]map[id.DeviceID]types.DeviceKeys{}}
	for _, dk := range devices {
		if resp.DeviceKeys[dk.UserID] == nil {
			resp.DeviceKeys[dk.UserID] = map[id.DeviceID]types.DeviceKeys{}
		}
		resp.DeviceKeys[dk.UserID][dk.DeviceID] = dk
	}
	if ident != nil {
		resp.MasterKeys = map[id.UserID]types.CrossSigningKey{ident.user: *ident.master}
		resp.SelfSigningKeys = map[id.UserID]types.CrossSigningKey{ident.user: *ident.ssk}
	}
	return resp
}

func kinds(events []types.TrustEvent) []types.TrustEventKind {
	out := make([]types.TrustEventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func newService(t *testing.T) (*Service, interfaces.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, newAccount(t, alice, "ALICE"), zerolog.Nop()), st
}

func TestUpdateFromQuery_AddsAndRemovesDevices(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	good := deviceKeys(t, bob, "GOOD", nil)
	forged := deviceKeys(t, bob, "FORGED", nil)
	forged.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, "FORGED")] = good.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, "GOOD")]

	events, err := svc.UpdateFromQuery(ctx, query(nil, good, forged))
	require.NoError(t, err)
	assert.Equal(t, []types.TrustEventKind{types.TrustDeviceAdded}, kinds(events))

	_, err = svc.ComputeDeviceTrust(ctx, bob, "FORGED")
	require.ErrorIs(t, err, errs.ErrUnknownDevice)
	v, err := svc.ComputeDeviceTrust(ctx, bob, "GOOD")
	require.NoError(t, err)
	assert.Equal(t, types.TrustUnset, v.State)

	events, err = svc.UpdateFromQuery(ctx, &types.KeysQueryResponse{
		DeviceKeys: map[id.UserID]map[id.DeviceID]types.DeviceKeys{bob: {}},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.TrustDeviceRemoved, events[0].Kind)
	assert.Equal(t, id.DeviceID("GOOD"), events[0].DeviceID)
}

func TestUpdateFromQuery_IgnoresChangedDeviceKeys(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	first := deviceKeys(t, bob, "DEV", nil)
	_, err := svc.UpdateFromQuery(ctx, query(nil, first))
	require.NoError(t, err)

	_, err = svc.UpdateFromQuery(ctx, query(nil, deviceKeys(t, bob, "DEV", nil)))
	require.NoError(t, err)

	require.NoError(t, st.View(ctx, func(tx interfaces.ReadTx) error {
		d, ok, err := tx.Device(bob, "DEV")
		require.True(t, ok)
		assert.Equal(t, first.Keys[id.NewKeyID(id.KeyAlgorithmEd25519, "DEV")], d.SigningKey.String())
		return err
	}))
}

func TestLocalPinAndBlacklist(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.UpdateFromQuery(ctx, query(nil, deviceKeys(t, bob, "DEV", nil)))
	require.NoError(t, err)

	require.NoError(t, svc.SetLocalTrust(ctx, bob, "DEV", types.TrustVerified))
	v, err := svc.ComputeDeviceTrust(ctx, bob, "DEV")
	require.NoError(t, err)
	assert.True(t, v.Trusted())
	assert.False(t, v.CrossSigned)

	require.NoError(t, svc.SetLocalTrust(ctx, bob, "DEV", types.TrustBlacklisted))
	v, err = svc.ComputeDeviceTrust(ctx, bob, "DEV")
	require.NoError(t, err)
	assert.Equal(t, types.TrustBlacklisted, v.State)
}

func TestBootstrap_OwnDeviceCrossSigned(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	st0, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st0.IsComplete())

	boot, err := svc.BootstrapCrossSigning(ctx)
	require.NoError(t, err)
	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsComplete())
	assert.True(t, status.HasPrivateKeys)

	other := deviceKeys(t, alice, "ALICE2", nil)
	_, err = svc.UpdateFromQuery(ctx, query(nil, other))
	require.NoError(t, err)

	v, err := svc.ComputeDeviceTrust(ctx, alice, "ALICE2")
	require.NoError(t, err)
	assert.Equal(t, types.TrustUnset, v.State)

	upload, err := svc.SignDevice(ctx, alice, "ALICE2")
	require.NoError(t, err)
	assert.Contains(t, upload[alice], "ALICE2")

	v, err = svc.ComputeDeviceTrust(ctx, alice, "ALICE2")
	require.NoError(t, err)
	assert.Equal(t, types.TrustVerified, v.State)
	assert.True(t, v.CrossSigned)
	assert.Empty(t, v.Edges)

	// Corrupt one byte of the self-signing signature.
	sskID := boot.Keys.SelfSigning.KeyID()
	require.NoError(t, st.Txn(ctx, func(tx interfaces.Tx) error {
		d, _, err := tx.Device(alice, "ALICE2")
		require.NoError(t, err)
		raw, err := crypto.DecodeB64(d.Signatures[alice][sskID])
		require.NoError(t, err)
		raw[0] ^= 0x01
		d.Signatures[alice][sskID] = crypto.B64(raw)
		return tx.PutDevice(d)
	}))

	v, err = svc.ComputeDeviceTrust(ctx, alice, "ALICE2")
	require.NoError(t, err)
	assert.Equal(t, types.TrustUnset, v.State)
	require.Len(t, v.Edges, 1)
	assert.ErrorIs(t, v.Edges[0], errs.ErrSignatureVerification)
}

func TestSignUser_AndMasterRotation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.BootstrapCrossSigning(ctx)
	require.NoError(t, err)

	bobIdent := newIdentity(t, bob)
	bobDev := deviceKeys(t, bob, "BOB", bobIdent)
	_, err = svc.UpdateFromQuery(ctx, query(bobIdent, bobDev))
	require.NoError(t, err)

	v, err := svc.ComputeDeviceTrust(ctx, bob, "BOB")
	require.NoError(t, err)
	assert.Equal(t, types.TrustUnset, v.State)

	_, err = svc.SignUser(ctx, bob)
	require.NoError(t, err)
	user, err := svc.ComputeUserTrust(ctx, bob)
	require.NoError(t, err)
	assert.True(t, user.Verified)
	v, err = svc.ComputeDeviceTrust(ctx, bob, "BOB")
	require.NoError(t, err)
	assert.Equal(t, types.TrustVerified, v.State)

	// A re-query that does not echo our signature keeps it.
	events, err := svc.UpdateFromQuery(ctx, query(bobIdent, bobDev))
	require.NoError(t, err)
	assert.Empty(t, events)

	rotated := newIdentity(t, bob)
	events, err = svc.UpdateFromQuery(ctx, query(rotated, deviceKeys(t, bob, "BOB2", rotated)))
	require.NoError(t, err)
	got := kinds(events)
	assert.Contains(t, got, types.TrustIdentityChanged)
	assert.Contains(t, got, types.TrustDeviceAdded)
	assert.Contains(t, got, types.TrustDeviceRemoved)
	assert.Contains(t, got, types.TrustUserChanged)

	user, err = svc.ComputeUserTrust(ctx, bob)
	require.NoError(t, err)
	assert.False(t, user.Verified)
	v, err = svc.ComputeDeviceTrust(ctx, bob, "BOB2")
	require.NoError(t, err)
	assert.Equal(t, types.TrustUnset, v.State)
}

func TestImportPrivateKey_RejectsMismatch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.BootstrapCrossSigning(ctx)
	require.NoError(t, err)

	priv, _, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	err = svc.ImportPrivateKey(ctx, types.UsageMaster, crypto.B64(crypto.Ed25519Seed(priv)))
	require.ErrorIs(t, err, errs.ErrCryptoInvariant)
}
