package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/relay"
	"mxcrypt/internal/services/verification"
	"mxcrypt/internal/store"
)

const (
	alice = id.UserID("@alice:example.org")
	bob   = id.UserID("@bob:example.org")
	room  = id.RoomID("!room:example.org")
)

type message struct {
	Body string `json:"body"`
}

func newMachine(t *testing.T, srv *relay.Server, user id.UserID, device id.DeviceID, mutate ...func(*Config)) *Machine {
	t.Helper()
	cfg := DefaultConfig(user, device)
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(context.Background(), store.NewMemoryStore(), relay.NewLocal(srv, user, device), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.ShareKeys(context.Background()))
	return m
}

// deliver hands over m's queued to-device events.
func deliver(t *testing.T, srv *relay.Server, m *Machine) []ToDeviceResult {
	t.Helper()
	return m.HandleToDevice(context.Background(), srv.FetchToDevice(m.UserID(), m.DeviceID()))
}

// settle syncs every machine until no events are left.
func settle(t *testing.T, srv *relay.Server, machines ...*Machine) []ToDeviceResult {
	t.Helper()
	var all []ToDeviceResult
	for range 20 {
		quiet := true
		for _, m := range machines {
			res := deliver(t, srv, m)
			if len(res) > 0 {
				quiet = false
			}
			all = append(all, res...)
		}
		if quiet {
			return all
		}
	}
	t.Fatal("machines did not settle")
	return nil
}

func body(t *testing.T, ev *types.DecryptedRoomEvent) string {
	t.Helper()
	var msg message
	require.NoError(t, json.Unmarshal(ev.Content, &msg))
	return msg.Body
}

func pin(t *testing.T, m *Machine, user id.UserID, device id.DeviceID) {
	t.Helper()
	require.NoError(t, m.Trust.SetLocalTrust(context.Background(), user, device, types.TrustVerified))
}

func TestNew_ReopensAccount(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	st := store.NewMemoryStore()
	m1, err := New(ctx, st, relay.NewLocal(srv, alice, "A1"), DefaultConfig(alice, "A1"), zerolog.Nop())
	require.NoError(t, err)
	m2, err := New(ctx, st, relay.NewLocal(srv, alice, "A1"), DefaultConfig(alice, "A1"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, m1.IdentityKey(), m2.IdentityKey())

	_, err = New(ctx, st, relay.NewLocal(srv, bob, "B1"), DefaultConfig(bob, "B1"), zerolog.Nop())
	require.ErrorIs(t, err, errs.ErrCryptoInvariant)
}

func TestShareKeys_TopsUpServerPool(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a := newMachine(t, srv, alice, "A1")
	limit := a.Account.MaxOneTimeKeys()

	resp, err := relay.NewLocal(srv, alice, "A1").UploadKeys(ctx, types.KeysUploadRequest{})
	require.NoError(t, err)
	assert.Equal(t, limit/2, resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519])

	// Nothing new to publish while the pool is full.
	require.NoError(t, a.ShareKeys(ctx))
	resp, err = relay.NewLocal(srv, alice, "A1").UploadKeys(ctx, types.KeysUploadRequest{})
	require.NoError(t, err)
	assert.Equal(t, limit/2, resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519])
}

func TestRoomMessage_EndToEnd(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a := newMachine(t, srv, alice, "A1")
	b := newMachine(t, srv, bob, "B1")
	_, err := a.UpdateDevices(ctx, alice, bob)
	require.NoError(t, err)
	_, err = b.UpdateDevices(ctx, alice, bob)
	require.NoError(t, err)

	ev, err := a.EncryptRoomEvent(ctx, room, []id.UserID{alice, bob}, "m.room.message", message{Body: "hello"})
	require.NoError(t, err)
	assert.Empty(t, ev.Withheld)

	res := deliver(t, srv, b)
	require.Len(t, res, 1)
	require.NoError(t, res[0].Err)
	assert.Equal(t, types.EventRoomKey, res[0].Type)

	dec, err := b.DecryptRoomEvent(ctx, room, alice, &ev.Content)
	require.NoError(t, err)
	assert.Equal(t, "hello", body(t, dec))
	assert.Equal(t, types.TrustUnset, dec.SenderTrust)

	// The sender reads its own message through the inbound copy.
	own, err := a.DecryptRoomEvent(ctx, room, alice, &ev.Content)
	require.NoError(t, err)
	assert.Equal(t, "hello", body(t, own))

	// Pinning the sender's device raises the sender trust of later events.
	pin(t, b, alice, "A1")
	ev2, err := a.EncryptRoomEvent(ctx, room, []id.UserID{alice, bob}, "m.room.message", message{Body: "again"})
	require.NoError(t, err)
	assert.Empty(t, deliver(t, srv, b), "key already shared")
	dec, err = b.DecryptRoomEvent(ctx, room, alice, &ev2.Content)
	require.NoError(t, err)
	assert.Equal(t, types.TrustVerified, dec.SenderTrust)
}

func TestEncryptRoomEvent_RotatesAtThreshold(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a := newMachine(t, srv, alice, "A1", func(c *Config) {
		c.Rooms = types.RoomSettings{RotationMessages: 2, RotationPeriod: time.Hour, RotateOnMembershipChange: true}
	})
	b := newMachine(t, srv, bob, "B1")
	_, err := a.UpdateDevices(ctx, alice, bob)
	require.NoError(t, err)
	members := []id.UserID{alice, bob}

	var sessions []id.SessionID
	var events []*types.EncryptedRoomEvent
	for i := range 3 {
		ev, err := a.EncryptRoomEvent(ctx, room, members, "m.room.message", message{Body: string(rune('a' + i))})
		require.NoError(t, err)
		sessions = append(sessions, ev.Content.SessionID)
		events = append(events, ev)
	}
	assert.Equal(t, sessions[0], sessions[1])
	assert.NotEqual(t, sessions[1], sessions[2], "third message starts a new session")
	assert.Equal(t, uint32(0), events[2].Index)

	res := deliver(t, srv, b)
	require.Len(t, res, 2, "one room key per session")
	for i, ev := range events {
		dec, err := b.DecryptRoomEvent(ctx, room, alice, &ev.Content)
		require.NoError(t, err)
		assert.Equal(t, string(rune('a'+i)), body(t, dec))
	}
}

func TestEncryptRoomEvent_BlacklistedDeviceWithheld(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a := newMachine(t, srv, alice, "A1")
	newMachine(t, srv, bob, "B1")
	_, err := a.UpdateDevices(ctx, alice, bob)
	require.NoError(t, err)
	require.NoError(t, a.Trust.SetLocalTrust(ctx, bob, "B1", types.TrustBlacklisted))

	ev, err := a.EncryptRoomEvent(ctx, room, []id.UserID{alice, bob}, "m.room.message", message{Body: "secret"})
	require.NoError(t, err)
	require.Len(t, ev.Withheld, 1)
	assert.Equal(t, bob, ev.Withheld[0].UserID)
	assert.Empty(t, srv.FetchToDevice(bob, "B1"))
}

func TestDecryptRoomEvent_RequestsMissingKeyFromOwnDevice(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a1 := newMachine(t, srv, alice, "A1")
	b := newMachine(t, srv, bob, "B1")
	_, err := b.UpdateDevices(ctx, alice, bob)
	require.NoError(t, err)
	ev, err := b.EncryptRoomEvent(ctx, room, []id.UserID{alice, bob}, "m.room.message", message{Body: "before A2"})
	require.NoError(t, err)
	settle(t, srv, a1)

	a2 := newMachine(t, srv, alice, "A2")
	_, err = a1.UpdateDevices(ctx, alice)
	require.NoError(t, err)
	_, err = a2.UpdateDevices(ctx, alice)
	require.NoError(t, err)
	pin(t, a1, alice, "A2")
	pin(t, a2, alice, "A1")

	_, err = a2.DecryptRoomEvent(ctx, room, bob, &ev.Content)
	require.ErrorIs(t, err, errs.ErrUnknownSession)

	for _, res := range settle(t, srv, a1, a2, b) {
		require.NoError(t, res.Err)
	}
	dec, err := a2.DecryptRoomEvent(ctx, room, bob, &ev.Content)
	require.NoError(t, err)
	assert.Equal(t, "before A2", body(t, dec))
	assert.True(t, dec.Forwarded)
}

func TestForwardedKey_UnsolicitedDropped(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a1 := newMachine(t, srv, alice, "A1")
	a2 := newMachine(t, srv, alice, "A2")

	// A1 does not know A2 yet, so the key stays with A1.
	_, err := a1.EncryptRoomEvent(ctx, room, []id.UserID{alice}, "m.room.message", message{Body: "x"})
	require.NoError(t, err)
	_, err = a1.UpdateDevices(ctx, alice)
	require.NoError(t, err)
	_, err = a2.UpdateDevices(ctx, alice)
	require.NoError(t, err)
	pin(t, a2, alice, "A1")

	out, ok, err := a1.Groups.OutboundSession(ctx, room)
	require.NoError(t, err)
	require.True(t, ok)

	fwd, err := a1.Groups.AnswerKeyRequest(ctx, &types.RoomKeyRequestContent{
		Action: types.KeyRequestActionRequest,
		Body: &types.RoomKeyRequestBody{
			Algorithm: id.AlgorithmMegolmV1, RoomID: room,
			SenderKey: a1.IdentityKey().Curve25519(), SessionID: out.ID,
		},
	})
	require.NoError(t, err)
	d, err := a1.device(ctx, alice, "A2")
	require.NoError(t, err)
	require.NoError(t, a1.SendEncrypted(ctx, d, types.EventForwardedRoomKey, fwd))

	res := deliver(t, srv, a2)
	require.Len(t, res, 1)
	assert.ErrorIs(t, res[0].Err, errs.ErrInvalidInput)
	has, err := a2.Groups.HasInbound(ctx, room, a1.IdentityKey(), out.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBackup_UploadAndRestore(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a1 := newMachine(t, srv, alice, "A1")
	b := newMachine(t, srv, bob, "B1")
	_, err := b.UpdateDevices(ctx, alice, bob)
	require.NoError(t, err)

	version, recoveryKey, err := a1.SetupBackup(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, version)

	ev, err := b.EncryptRoomEvent(ctx, room, []id.UserID{alice, bob}, "m.room.message", message{Body: "backed up"})
	require.NoError(t, err)
	settle(t, srv, a1)

	n, err := a1.UploadBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = a1.UploadBackup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to upload")

	a2 := newMachine(t, srv, alice, "A2")
	results, err := a2.RestoreBackup(ctx, recoveryKey)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	dec, err := a2.DecryptRoomEvent(ctx, room, bob, &ev.Content)
	require.NoError(t, err)
	assert.Equal(t, "backed up", body(t, dec))
}

func TestBackup_RestoreWithWrongKey(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a1 := newMachine(t, srv, alice, "A1")
	_, _, err := a1.SetupBackup(ctx)
	require.NoError(t, err)

	a2 := newMachine(t, srv, alice, "A2")
	_, other, err := a2.Backup.NewBackupKey(ctx)
	require.NoError(t, err)
	_, err = a2.RestoreBackup(ctx, other)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestRequestSecrets_FromTrustedOwnDevice(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a1 := newMachine(t, srv, alice, "A1")
	require.NoError(t, a1.BootstrapCrossSigning(ctx))
	version, _, err := a1.SetupBackup(ctx)
	require.NoError(t, err)

	a2 := newMachine(t, srv, alice, "A2")
	_, err = a1.UpdateDevices(ctx, alice)
	require.NoError(t, err)
	_, err = a2.UpdateDevices(ctx, alice)
	require.NoError(t, err)
	pin(t, a1, alice, "A2")
	pin(t, a2, alice, "A1")

	require.NoError(t, a2.RequestSecrets(ctx))
	var received []types.SecretName
	for _, res := range settle(t, srv, a1, a2) {
		require.NoError(t, res.Err)
		if res.Secret != "" {
			received = append(received, res.Secret)
		}
	}
	assert.ElementsMatch(t, []types.SecretName{
		types.SecretCrossSigningMaster, types.SecretCrossSigningSelf,
		types.SecretCrossSigningUser, types.SecretMegolmBackup,
	}, received)

	status, err := a2.Trust.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.HasPrivateKeys)
	st, ok, err := a2.Backup.State(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.Enabled)
	assert.Equal(t, version, st.Version)
}

func TestRequestSecrets_UntrustedDeviceGetsNothing(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a1 := newMachine(t, srv, alice, "A1")
	require.NoError(t, a1.BootstrapCrossSigning(ctx))
	a2 := newMachine(t, srv, alice, "A2")
	_, err := a1.UpdateDevices(ctx, alice)
	require.NoError(t, err)

	require.NoError(t, a2.RequestSecrets(ctx))
	settle(t, srv, a1, a2)
	_, ok, err := a2.Secrets.Get(ctx, types.SecretCrossSigningMaster)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerification_SASOverRelay(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a := newMachine(t, srv, alice, "A1")
	b := newMachine(t, srv, bob, "B1")
	require.NoError(t, a.BootstrapCrossSigning(ctx))
	require.NoError(t, b.BootstrapCrossSigning(ctx))
	_, err := a.UpdateDevices(ctx, bob)
	require.NoError(t, err)
	_, err = b.UpdateDevices(ctx, alice)
	require.NoError(t, err)

	req, err := a.RequestVerification(ctx, bob, "B1")
	require.NoError(t, err)
	txn := req.TxnID
	settle(t, srv, a, b)

	_, err = b.Verify(ctx, txn, verification.Accept{})
	require.NoError(t, err)
	settle(t, srv, a, b)
	_, err = a.Verify(ctx, txn, verification.StartSAS{})
	require.NoError(t, err)

	var shown []verification.SAS
	for _, res := range settle(t, srv, a, b) {
		if res.Verification != nil && res.Verification.SAS != nil {
			shown = append(shown, *res.Verification.SAS)
		}
	}
	require.Len(t, shown, 2)
	assert.Equal(t, shown[0], shown[1])

	_, err = a.Verify(ctx, txn, verification.ConfirmSAS{})
	require.NoError(t, err)
	_, err = b.Verify(ctx, txn, verification.ConfirmSAS{})
	require.NoError(t, err)
	settle(t, srv, a, b)

	for _, m := range []*Machine{a, b} {
		f, ok := m.Verification.Get(txn)
		require.True(t, ok)
		assert.Equal(t, verification.StateDone, f.State)
	}

	// The signature over bob's master key reached the relay.
	_, err = a.UpdateDevices(ctx, bob)
	require.NoError(t, err)
	v, err := a.Trust.ComputeDeviceTrust(ctx, bob, "B1")
	require.NoError(t, err)
	assert.Equal(t, types.TrustVerified, v.State)
	assert.True(t, v.CrossSigned)
}

func TestHandleToDevice_BadEventDoesNotStopBatch(t *testing.T) {
	ctx := context.Background()
	srv := relay.NewServer()
	a := newMachine(t, srv, alice, "A1")
	b := newMachine(t, srv, bob, "B1")
	_, err := a.UpdateDevices(ctx, alice, bob)
	require.NoError(t, err)
	_, err = a.EncryptRoomEvent(ctx, room, []id.UserID{alice, bob}, "m.room.message", message{Body: "x"})
	require.NoError(t, err)

	events := append([]types.ToDeviceEvent{{
		Sender:  alice,
		Type:    types.EventEncrypted,
		Content: json.RawMessage(`{"algorithm":"m.olm.v1.curve25519-aes-sha2","sender_key":"!!","ciphertext":{}}`),
	}}, srv.FetchToDevice(bob, "B1")...)
	res := b.HandleToDevice(ctx, events)
	require.Len(t, res, 2)
	assert.Error(t, res[0].Err)
	assert.NoError(t, res[1].Err)
	assert.Equal(t, types.EventRoomKey, res[1].Type)
}
