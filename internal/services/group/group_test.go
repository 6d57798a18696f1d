package group

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/protocol/megolm"
	"mxcrypt/internal/store"
	"mxcrypt/internal/util/clock"
)

const room = id.RoomID("!room:example.org")

type fakeEncryptor struct{ calls atomic.Int32 }

func (f *fakeEncryptor) EncryptEvent(_ context.Context, d *domain.Device, _ types.EventType, _ any) (*types.EncryptedOlmContent, error) {
	f.calls.Add(1)
	if d.DeviceID == "NOSESSION" {
		return nil, errs.New(errs.CodeUnknownSession, "fake", "no session")
	}
	return &types.EncryptedOlmContent{Algorithm: id.AlgorithmOlmV1}, nil
}

type fakeTrust map[id.DeviceID]types.TrustState

func (f fakeTrust) DeviceTrust(_ context.Context, d *domain.Device) (types.DeviceVerdict, error) {
	return types.DeviceVerdict{State: f[d.DeviceID]}, nil
}

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

type fixture struct {
	svc   *Service
	enc   *fakeEncryptor
	clock *clock.Fake
	acc   *domain.Account
}

func newFixture(t *testing.T, trust TrustEvaluator, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		enc:   &fakeEncryptor{},
		clock: clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		acc:   newAccount(t, "@alice:example.org", "ALICE"),
	}
	opts = append([]Option{WithClock(f.clock)}, opts...)
	f.svc = New(store.NewMemoryStore(), f.acc, f.enc, trust, zerolog.Nop(), opts...)
	return f
}

func dev(user id.UserID, device id.DeviceID) *domain.Device {
	return &domain.Device{UserID: user, DeviceID: device}
}

func sessionID(t *testing.T, f *fixture) id.SessionID {
	t.Helper()
	sess, ok, err := f.svc.OutboundSession(context.Background(), room)
	require.NoError(t, err)
	require.True(t, ok)
	return sess.ID
}

func TestRotateIfNeeded_MessageThreshold(t *testing.T) {
	ctx := context.Background()
	settings := DefaultSettings()
	settings.RotationMessages = 2
	f := newFixture(t, nil, WithDefaults(settings))

	rotated, err := f.svc.RotateIfNeeded(ctx, room, nil)
	require.NoError(t, err)
	require.True(t, rotated)
	first := sessionID(t, f)

	for i := 0; i < 2; i++ {
		_, err := f.svc.Encrypt(ctx, room, "m.room.message", map[string]string{"body": "hi"})
		require.NoError(t, err)
	}
	_, err = f.svc.Encrypt(ctx, room, "m.room.message", map[string]string{"body": "hi"})
	require.ErrorIs(t, err, errs.ErrUnknownSession)

	rotated, err = f.svc.RotateIfNeeded(ctx, room, nil)
	require.NoError(t, err)
	require.True(t, rotated)
	assert.NotEqual(t, first, sessionID(t, f))
}

func TestRotateIfNeeded_Age(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.RotateIfNeeded(ctx, room, nil)
	require.NoError(t, err)

	f.clock.Advance(DefaultRotationPeriod - time.Minute)
	rotated, err := f.svc.RotateIfNeeded(ctx, room, nil)
	require.NoError(t, err)
	assert.False(t, rotated)

	f.clock.Advance(time.Minute)
	rotated, err = f.svc.RotateIfNeeded(ctx, room, nil)
	require.NoError(t, err)
	assert.True(t, rotated)
}

func TestRotateIfNeeded_DeviceLeft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	bob, carol := dev("@bob:example.org", "BOB"), dev("@carol:example.org", "CAROL")
	_, err := f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob, carol})
	require.NoError(t, err)
	plan, err := f.svc.ShareWith(ctx, room, []*domain.Device{bob, carol})
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkShared(ctx, plan))

	rotated, err := f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob, carol})
	require.NoError(t, err)
	assert.False(t, rotated)

	rotated, err = f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob})
	require.NoError(t, err)
	assert.True(t, rotated)
}

// share stages and records the room key for devices.
func share(t *testing.T, f *fixture, devices ...*domain.Device) *SharePlan {
	t.Helper()
	plan, err := f.svc.ShareWith(context.Background(), room, devices)
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkShared(context.Background(), plan))
	return plan
}

func TestRotateIfNeeded_UnverifiedDeviceJoins(t *testing.T) {
	ctx := context.Background()
	trust := fakeTrust{"BOB": types.TrustVerified, "CAROL": types.TrustVerified}
	f := newFixture(t, trust)
	bob, carol, eve := dev("@bob:example.org", "BOB"), dev("@carol:example.org", "CAROL"), dev("@eve:example.org", "EVE")

	_, err := f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob})
	require.NoError(t, err)
	share(t, f, bob)
	first := sessionID(t, f)

	rotated, err := f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob, carol})
	require.NoError(t, err)
	assert.False(t, rotated, "a verified newcomer receives the current session")
	share(t, f, bob, carol)

	rotated, err = f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob, carol, eve})
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.NotEqual(t, first, sessionID(t, f))

	// The new session goes to everyone present, Eve included, and then stays.
	plan := share(t, f, bob, carol, eve)
	assert.Len(t, plan.Recipients, 3)
	rotated, err = f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob, carol, eve})
	require.NoError(t, err)
	assert.False(t, rotated)
}

func TestRotateIfNeeded_WithheldDeviceDoesNotChurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeTrust{"BOB": types.TrustVerified})
	bob, dan := dev("@bob:example.org", "BOB"), dev("@dan:example.org", "NOSESSION")

	_, err := f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob, dan})
	require.NoError(t, err)
	plan := share(t, f, bob, dan)
	require.Len(t, plan.Withheld, 1)

	rotated, err := f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob, dan})
	require.NoError(t, err)
	assert.False(t, rotated, "a device already considered is not a newcomer")
}

func TestRotateIfNeeded_SharedDeviceLosesTrust(t *testing.T) {
	ctx := context.Background()
	trust := fakeTrust{"TRUSTED": types.TrustVerified}
	settings := DefaultSettings()
	settings.OnlyAllowTrustedDevices = true
	f := newFixture(t, trust, WithDefaults(settings))
	bob := dev("@bob:example.org", "TRUSTED")

	_, err := f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob})
	require.NoError(t, err)
	share(t, f, bob)
	rotated, err := f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob})
	require.NoError(t, err)
	require.False(t, rotated)

	trust["TRUSTED"] = types.TrustUnset
	rotated, err = f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob})
	require.NoError(t, err)
	assert.True(t, rotated)

	plan := share(t, f, bob)
	assert.True(t, plan.Empty())
	require.Len(t, plan.Withheld, 1)
	assert.Equal(t, WithheldUnverified, plan.Withheld[0].Reason)
}

func TestRotateIfNeeded_TrustLossIgnoredWhenUnverifiedAllowed(t *testing.T) {
	ctx := context.Background()
	trust := fakeTrust{"BOB": types.TrustVerified}
	f := newFixture(t, trust)
	bob := dev("@bob:example.org", "BOB")

	_, err := f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob})
	require.NoError(t, err)
	share(t, f, bob)
	trust["BOB"] = types.TrustUnset
	rotated, err := f.svc.RotateIfNeeded(ctx, room, []*domain.Device{bob})
	require.NoError(t, err)
	assert.False(t, rotated)
}

func TestShareWith_IdempotentAndWithheld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	bob := dev("@bob:example.org", "BOB")
	evil := dev("@eve:example.org", "EVE")
	evil.LocalTrust = types.TrustBlacklisted
	nosession := dev("@dan:example.org", "NOSESSION")
	self := dev(f.acc.UserID, f.acc.DeviceID)
	devices := []*domain.Device{bob, evil, nosession, self}

	_, err := f.svc.RotateIfNeeded(ctx, room, devices)
	require.NoError(t, err)
	plan, err := f.svc.ShareWith(ctx, room, devices)
	require.NoError(t, err)
	require.Len(t, plan.Recipients, 1)
	assert.Equal(t, id.DeviceID("BOB"), plan.Recipients[0].DeviceID)
	assert.Contains(t, plan.Messages["@bob:example.org"], id.DeviceID("BOB"))

	reasons := map[id.DeviceID]string{}
	for _, w := range plan.Withheld {
		reasons[w.DeviceID] = w.Reason
	}
	assert.Equal(t, map[id.DeviceID]string{"EVE": WithheldBlacklisted, "NOSESSION": WithheldNoOlm}, reasons)
	require.NoError(t, f.svc.MarkShared(ctx, plan))

	calls := f.enc.calls.Load()
	plan, err = f.svc.ShareWith(ctx, room, []*domain.Device{bob})
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Equal(t, calls, f.enc.calls.Load())
}

func TestShareWith_OnlyTrustedDevices(t *testing.T) {
	ctx := context.Background()
	trust := fakeTrust{"TRUSTED": types.TrustVerified}
	settings := DefaultSettings()
	settings.OnlyAllowTrustedDevices = true
	f := newFixture(t, trust, WithDefaults(settings))

	devices := []*domain.Device{dev("@bob:example.org", "TRUSTED"), dev("@bob:example.org", "UNTRUSTED")}
	_, err := f.svc.RotateIfNeeded(ctx, room, devices)
	require.NoError(t, err)
	plan, err := f.svc.ShareWith(ctx, room, devices)
	require.NoError(t, err)
	require.Len(t, plan.Recipients, 1)
	assert.Equal(t, id.DeviceID("TRUSTED"), plan.Recipients[0].DeviceID)
	require.Len(t, plan.Withheld, 1)
	assert.Equal(t, WithheldUnverified, plan.Withheld[0].Reason)
}

func TestDecrypt_OwnMessagesAndReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.RotateIfNeeded(ctx, room, nil)
	require.NoError(t, err)

	ev, err := f.svc.Encrypt(ctx, room, "m.room.message", map[string]string{"body": "hello"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		got, err := f.svc.Decrypt(ctx, room, &ev.Content)
		require.NoError(t, err)
		assert.Equal(t, types.EventType("m.room.message"), got.Type)
		assert.JSONEq(t, `{"body":"hello"}`, string(got.Content))
		assert.Equal(t, uint32(0), got.Index)
	}

	_, err = f.svc.Decrypt(ctx, "!other:example.org", &ev.Content)
	require.ErrorIs(t, err, errs.ErrUnknownSession)
}

func TestDecrypt_WrongRoomPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.RotateIfNeeded(ctx, room, nil)
	require.NoError(t, err)
	sess, _, err := f.svc.OutboundSession(ctx, room)
	require.NoError(t, err)

	// Install the same session under a second room id and feed it an event
	// whose payload names the first room.
	key, err := megolm.SessionKey(sess)
	require.NoError(t, err)
	other := id.RoomID("!other:example.org")
	require.NoError(t, f.svc.AddRoomKey(ctx, f.acc.Identity.XPub, f.acc.Identity.EdPub, &types.RoomKeyContent{
		Algorithm: id.AlgorithmMegolmV1, RoomID: other, SessionID: sess.ID, SessionKey: key,
	}))
	ev, err := f.svc.Encrypt(ctx, room, "m.room.message", map[string]string{})
	require.NoError(t, err)
	_, err = f.svc.Decrypt(ctx, other, &ev.Content)
	require.ErrorIs(t, err, errs.ErrCryptoInvariant)
}

// sender builds an outbound session outside the service and returns a helper
// producing room events for it.
func sender(t *testing.T) (*domain.OutboundGroupSession, domain.X25519Public, func(body string) *types.EncryptedMegolmContent) {
	t.Helper()
	out, err := megolm.NewOutboundSession(room, DefaultSettings(), time.Now())
	require.NoError(t, err)
	senderKey := domain.X25519Public{0x42}
	return out, senderKey, func(body string) *types.EncryptedMegolmContent {
		content, err := json.Marshal(map[string]string{"body": body})
		require.NoError(t, err)
		payload, err := json.Marshal(types.MegolmPayload{RoomID: room, Type: "m.room.message", Content: content})
		require.NoError(t, err)
		msg, _, err := megolm.Encrypt(out, payload)
		require.NoError(t, err)
		return &types.EncryptedMegolmContent{
			Algorithm:  id.AlgorithmMegolmV1,
			SenderKey:  senderKey.Curve25519(),
			SessionID:  out.ID,
			Ciphertext: crypto.B64(msg),
		}
	}
}

func TestExportReimport_FromIndex(t *testing.T) {
	ctx := context.Background()
	out, senderKey, encrypt := sender(t)
	key, err := megolm.SessionKey(out)
	require.NoError(t, err)

	bob := newFixture(t, nil)
	require.NoError(t, bob.svc.AddRoomKey(ctx, senderKey, domain.Ed25519Public{1}, &types.RoomKeyContent{
		Algorithm: id.AlgorithmMegolmV1, RoomID: room, SessionID: out.ID, SessionKey: key,
	}))
	events := []*types.EncryptedMegolmContent{encrypt("zero"), encrypt("one"), encrypt("two")}

	sess, ok, err := bob.svc.InboundSession(ctx, room, senderKey, out.ID)
	require.NoError(t, err)
	require.True(t, ok)
	exp, err := Export(sess, 1)
	require.NoError(t, err)

	carol := newFixture(t, nil)
	require.NoError(t, carol.svc.ImportSession(ctx, exp))

	_, err = carol.svc.Decrypt(ctx, room, events[0])
	require.ErrorIs(t, err, errs.ErrMessageIndexTooOld)
	for _, ev := range events[1:] {
		want, err := bob.svc.Decrypt(ctx, room, ev)
		require.NoError(t, err)
		got, err := carol.svc.Decrypt(ctx, room, ev)
		require.NoError(t, err)
		assert.Equal(t, want.Content, got.Content)
		assert.Equal(t, want.Index, got.Index)
	}
}

func TestImport_EarlierIndexWins(t *testing.T) {
	ctx := context.Background()
	out, senderKey, encrypt := sender(t)
	key, err := megolm.SessionKey(out)
	require.NoError(t, err)
	early := &types.RoomKeyContent{Algorithm: id.AlgorithmMegolmV1, RoomID: room, SessionID: out.ID, SessionKey: key}
	first := encrypt("zero")
	encrypt("one")

	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoomKey(ctx, senderKey, domain.Ed25519Public{1}, early))
	sess, _, err := f.svc.InboundSession(ctx, room, senderKey, out.ID)
	require.NoError(t, err)
	later, err := Export(sess, 2)
	require.NoError(t, err)

	// A later copy never replaces an earlier one.
	require.NoError(t, f.svc.ImportSession(ctx, later))
	_, err = f.svc.Decrypt(ctx, room, first)
	require.NoError(t, err)

	// An earlier copy replaces a later one.
	g := newFixture(t, nil)
	require.NoError(t, g.svc.ImportSession(ctx, later))
	_, err = g.svc.Decrypt(ctx, room, first)
	require.ErrorIs(t, err, errs.ErrMessageIndexTooOld)
	require.NoError(t, g.svc.AddRoomKey(ctx, senderKey, domain.Ed25519Public{1}, early))
	_, err = g.svc.Decrypt(ctx, room, first)
	require.NoError(t, err)
}

func TestExportFile_RoundTrip(t *testing.T) {
	exp := []*types.ExportedSession{{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     room,
		SessionID:  "sid",
		SessionKey: "key",
	}}
	data, err := encryptExport("passphrase", exp, 1000)
	require.NoError(t, err)
	assert.Contains(t, string(data), exportHeader)

	got, err := DecryptExport("passphrase", data)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id.SessionID("sid"), got[0].SessionID)

	_, err = DecryptExport("wrong", data)
	require.Error(t, err)
}

func TestKeyRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	senderKey := domain.X25519Public{9}

	req, err := f.svc.RequestKey(ctx, room, senderKey, "sid")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, types.KeyRequestActionRequest, req.Action)

	again, err := f.svc.RequestKey(ctx, room, senderKey, "sid")
	require.NoError(t, err)
	assert.Nil(t, again)

	cancel, err := f.svc.ResolveKeyRequest(ctx, room, "sid")
	require.NoError(t, err)
	require.NotNil(t, cancel)
	assert.Equal(t, req.RequestID, cancel.RequestID)
	assert.Equal(t, types.KeyRequestActionCancel, cancel.Action)

	_, err = f.svc.AnswerKeyRequest(ctx, req)
	require.ErrorIs(t, err, errs.ErrUnknownSession)
}

func TestAnswerKeyRequest_ForwardsAtFirstIndex(t *testing.T) {
	ctx := context.Background()
	out, senderKey, encrypt := sender(t)
	key, err := megolm.SessionKey(out)
	require.NoError(t, err)
	ev := encrypt("hello")

	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoomKey(ctx, senderKey, domain.Ed25519Public{1}, &types.RoomKeyContent{
		Algorithm: id.AlgorithmMegolmV1, RoomID: room, SessionID: out.ID, SessionKey: key,
	}))
	fwd, err := f.svc.AnswerKeyRequest(ctx, &types.RoomKeyRequestContent{
		Action: types.KeyRequestActionRequest,
		Body: &types.RoomKeyRequestBody{
			Algorithm: id.AlgorithmMegolmV1, RoomID: room, SenderKey: senderKey.Curve25519(), SessionID: out.ID,
		},
	})
	require.NoError(t, err)

	g := newFixture(t, nil)
	forwarder := domain.X25519Public{7}
	require.NoError(t, g.svc.AddForwardedRoomKey(ctx, forwarder, fwd))
	got, err := g.svc.Decrypt(ctx, room, ev)
	require.NoError(t, err)
	assert.True(t, got.Forwarded)
}

func TestDecrypt_ConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	var events []*types.EncryptedMegolmContent
	for range 4 {
		out, senderKey, encrypt := sender(t)
		key, err := megolm.SessionKey(out)
		require.NoError(t, err)
		require.NoError(t, f.svc.AddRoomKey(ctx, senderKey, domain.Ed25519Public{1}, &types.RoomKeyContent{
			Algorithm: id.AlgorithmMegolmV1, RoomID: room, SessionID: out.ID, SessionKey: key,
		}))
		for range 5 {
			events = append(events, encrypt("hello"))
		}
	}

	var g errgroup.Group
	for _, ev := range events {
		g.Go(func() error {
			_, err := f.svc.Decrypt(ctx, room, ev)
			return err
		})
	}
	require.NoError(t, g.Wait())

	sess, ok, err := f.svc.InboundSession(ctx, room, domain.X25519Public{0x42}, events[0].SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, sess.Seen, 5, "no index lost between concurrent commits")
}

func TestDecrypt_KeepsBackupFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.RotateIfNeeded(ctx, room, nil)
	require.NoError(t, err)
	ev, err := f.svc.Encrypt(ctx, room, "m.room.message", map[string]string{"body": "hi"})
	require.NoError(t, err)

	sess, ok, err := f.svc.InboundSession(ctx, room, f.acc.Identity.XPub, ev.Content.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	sess.BackedUp = true
	require.NoError(t, f.svc.store.Txn(ctx, func(tx interfaces.Tx) error {
		return tx.PutInboundGroupSession(sess)
	}))

	_, err = f.svc.Decrypt(ctx, room, &ev.Content)
	require.NoError(t, err)
	sess, _, err = f.svc.InboundSession(ctx, room, f.acc.Identity.XPub, ev.Content.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.BackedUp)
	assert.Contains(t, sess.Seen, uint32(0))
}
