package secrets

import (
	"context"
	"encoding/json"
	"errors"
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

const alice = id.UserID("@alice:example.org")

type fakeEncryptor struct{ sent []any }

func (f *fakeEncryptor) EncryptEvent(_ context.Context, _ *domain.Device, _ types.EventType, content any) (*types.EncryptedOlmContent, error) {
	f.sent = append(f.sent, content)
	return &types.EncryptedOlmContent{Algorithm: id.AlgorithmOlmV1}, nil
}

type fakeTrust map[id.DeviceID]types.TrustState

func (f fakeTrust) DeviceTrust(_ context.Context, d *domain.Device) (types.DeviceVerdict, error) {
	return types.DeviceVerdict{State: f[d.DeviceID]}, nil
}

type fixture struct {
	svc   *Service
	store interfaces.Store
	enc   *fakeEncryptor
	keys  map[id.DeviceID]domain.X25519Public
}

func newFixture(t *testing.T, trust fakeTrust, opts ...Option) *fixture {
	t.Helper()
	acc := &domain.Account{UserID: alice, DeviceID: "ALICE"}
	f := &fixture{store: store.NewMemoryStore(), enc: &fakeEncryptor{}, keys: map[id.DeviceID]domain.X25519Public{}}
	require.NoError(t, f.store.Txn(context.Background(), func(tx interfaces.Tx) error {
		for _, dev := range []id.DeviceID{"TRUSTED", "UNTRUSTED"} {
			_, pub, err := crypto.GenerateX25519()
			require.NoError(t, err)
			f.keys[dev] = pub
			if err := tx.PutDevice(&domain.Device{UserID: alice, DeviceID: dev, IdentityKey: pub}); err != nil {
				return err
			}
		}
		return tx.PutSecret(types.SecretMegolmBackup, []byte("backup-secret"))
	}))
	f.svc = New(f.store, acc, f.enc, trust, zerolog.Nop(), opts...)
	return f
}

func (f *fixture) send(t *testing.T, sender id.UserID, device id.DeviceID, requestID, secret string) *types.DecryptedToDevice {
	t.Helper()
	raw, err := json.Marshal(types.SecretSendContent{RequestID: requestID, Secret: secret})
	require.NoError(t, err)
	return &types.DecryptedToDevice{
		Sender:    sender,
		SenderKey: f.keys[device],
		Payload:   types.DecryptedOlmPayload{Type: types.EventSecretSend, Content: raw},
	}
}

var trusted = fakeTrust{"TRUSTED": types.TrustVerified}

func TestHandleRequest_OnlyTrustedOwnDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, trusted)
	req := func(device id.DeviceID) *types.SecretRequestContent {
		return &types.SecretRequestContent{Name: types.SecretMegolmBackup, Action: types.SecretActionRequest, RequestingDeviceID: device, RequestID: "r1"}
	}

	reply, err := f.svc.HandleRequest(ctx, alice, req("TRUSTED"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, id.DeviceID("TRUSTED"), reply.DeviceID)
	require.Len(t, f.enc.sent, 1)
	assert.Equal(t, "backup-secret", f.enc.sent[0].(*types.SecretSendContent).Secret)

	for _, tc := range []struct {
		sender id.UserID
		device id.DeviceID
	}{
		{alice, "UNTRUSTED"},
		{alice, "UNKNOWN"},
		{alice, "ALICE"},
		{"@mallory:example.org", "TRUSTED"},
	} {
		reply, err := f.svc.HandleRequest(ctx, tc.sender, req(tc.device))
		require.NoError(t, err)
		assert.Nil(t, reply, "%s/%s", tc.sender, tc.device)
	}
	assert.Len(t, f.enc.sent, 1)
}

func TestHandleSend_StoresSolicitedSecret(t *testing.T) {
	ctx := context.Background()
	var validated string
	f := newFixture(t, trusted, WithValidator(types.SecretCrossSigningSelf, func(_ context.Context, v string) error {
		validated = v
		return nil
	}))

	content, err := f.svc.Request(ctx, types.SecretCrossSigningSelf)
	require.NoError(t, err)

	name, cancel, err := f.svc.HandleSend(ctx, f.send(t, alice, "TRUSTED", content.RequestID, "ssk-seed"))
	require.NoError(t, err)
	assert.Equal(t, types.SecretCrossSigningSelf, name)
	assert.Equal(t, types.SecretActionCancel, cancel.Action)
	assert.Equal(t, "ssk-seed", validated)

	got, ok, err := f.svc.Get(ctx, types.SecretCrossSigningSelf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ssk-seed", got)

	// The request is answered; a second copy is unsolicited.
	_, _, err = f.svc.HandleSend(ctx, f.send(t, alice, "TRUSTED", content.RequestID, "other"))
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestHandleSend_DropsUnsolicitedAndUntrusted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, trusted)

	_, _, err := f.svc.HandleSend(ctx, f.send(t, alice, "TRUSTED", "never-asked", "x"))
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	content, err := f.svc.Request(ctx, types.SecretCrossSigningUser)
	require.NoError(t, err)
	_, _, err = f.svc.HandleSend(ctx, f.send(t, alice, "UNTRUSTED", content.RequestID, "x"))
	require.ErrorIs(t, err, errs.ErrNotTrusted)
	_, _, err = f.svc.HandleSend(ctx, f.send(t, "@mallory:example.org", "TRUSTED", content.RequestID, "x"))
	require.ErrorIs(t, err, errs.ErrNotTrusted)

	_, ok, err := f.svc.Get(ctx, types.SecretCrossSigningUser)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleSend_ValidatorRejects(t *testing.T) {
	ctx := context.Background()
	bad := errors.New("does not match published key")
	f := newFixture(t, trusted, WithValidator(types.SecretCrossSigningMaster, func(context.Context, string) error { return bad }))
	content, err := f.svc.Request(ctx, types.SecretCrossSigningMaster)
	require.NoError(t, err)
	_, _, err = f.svc.HandleSend(ctx, f.send(t, alice, "TRUSTED", content.RequestID, "x"))
	require.ErrorIs(t, err, bad)
	_, ok, err := f.svc.Get(ctx, types.SecretCrossSigningMaster)
	require.NoError(t, err)
	assert.False(t, ok)
}
