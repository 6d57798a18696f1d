package verification

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
	"mxcrypt/internal/services/trust"
	"mxcrypt/internal/store"
)

type side struct {
	user  id.UserID
	dev   id.DeviceID
	store interfaces.Store
	trust *trust.Service
	svc   *Service
	boot  *trust.Bootstrap
}

func newSide(t *testing.T, user id.UserID, device id.DeviceID) *side {
	t.Helper()
	ctx := context.Background()
	xpriv, xpub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edpriv, edpub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	acc := &domain.Account{
		UserID:   user,
		DeviceID: device,
		Identity: domain.Identity{XPub: xpub, XPriv: xpriv, EdPub: edpub, EdPriv: edpriv},
	}
	st := store.NewMemoryStore()

	d := &domain.Device{UserID: user, DeviceID: device, IdentityKey: xpub, SigningKey: edpub,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1}}
	sig, err := crypto.SignJSON(edpriv, d.DeviceKeys())
	require.NoError(t, err)
	d.Signatures.Add(user, id.NewKeyID(id.KeyAlgorithmEd25519, string(device)), sig)
	require.NoError(t, st.Txn(ctx, func(tx interfaces.Tx) error { return tx.PutDevice(d) }))

	tr := trust.New(st, acc, zerolog.Nop())
	boot, err := tr.BootstrapCrossSigning(ctx)
	require.NoError(t, err)
	return &side{
		user: user, dev: device, store: st, trust: tr, boot: boot,
		svc: New(st, acc, tr, zerolog.Nop()),
	}
}

// publish makes s's device and cross-signing keys known to other.
func (s *side) publish(t *testing.T, other *side) {
	t.Helper()
	dk := s.boot.Signatures[s.user][string(s.dev)].(types.DeviceKeys)
	_, err := other.trust.UpdateFromQuery(context.Background(), &types.KeysQueryResponse{
		DeviceKeys:      map[id.UserID]map[id.DeviceID]types.DeviceKeys{s.user: {s.dev: dk}},
		MasterKeys:      map[id.UserID]types.CrossSigningKey{s.user: *s.boot.Keys.Master},
		SelfSigningKeys: map[id.UserID]types.CrossSigningKey{s.user: *s.boot.Keys.SelfSigning},
	})
	require.NoError(t, err)
}

// pump delivers step's events back and forth until both sides are quiet and
// returns every step produced on the way.
func pump(t *testing.T, from, to *side, step *Step) []*Step {
	t.Helper()
	type item struct {
		step     *Step
		from, to *side
	}
	all := []*Step{step}
	queue := []item{{step, from, to}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		for _, ev := range it.step.Send {
			next, err := it.to.svc.HandleEvent(context.Background(), it.from.user, it.from.dev, ev.Content)
			require.NoError(t, err)
			if next != nil {
				all = append(all, next)
				queue = append(queue, item{next, it.to, it.from})
			}
		}
	}
	return all
}

func TestService_SASCrossSignsOtherUser(t *testing.T) {
	ctx := context.Background()
	alice := newSide(t, "@alice:example.org", "ALICE")
	bob := newSide(t, "@bob:example.org", "BOB")
	alice.publish(t, bob)
	bob.publish(t, alice)

	v, err := alice.trust.ComputeDeviceTrust(ctx, bob.user, bob.dev)
	require.NoError(t, err)
	require.Equal(t, types.TrustUnset, v.State)

	req, err := alice.svc.Request(ctx, bob.user, bob.dev)
	require.NoError(t, err)
	txn := req.TxnID
	pump(t, alice, bob, req)

	ready, err := bob.svc.Act(ctx, txn, Accept{})
	require.NoError(t, err)
	pump(t, bob, alice, ready)

	start, err := alice.svc.Act(ctx, txn, StartSAS{})
	require.NoError(t, err)
	var shown []SAS
	for _, st := range pump(t, alice, bob, start) {
		if st.SAS != nil {
			shown = append(shown, *st.SAS)
		}
	}
	require.Len(t, shown, 2)
	assert.Equal(t, shown[0], shown[1])

	mac, err := alice.svc.Act(ctx, txn, ConfirmSAS{})
	require.NoError(t, err)
	pump(t, alice, bob, mac)
	mac, err = bob.svc.Act(ctx, txn, ConfirmSAS{})
	require.NoError(t, err)
	var uploads int
	for _, st := range pump(t, bob, alice, mac) {
		if st.Upload != nil {
			uploads++
		}
	}
	assert.Equal(t, 2, uploads, "one signature per side")

	for _, s := range []*side{alice, bob} {
		f, ok := s.svc.Get(txn)
		require.True(t, ok)
		assert.Equal(t, StateDone, f.State)
	}

	v, err = alice.trust.ComputeDeviceTrust(ctx, bob.user, bob.dev)
	require.NoError(t, err)
	assert.Equal(t, types.TrustVerified, v.State)
	assert.True(t, v.CrossSigned)
	u, err := bob.trust.ComputeUserTrust(ctx, alice.user)
	require.NoError(t, err)
	assert.True(t, u.Verified)

	assert.Empty(t, alice.svc.Sweep(ctx))
	_, ok := alice.svc.Get(txn)
	assert.False(t, ok)
}

func TestService_UnknownTransaction(t *testing.T) {
	ctx := context.Background()
	alice := newSide(t, "@alice:example.org", "ALICE")
	step, err := alice.svc.HandleEvent(ctx, "@bob:example.org", "BOB", &types.VerificationKeyContent{TransactionID: "nope", Key: "x"})
	require.NoError(t, err)
	require.Len(t, step.Send, 1)
	cancel := step.Send[0].Content.(*types.VerificationCancelContent)
	assert.Equal(t, types.CancelUnknownTransaction, cancel.Code)

	step, err = alice.svc.HandleEvent(ctx, "@bob:example.org", "BOB", &types.VerificationCancelContent{TransactionID: "nope"})
	require.NoError(t, err)
	assert.Nil(t, step)
}

func TestService_RequestFromUnknownDevice(t *testing.T) {
	ctx := context.Background()
	alice := newSide(t, "@alice:example.org", "ALICE")
	_, err := alice.svc.Request(ctx, "@bob:example.org", "NOPE")
	require.Error(t, err)
}

func TestService_RequestFromSpoofedDevice(t *testing.T) {
	ctx := context.Background()
	alice := newSide(t, "@alice:example.org", "ALICE")
	bob := newSide(t, "@bob:example.org", "BOB")
	alice.publish(t, bob)
	bob.publish(t, alice)

	req, err := alice.svc.Request(ctx, bob.user, bob.dev)
	require.NoError(t, err)
	require.Len(t, req.Send, 1)

	_, err = bob.svc.HandleEvent(ctx, alice.user, "ALICE2", req.Send[0].Content)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidInput, errs.CodeOf(err))
	_, ok := bob.svc.Get(req.TxnID)
	assert.False(t, ok)
}
