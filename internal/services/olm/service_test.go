package olm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

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
	"mxcrypt/internal/services/account"
	"mxcrypt/internal/store"
)

type peer struct {
	accounts *account.Service
	olm      *Service
	acc      *domain.Account
}

func newPeer(t *testing.T, user id.UserID, device id.DeviceID) *peer {
	t.Helper()
	st := store.NewMemoryStore()
	accounts := account.New(st, zerolog.Nop())
	acc, err := accounts.GenerateIdentity(context.Background(), user, device)
	require.NoError(t, err)
	return &peer{accounts: accounts, olm: New(st, accounts, zerolog.Nop()), acc: acc}
}

func (p *peer) device() *domain.Device {
	return &domain.Device{
		UserID:      p.acc.UserID,
		DeviceID:    p.acc.DeviceID,
		IdentityKey: p.acc.Identity.XPub,
		SigningKey:  p.acc.Identity.EdPub,
	}
}

// publishOne generates, signs and publishes a single one-time key.
func (p *peer) publishOne(t *testing.T) types.KeyObject {
	t.Helper()
	ctx := context.Background()
	_, err := p.accounts.GenerateOneTimeKeys(ctx, 1)
	require.NoError(t, err)
	req, err := p.accounts.UploadRequest(ctx)
	require.NoError(t, err)
	require.NoError(t, p.accounts.MarkKeysAsPublished(ctx))
	require.Len(t, req.OneTimeKeys, 1)
	for _, obj := range req.OneTimeKeys {
		return obj
	}
	return types.KeyObject{}
}

func connect(t *testing.T) (alice, bob *peer) {
	t.Helper()
	alice = newPeer(t, "@alice:example.org", "ALICE")
	bob = newPeer(t, "@bob:example.org", "BOB")
	_, err := alice.olm.CreateOutbound(context.Background(), bob.device(), bob.publishOne(t))
	require.NoError(t, err)
	return alice, bob
}

func TestDecrypt_OutOfOrderThenReplay(t *testing.T) {
	ctx := context.Background()
	alice, bob := connect(t)
	aliceKey, bobKey := alice.acc.Identity.XPub, bob.acc.Identity.XPub

	m1, err := alice.olm.Encrypt(ctx, bobKey, []byte("m1"))
	require.NoError(t, err)
	m2, err := alice.olm.Encrypt(ctx, bobKey, []byte("m2"))
	require.NoError(t, err)
	require.Equal(t, types.OlmPreKeyMessage, m2.Type)

	pt, err := bob.olm.Decrypt(ctx, aliceKey, m2)
	require.NoError(t, err)
	assert.Equal(t, "m2", string(pt))
	pt, err = bob.olm.Decrypt(ctx, aliceKey, m1)
	require.NoError(t, err)
	assert.Equal(t, "m1", string(pt))

	_, err = bob.olm.Decrypt(ctx, aliceKey, m1)
	require.ErrorIs(t, err, errs.ErrDuplicateMessage)

	needed, err := bob.olm.NeedsNewSession(ctx, aliceKey)
	require.NoError(t, err)
	assert.False(t, needed, "a replay does not wedge the session")
}

func TestReplyStopsPreKeyMessages(t *testing.T) {
	ctx := context.Background()
	alice, bob := connect(t)
	aliceKey, bobKey := alice.acc.Identity.XPub, bob.acc.Identity.XPub

	m, err := alice.olm.Encrypt(ctx, bobKey, []byte("hello"))
	require.NoError(t, err)
	_, err = bob.olm.Decrypt(ctx, aliceKey, m)
	require.NoError(t, err)

	reply, err := bob.olm.Encrypt(ctx, aliceKey, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, types.OlmNormalMessage, reply.Type)
	pt, err := alice.olm.Decrypt(ctx, bobKey, reply)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(pt))

	next, err := alice.olm.Encrypt(ctx, bobKey, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, types.OlmNormalMessage, next.Type)
	pt, err = bob.olm.Decrypt(ctx, aliceKey, next)
	require.NoError(t, err)
	assert.Equal(t, "again", string(pt))
}

func TestDecrypt_UndecryptableFlagsNewSession(t *testing.T) {
	ctx := context.Background()
	alice, bob := connect(t)
	aliceKey, bobKey := alice.acc.Identity.XPub, bob.acc.Identity.XPub

	m, err := alice.olm.Encrypt(ctx, bobKey, []byte("hello"))
	require.NoError(t, err)
	_, err = bob.olm.Decrypt(ctx, aliceKey, m)
	require.NoError(t, err)

	reply, err := bob.olm.Encrypt(ctx, aliceKey, []byte("hi"))
	require.NoError(t, err)
	raw, err := crypto.DecodeB64(reply.Body)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	reply.Body = crypto.B64(raw)

	_, err = alice.olm.Decrypt(ctx, bobKey, reply)
	require.Error(t, err)
	needed, err := alice.olm.NeedsNewSession(ctx, bobKey)
	require.NoError(t, err)
	assert.True(t, needed)

	_, err = alice.olm.CreateOutbound(ctx, bob.device(), bob.publishOne(t))
	require.NoError(t, err)
	needed, err = alice.olm.NeedsNewSession(ctx, bobKey)
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestCreateOutbound_BadKeySignature(t *testing.T) {
	alice := newPeer(t, "@alice:example.org", "ALICE")
	bob := newPeer(t, "@bob:example.org", "BOB")
	obj := bob.publishOne(t)
	obj.Key = alice.acc.Identity.XPub.String()

	_, err := alice.olm.CreateOutbound(context.Background(), bob.device(), obj)
	require.ErrorIs(t, err, errs.ErrSignatureVerification)
}

func TestCreateInbound_OneTimeKeyUsedOnce(t *testing.T) {
	ctx := context.Background()
	alice, bob := connect(t)
	aliceKey, bobKey := alice.acc.Identity.XPub, bob.acc.Identity.XPub

	m, err := alice.olm.Encrypt(ctx, bobKey, []byte("hello"))
	require.NoError(t, err)
	body, err := crypto.DecodeB64(m.Body)
	require.NoError(t, err)

	_, pt, err := bob.olm.CreateInbound(ctx, aliceKey, body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))

	_, _, err = bob.olm.CreateInbound(ctx, aliceKey, body)
	require.ErrorIs(t, err, errs.ErrSessionCreation)
}

func TestEncrypt_NoSession(t *testing.T) {
	alice := newPeer(t, "@alice:example.org", "ALICE")
	_, err := alice.olm.Encrypt(context.Background(), domain.X25519Public{7}, []byte("x"))
	require.ErrorIs(t, err, errs.ErrUnknownSession)
}

// watchedStore counts session reads made inside write transactions and can
// fail every commit.
type watchedStore struct {
	interfaces.Store
	readsInTxn atomic.Int32
	failTxn    error
}

type watchedTx struct {
	interfaces.Tx
	s *watchedStore
}

func (t watchedTx) OlmSessions(key domain.X25519Public) ([]*domain.OlmSession, error) {
	t.s.readsInTxn.Add(1)
	return t.Tx.OlmSessions(key)
}

func (w *watchedStore) Txn(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	if w.failTxn != nil {
		return w.failTxn
	}
	return w.Store.Txn(ctx, func(tx interfaces.Tx) error {
		return fn(watchedTx{Tx: tx, s: w})
	})
}

func TestEncryptDecrypt_RatchetOutsideWriteTxn(t *testing.T) {
	ctx := context.Background()
	alice, bob := connect(t)
	wa := &watchedStore{Store: alice.olm.store}
	wb := &watchedStore{Store: bob.olm.store}
	alice.olm.store, bob.olm.store = wa, wb

	msg, err := alice.olm.Encrypt(ctx, bob.acc.Identity.XPub, []byte("first"))
	require.NoError(t, err)
	_, err = bob.olm.Decrypt(ctx, alice.acc.Identity.XPub, msg)
	require.NoError(t, err)

	reply, err := bob.olm.Encrypt(ctx, alice.acc.Identity.XPub, []byte("second"))
	require.NoError(t, err)
	pt, err := alice.olm.Decrypt(ctx, bob.acc.Identity.XPub, reply)
	require.NoError(t, err)
	assert.Equal(t, "second", string(pt))

	assert.Zero(t, wa.readsInTxn.Load())
	assert.Zero(t, wb.readsInTxn.Load())
}

func TestEncrypt_KeepsStorageCode(t *testing.T) {
	ctx := context.Background()
	alice, bob := connect(t)
	alice.olm.store = &watchedStore{Store: alice.olm.store, failTxn: errors.New("disk full")}

	_, err := alice.olm.Encrypt(ctx, bob.acc.Identity.XPub, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errs.CodeStorage, errs.CodeOf(err))
}

func TestEncrypt_ConcurrentPeers(t *testing.T) {
	ctx := context.Background()
	alice := newPeer(t, "@alice:example.org", "ALICE")
	peers := make([]*peer, 4)
	for i := range peers {
		peers[i] = newPeer(t, "@bob:example.org", id.DeviceID(fmt.Sprintf("BOB%d", i)))
		_, err := alice.olm.CreateOutbound(ctx, peers[i].device(), peers[i].publishOne(t))
		require.NoError(t, err)
	}

	var g errgroup.Group
	for _, p := range peers {
		g.Go(func() error {
			for range 5 {
				msg, err := alice.olm.Encrypt(ctx, p.acc.Identity.XPub, []byte("hi"))
				if err != nil {
					return err
				}
				if _, err := p.olm.Decrypt(ctx, alice.acc.Identity.XPub, msg); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
