package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
)

// backends opens one of each store kind in a fresh temp dir.
func backends(t *testing.T) map[string]interfaces.Store {
	t.Helper()
	ctx := context.Background()

	fs, err := OpenFileStore(t.TempDir(), "hunter2", WithScrypt(1<<10, 8, 1))
	require.NoError(t, err)
	sq, err := OpenSQLiteStore(ctx, filepath.Join(t.TempDir(), "crypto.db"), zerolog.Nop())
	require.NoError(t, err)

	out := map[string]interfaces.Store{
		"memory": NewMemoryStore(),
		"file":   fs,
		"sqlite": sq,
	}
	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func testAccount() *domain.Account {
	return &domain.Account{
		UserID:    "@alice:example.org",
		DeviceID:  "ALICEDEV",
		NextKeyID: 3,
		OneTimeKeys: map[string]*domain.OneTimeKey{
			"AAAAAQ": {ID: "AAAAAQ", Pub: domain.X25519Public{1}},
		},
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

var errAbort = errors.New("abort")

func TestStore_AccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Txn(ctx, func(tx interfaces.Tx) error {
				return tx.PutAccount(testAccount())
			}))
			require.NoError(t, s.View(ctx, func(tx interfaces.ReadTx) error {
				acc, ok, err := tx.Account()
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, id.UserID("@alice:example.org"), acc.UserID)
				assert.Equal(t, uint32(3), acc.NextKeyID)
				assert.True(t, acc.CreatedAt.Equal(testAccount().CreatedAt))
				require.Contains(t, acc.OneTimeKeys, "AAAAAQ")
				return nil
			}))
		})
	}
}

func TestStore_FailedTxnRollsBack(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Txn(ctx, func(tx interfaces.Tx) error {
				return tx.PutAccount(testAccount())
			}))
			err := s.Txn(ctx, func(tx interfaces.Tx) error {
				acc, _, err := tx.Account()
				if err != nil {
					return err
				}
				acc.NextKeyID = 99
				if err := tx.PutAccount(acc); err != nil {
					return err
				}
				if err := tx.PutSecret(types.SecretMegolmBackup, []byte("k")); err != nil {
					return err
				}
				return errAbort
			})
			require.ErrorIs(t, err, errAbort)
			require.NoError(t, s.View(ctx, func(tx interfaces.ReadTx) error {
				acc, _, err := tx.Account()
				require.NoError(t, err)
				assert.Equal(t, uint32(3), acc.NextKeyID)
				_, ok, err := tx.Secret(types.SecretMegolmBackup)
				require.NoError(t, err)
				assert.False(t, ok)
				return nil
			}))
		})
	}
}

func TestStore_TxnSeesOwnWrites(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Txn(ctx, func(tx interfaces.Tx) error {
				require.NoError(t, tx.PutSecret(types.SecretCrossSigningMaster, []byte("m")))
				v, ok, err := tx.Secret(types.SecretCrossSigningMaster)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte("m"), v)
				require.NoError(t, tx.DeleteSecret(types.SecretCrossSigningMaster))
				_, ok, err = tx.Secret(types.SecretCrossSigningMaster)
				require.NoError(t, err)
				assert.False(t, ok)
				return nil
			}))
		})
	}
}

func TestStore_OlmSessionsByPeer(t *testing.T) {
	ctx := context.Background()
	peerA := domain.X25519Public{0xa}
	peerB := domain.X25519Public{0xb}
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Txn(ctx, func(tx interfaces.Tx) error {
				for _, sess := range []*domain.OlmSession{
					{ID: "s1", RemoteIdentityKey: peerA},
					{ID: "s2", RemoteIdentityKey: peerA},
					{ID: "s3", RemoteIdentityKey: peerB},
				} {
					if err := tx.PutOlmSession(sess); err != nil {
						return err
					}
				}
				return tx.SetNeedsNewSession(peerB, true)
			}))
			require.NoError(t, s.View(ctx, func(tx interfaces.ReadTx) error {
				list, err := tx.OlmSessions(peerA)
				require.NoError(t, err)
				assert.Len(t, list, 2)
				one, ok, err := tx.OlmSession(peerB, "s3")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, peerB, one.RemoteIdentityKey)
				wedged, err := tx.NeedsNewSession(peerB)
				require.NoError(t, err)
				assert.True(t, wedged)
				wedged, err = tx.NeedsNewSession(peerA)
				require.NoError(t, err)
				assert.False(t, wedged)
				return nil
			}))
		})
	}
}

func TestStore_InboundBackupQueue(t *testing.T) {
	ctx := context.Background()
	room := id.RoomID("!room:example.org")
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Txn(ctx, func(tx interfaces.Tx) error {
				for i, sid := range []id.SessionID{"a", "b", "c"} {
					if err := tx.PutInboundGroupSession(&domain.InboundGroupSession{
						RoomID:    room,
						SenderKey: domain.X25519Public{byte(i)},
						ID:        sid,
						BackedUp:  sid == "b",
					}); err != nil {
						return err
					}
				}
				return nil
			}))
			require.NoError(t, s.View(ctx, func(tx interfaces.ReadTx) error {
				pending, err := tx.InboundGroupSessionsToBackup(0)
				require.NoError(t, err)
				assert.Len(t, pending, 2)
				limited, err := tx.InboundGroupSessionsToBackup(1)
				require.NoError(t, err)
				assert.Len(t, limited, 1)
				inRoom, err := tx.InboundGroupSessions(room)
				require.NoError(t, err)
				assert.Len(t, inRoom, 3)
				other, err := tx.InboundGroupSessions("!other:example.org")
				require.NoError(t, err)
				assert.Empty(t, other)
				return nil
			}))
		})
	}
}

func TestStore_DeviceIndexFollowsKeyChange(t *testing.T) {
	ctx := context.Background()
	oldKey, newKey := domain.X25519Public{1}, domain.X25519Public{2}
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			dev := &domain.Device{UserID: "@bob:example.org", DeviceID: "BOB", IdentityKey: oldKey}
			require.NoError(t, s.Txn(ctx, func(tx interfaces.Tx) error { return tx.PutDevice(dev) }))
			dev.IdentityKey = newKey
			require.NoError(t, s.Txn(ctx, func(tx interfaces.Tx) error { return tx.PutDevice(dev) }))
			require.NoError(t, s.View(ctx, func(tx interfaces.ReadTx) error {
				_, ok, err := tx.DeviceByIdentityKey(oldKey)
				require.NoError(t, err)
				assert.False(t, ok)
				got, ok, err := tx.DeviceByIdentityKey(newKey)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, id.DeviceID("BOB"), got.DeviceID)
				return nil
			}))
		})
	}
}

func TestFileStore_ReopenAndWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := OpenFileStore(dir, "correct horse", WithScrypt(1<<10, 8, 1))
	require.NoError(t, err)
	require.NoError(t, fs.Txn(ctx, func(tx interfaces.Tx) error { return tx.PutAccount(testAccount()) }))
	require.NoError(t, fs.Close())

	_, err = OpenFileStore(dir, "battery staple")
	require.ErrorIs(t, err, errWrongPassphrase)

	again, err := OpenFileStore(dir, "correct horse")
	require.NoError(t, err)
	defer again.Close()
	require.NoError(t, again.View(ctx, func(tx interfaces.ReadTx) error {
		acc, ok, err := tx.Account()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id.DeviceID("ALICEDEV"), acc.DeviceID)
		return nil
	}))
}

func TestFileStore_FallsBackToPreviousGeneration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := OpenFileStore(dir, "correct horse", WithScrypt(1<<10, 8, 1))
	require.NoError(t, err)
	require.NoError(t, fs.Txn(ctx, func(tx interfaces.Tx) error { return tx.PutAccount(testAccount()) }))
	require.NoError(t, fs.Txn(ctx, func(tx interfaces.Tx) error {
		acc := testAccount()
		acc.NextKeyID = 9
		return tx.PutAccount(acc)
	}))
	require.NoError(t, fs.Close())

	// A save interrupted after moving the current generation aside.
	require.NoError(t, os.Remove(filepath.Join(dir, storeFilename)))

	again, err := OpenFileStore(dir, "correct horse")
	require.NoError(t, err)
	defer again.Close()
	require.NoError(t, again.View(ctx, func(tx interfaces.ReadTx) error {
		acc, ok, err := tx.Account()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint32(3), acc.NextKeyID)
		return nil
	}))
}

func TestMemoryStore_ClosedRejects(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	err := s.View(context.Background(), func(interfaces.ReadTx) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "etcd"}, zerolog.Nop())
	require.Error(t, err)
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Config{Backend: "etcd"}, zerolog.Nop())
	require.Error(t, err)
	_, err = Open(ctx, Config{Backend: BackendFile, Dir: t.TempDir()}, zerolog.Nop())
	require.Error(t, err, "file store needs a passphrase")

	s, err := Open(ctx, Config{Backend: BackendSQLite, Dir: filepath.Join(t.TempDir(), "nested")}, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Txn(ctx, func(tx interfaces.Tx) error {
		return tx.PutAccount(testAccount())
	}))
	require.NoError(t, s.View(ctx, func(tx interfaces.ReadTx) error {
		_, ok, err := tx.Account()
		assert.True(t, ok)
		return err
	}))
}
