package backup

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/metrics"
	"mxcrypt/internal/services/group"
)

// DefaultBatchSize bounds PendingBackup when the caller passes no limit.
const DefaultBatchSize = 200

// Importer installs a restored session.
type Importer interface {
	ImportSession(ctx context.Context, exp *types.ExportedSession) error
}

// Service manages the server-side key backup of this device.
type Service struct {
	store    interfaces.Store
	importer Importer
	user     id.UserID
	device   id.DeviceID
	edPriv   domain.Ed25519Private
	batch    int
	log      zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option { return func(s *Service) { s.batch = n } }

// New returns a backup service for the device acc.
func New(store interfaces.Store, acc *domain.Account, importer Importer, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		importer: importer,
		user:     acc.UserID,
		device:   acc.DeviceID,
		edPriv:   acc.Identity.EdPriv,
		batch:    DefaultBatchSize,
		log:      log.With().Str("component", "backup").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewBackupKey creates a backup key pair, stores the private half as the
// m.megolm_backup.v1 secret, and returns the signed version info to create
// on the server together with the recovery key to show the user.
func (s *Service) NewBackupKey(ctx context.Context) (*types.BackupVersionInfo, string, error) {
	const op = "backup.NewBackupKey"
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, "", err
	}
	info := &types.BackupVersionInfo{
		Algorithm: types.BackupAlgorithm,
		AuthData:  types.BackupAuthData{PublicKey: pub.String()},
	}
	sig, err := crypto.SignJSON(s.edPriv, info.AuthData)
	if err != nil {
		return nil, "", err
	}
	info.AuthData.Signatures.Add(s.user, types.DeviceSigningKeyID(s.device), sig)

	err = s.store.Txn(ctx, func(tx interfaces.Tx) error {
		return errs.Storage(op, tx.PutSecret(types.SecretMegolmBackup, []byte(crypto.B64(priv[:]))))
	})
	if err != nil {
		return nil, "", err
	}
	return info, EncodeRecoveryKey(priv), nil
}

// EnableBackup starts backing up to version and marks every inbound
// session as not yet backed up.
func (s *Service) EnableBackup(ctx context.Context, version string, pub domain.X25519Public) error {
	const op = "backup.EnableBackup"
	var marked int
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		if err := tx.PutBackupState(&domain.BackupState{Version: version, PublicKey: pub, Enabled: true}); err != nil {
			return errs.Storage(op, err)
		}
		all, err := tx.AllInboundGroupSessions()
		if err != nil {
			return errs.Storage(op, err)
		}
		for _, sess := range all {
			if !sess.BackedUp {
				continue
			}
			sess.BackedUp = false
			if err := tx.PutInboundGroupSession(sess); err != nil {
				return errs.Storage(op, err)
			}
			marked++
		}
		return nil
	})
	if err == nil {
		s.log.Info().Str("version", version).Int("reset", marked).Msg("Enabled key backup")
	}
	return err
}

// DisableBackup stops producing batches.
func (s *Service) DisableBackup(ctx context.Context) error {
	const op = "backup.DisableBackup"
	return s.store.Txn(ctx, func(tx interfaces.Tx) error {
		st, ok, err := tx.BackupState()
		if err != nil || !ok {
			return errs.Storage(op, err)
		}
		st.Enabled = false
		return errs.Storage(op, tx.PutBackupState(st))
	})
}

// State returns the current backup state, if any.
func (s *Service) State(ctx context.Context) (*domain.BackupState, bool, error) {
	var st *domain.BackupState
	var ok bool
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		st, ok, err = tx.BackupState()
		return errs.Storage("backup.State", err)
	})
	return st, ok, err
}

// Batch is a set of encrypted sessions ready for PUT /room_keys/keys.
type Batch struct {
	Version string
	Records []types.BackupRecord
	// sources[i] identifies the stored session behind Records[i].
	sources []source
}

type source struct {
	senderKey domain.X25519Public
	index     uint32
}

// Empty reports whether there is nothing to upload.
func (b *Batch) Empty() bool { return b == nil || len(b.Records) == 0 }

// PendingBackup encrypts up to limit sessions that are not backed up yet.
// It changes nothing in the store. A nil batch means backup is disabled.
func (s *Service) PendingBackup(ctx context.Context, limit int) (*Batch, error) {
	const op = "backup.PendingBackup"
	if limit <= 0 {
		limit = s.batch
	}
	var st *domain.BackupState
	var list []*domain.InboundGroupSession
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var ok bool
		var err error
		if st, ok, err = tx.BackupState(); err != nil || !ok || !st.Enabled {
			st = nil
			return errs.Storage(op, err)
		}
		list, err = tx.InboundGroupSessionsToBackup(limit)
		return errs.Storage(op, err)
	})
	if err != nil || st == nil {
		return nil, err
	}

	b := &Batch{Version: st.Version}
	for _, sess := range list {
		exp, err := group.Export(sess, sess.FirstKnownIndex())
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(exp)
		if err != nil {
			return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
		}
		data, err := sealSession(st.PublicKey, payload)
		if err != nil {
			return nil, err
		}
		b.Records = append(b.Records, types.BackupRecord{
			RoomID:            sess.RoomID,
			SessionID:         sess.ID,
			FirstMessageIndex: sess.FirstKnownIndex(),
			ForwardedCount:    len(sess.ForwardingChain),
			IsVerified:        !sess.Imported,
			SessionData:       data,
		})
		b.sources = append(b.sources, source{senderKey: sess.SenderKey, index: sess.FirstKnownIndex()})
	}
	return b, nil
}

// MarkBackedUp records that b was uploaded. Sessions that improved (got an
// earlier index) since the batch was built stay pending, as do all of them
// if the backup version changed.
func (s *Service) MarkBackedUp(ctx context.Context, b *Batch) error {
	const op = "backup.MarkBackedUp"
	if b.Empty() {
		return nil
	}
	var n int
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		st, ok, err := tx.BackupState()
		if err != nil {
			return errs.Storage(op, err)
		}
		if !ok || !st.Enabled || st.Version != b.Version {
			return nil
		}
		for i, rec := range b.Records {
			src := b.sources[i]
			sess, ok, err := tx.InboundGroupSession(rec.RoomID, src.senderKey, rec.SessionID)
			if err != nil {
				return errs.Storage(op, err)
			}
			if !ok || sess.FirstKnownIndex() != src.index {
				continue
			}
			sess.BackedUp = true
			if err := tx.PutInboundGroupSession(sess); err != nil {
				return errs.Storage(op, err)
			}
			n++
		}
		return nil
	})
	if err == nil {
		metrics.BackupUploadedTotal.Add(float64(n))
		s.log.Debug().Int("count", n).Str("version", b.Version).Msg("Marked sessions as backed up")
	}
	return err
}

// RestoreFromBackup decrypts records with the recovery key and imports each
// one. A failing record never stops the others.
func (s *Service) RestoreFromBackup(ctx context.Context, recoveryKey string, records []types.BackupRecord) ([]types.RestoreResult, error) {
	const op = "backup.RestoreFromBackup"
	priv, err := DecodeRecoveryKey(recoveryKey)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	results := make([]types.RestoreResult, 0, len(records))
	var ok int
	for _, rec := range records {
		res := types.RestoreResult{RoomID: rec.RoomID, SessionID: rec.SessionID}
		res.Err = s.restore(ctx, priv, rec)
		if res.Err != nil {
			metrics.BackupRestoreTotal.WithLabelValues("failed").Inc()
			s.log.Warn().Err(res.Err).
				Str("room_id", string(rec.RoomID)).
				Str("session_id", string(rec.SessionID)).
				Msg("Failed to restore session from backup")
		} else {
			metrics.BackupRestoreTotal.WithLabelValues("ok").Inc()
			ok++
		}
		results = append(results, res)
	}
	s.log.Info().Int("restored", ok).Int("total", len(records)).Msg("Restored sessions from backup")
	return results, nil
}

func (s *Service) restore(ctx context.Context, priv domain.X25519Private, rec types.BackupRecord) error {
	const op = "backup.RestoreFromBackup"
	pt, err := openSession(priv, rec.SessionData)
	if err != nil {
		return errs.Wrap(errs.CodeDecryption, op, err)
	}
	var exp types.ExportedSession
	if err := json.Unmarshal(pt, &exp); err != nil {
		return errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	if exp.RoomID == "" {
		exp.RoomID = rec.RoomID
	}
	if exp.SessionID == "" {
		exp.SessionID = rec.SessionID
	}
	if exp.RoomID != rec.RoomID || exp.SessionID != rec.SessionID {
		return errs.New(errs.CodeCryptoInvariant, op, "backup record for %s/%s holds %s/%s", rec.RoomID, rec.SessionID, exp.RoomID, exp.SessionID)
	}
	if err := s.importer.ImportSession(ctx, &exp); err != nil {
		return err
	}
	senderKey, err := types.ParseX25519Public(string(exp.SenderKey))
	if err != nil {
		return errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	// Restored sessions are already in the backup unless we hold an earlier copy.
	return s.store.Txn(ctx, func(tx interfaces.Tx) error {
		sess, ok, err := tx.InboundGroupSession(rec.RoomID, senderKey, rec.SessionID)
		if err != nil || !ok || sess.FirstKnownIndex() != rec.FirstMessageIndex || sess.BackedUp {
			return errs.Storage(op, err)
		}
		sess.BackedUp = true
		return errs.Storage(op, tx.PutInboundGroupSession(sess))
	})
}
