package engine

import (
	"context"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/services/backup"
)

// maxBackupRounds bounds one UploadBackup call; anything left goes out on
// the next call.
const maxBackupRounds = 50

// SetupBackup creates a backup key and a new backup version on the server,
// enables it and returns the version and the recovery key for the user.
func (m *Machine) SetupBackup(ctx context.Context) (version, recoveryKey string, err error) {
	const op = "engine.SetupBackup"
	info, recoveryKey, err := m.Backup.NewBackupKey(ctx)
	if err != nil {
		return "", "", err
	}
	pub, err := types.ParseX25519Public(info.AuthData.PublicKey)
	if err != nil {
		return "", "", errs.Wrap(errs.CodeCryptoInvariant, op, err)
	}
	version, err = m.transport.CreateBackupVersion(ctx, *info)
	if err != nil {
		return "", "", transportErr(op, err)
	}
	if err := m.Backup.EnableBackup(ctx, version, pub); err != nil {
		return "", "", err
	}
	return version, recoveryKey, nil
}

// UploadBackup uploads every session not yet in the backup, batch by
// batch. A session is only marked once the server accepted its batch, so a
// failed upload is simply retried by the next call. It returns how many
// sessions were uploaded.
func (m *Machine) UploadBackup(ctx context.Context) (int, error) {
	const op = "engine.UploadBackup"
	m.backupMu.Lock()
	defer m.backupMu.Unlock()
	total := 0
	for range maxBackupRounds {
		b, err := m.Backup.PendingBackup(ctx, 0)
		if err != nil {
			return total, err
		}
		if b.Empty() {
			break
		}
		if err := m.transport.PutRoomKeys(ctx, b.Version, b.Records); err != nil {
			return total, transportErr(op, err)
		}
		if err := m.Backup.MarkBackedUp(ctx, b); err != nil {
			return total, err
		}
		total += len(b.Records)
	}
	return total, nil
}

// RestoreBackup downloads the current backup version and imports every
// session the recovery key opens. Per-session failures are reported in the
// results.
func (m *Machine) RestoreBackup(ctx context.Context, recoveryKey string) ([]types.RestoreResult, error) {
	const op = "engine.RestoreBackup"
	priv, err := backup.DecodeRecoveryKey(recoveryKey)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	info, err := m.currentBackup(ctx, priv)
	if err != nil {
		return nil, err
	}
	records, err := m.transport.GetRoomKeys(ctx, info.Version)
	if err != nil {
		return nil, transportErr(op, err)
	}
	return m.Backup.RestoreFromBackup(ctx, recoveryKey, records)
}

// RestoreBackupFromSecret restores using the backup key received from one
// of our other devices.
func (m *Machine) RestoreBackupFromSecret(ctx context.Context) ([]types.RestoreResult, error) {
	priv, err := m.backupSecret(ctx)
	if err != nil {
		return nil, err
	}
	return m.RestoreBackup(ctx, backup.EncodeRecoveryKey(priv))
}

// enableBackupFromSecret turns on backup to the server's current version
// once another device shared the matching key with us.
func (m *Machine) enableBackupFromSecret(ctx context.Context) error {
	priv, err := m.backupSecret(ctx)
	if err != nil {
		return err
	}
	info, err := m.currentBackup(ctx, priv)
	if err != nil {
		return err
	}
	pub, err := types.ParseX25519Public(info.AuthData.PublicKey)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidInput, "engine.enableBackupFromSecret", err)
	}
	return m.Backup.EnableBackup(ctx, info.Version, pub)
}

func (m *Machine) backupSecret(ctx context.Context) (domain.X25519Private, error) {
	const op = "engine.backupSecret"
	var priv domain.X25519Private
	val, ok, err := m.Secrets.Get(ctx, types.SecretMegolmBackup)
	if err != nil {
		return priv, err
	}
	if !ok {
		return priv, errs.New(errs.CodeInvalidInput, op, "no backup key stored")
	}
	raw, err := crypto.DecodeB64(val)
	if err != nil || len(raw) != len(priv) {
		return priv, errs.New(errs.CodeInvalidInput, op, "stored backup key is malformed")
	}
	copy(priv[:], raw)
	return priv, nil
}

// currentBackup fetches the server's backup version and checks that priv
// belongs to it.
func (m *Machine) currentBackup(ctx context.Context, priv domain.X25519Private) (types.BackupVersionInfo, error) {
	const op = "engine.currentBackup"
	info, err := m.transport.GetBackupVersion(ctx)
	if err != nil {
		return info, transportErr(op, err)
	}
	pub, err := crypto.X25519PublicFrom(priv)
	if err != nil {
		return info, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	if pub.String() != info.AuthData.PublicKey {
		return info, errs.New(errs.CodeInvalidInput, op, "key does not match backup version %s", info.Version)
	}
	return info, nil
}
