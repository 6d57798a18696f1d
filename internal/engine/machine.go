package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/protocol/ratchet"
	"mxcrypt/internal/services/account"
	"mxcrypt/internal/services/backup"
	"mxcrypt/internal/services/group"
	"mxcrypt/internal/services/olm"
	"mxcrypt/internal/services/secrets"
	"mxcrypt/internal/services/trust"
	"mxcrypt/internal/services/verification"
	"mxcrypt/internal/util/clock"
)

// Config tunes a Machine. Zero values select the defaults.
type Config struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	MaxOneTimeKeys      int
	OlmLimits           ratchet.Limits
	Rooms               types.RoomSettings
	VerificationTimeout time.Duration
	BackupBatchSize     int
}

// DefaultConfig returns the documented defaults for user/device.
func DefaultConfig(user id.UserID, device id.DeviceID) Config {
	return Config{
		UserID:              user,
		DeviceID:            device,
		MaxOneTimeKeys:      account.DefaultMaxOneTimeKeys,
		OlmLimits:           ratchet.DefaultLimits(),
		Rooms:               group.DefaultSettings(),
		VerificationTimeout: verification.DefaultTimeout,
		BackupBatchSize:     backup.DefaultBatchSize,
	}
}

func (c *Config) fill() {
	def := DefaultConfig(c.UserID, c.DeviceID)
	if c.MaxOneTimeKeys <= 0 {
		c.MaxOneTimeKeys = def.MaxOneTimeKeys
	}
	if c.OlmLimits == (ratchet.Limits{}) {
		c.OlmLimits = def.OlmLimits
	}
	if c.Rooms.RotationMessages == 0 && c.Rooms.RotationPeriod == 0 {
		c.Rooms = def.Rooms
	}
	if c.VerificationTimeout <= 0 {
		c.VerificationTimeout = def.VerificationTimeout
	}
	if c.BackupBatchSize <= 0 {
		c.BackupBatchSize = def.BackupBatchSize
	}
}

// Option configures a Machine.
type Option func(*options)

type options struct {
	clock interfaces.Clock
	rand  io.Reader
}

// WithClock replaces the wall clock in every service.
func WithClock(c interfaces.Clock) Option { return func(o *options) { o.clock = c } }

// WithRand replaces the randomness used for verification flows.
func WithRand(r io.Reader) Option { return func(o *options) { o.rand = r } }

// Machine is the encryption engine of one device. It owns the services,
// talks to the homeserver through the Transport and is safe for concurrent
// use.
type Machine struct {
	store     interfaces.Store
	transport interfaces.Transport
	clock     interfaces.Clock
	log       zerolog.Logger

	userID   id.UserID
	deviceID id.DeviceID
	identity domain.X25519Public

	Account      *account.Service
	Olm          *olm.Service
	Groups       *group.Service
	Trust        *trust.Service
	Verification *verification.Service
	Backup       *backup.Service
	Secrets      *secrets.Service

	keysMu    sync.Mutex
	serverOTK int
	backupMu  sync.Mutex
}

// New opens the device account in store, creating it on first use, and
// builds the services around it.
func New(ctx context.Context, store interfaces.Store, transport interfaces.Transport, cfg Config, log zerolog.Logger, opts ...Option) (*Machine, error) {
	const op = "engine.New"
	o := options{clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}
	cfg.fill()

	accounts := account.New(store, log, account.WithMaxOneTimeKeys(cfg.MaxOneTimeKeys), account.WithClock(o.clock))
	acc, err := accounts.Get(ctx)
	if errors.Is(err, errs.ErrNoAccount) {
		acc, err = accounts.GenerateIdentity(ctx, cfg.UserID, cfg.DeviceID)
	}
	if err != nil {
		return nil, err
	}
	if acc.UserID != cfg.UserID || acc.DeviceID != cfg.DeviceID {
		return nil, errs.New(errs.CodeCryptoInvariant, op, "store belongs to %s/%s, not %s/%s", acc.UserID, acc.DeviceID, cfg.UserID, cfg.DeviceID)
	}

	m := &Machine{
		store:     store,
		transport: transport,
		clock:     o.clock,
		log:       log.With().Str("user_id", string(acc.UserID)).Str("device_id", string(acc.DeviceID)).Logger(),
		userID:    acc.UserID,
		deviceID:  acc.DeviceID,
		identity:  acc.Identity.XPub,
		Account:   accounts,
		serverOTK: -1,
	}
	m.Olm = olm.New(store, accounts, m.log, olm.WithLimits(cfg.OlmLimits), olm.WithClock(o.clock))
	m.Trust = trust.New(store, acc, m.log).WithClock(o.clock)
	m.Groups = group.New(store, acc, m.Olm, m.Trust, m.log, group.WithDefaults(cfg.Rooms), group.WithClock(o.clock))

	vopts := []verification.Option{verification.WithTimeout(cfg.VerificationTimeout), verification.WithClock(o.clock)}
	if o.rand != nil {
		vopts = append(vopts, verification.WithRand(o.rand))
	}
	m.Verification = verification.New(store, acc, m.Trust, m.log, vopts...)
	m.Backup = backup.New(store, acc, m.Groups, m.log, backup.WithBatchSize(cfg.BackupBatchSize))
	m.Secrets = secrets.New(store, acc, m.Olm, m.Trust, m.log,
		secrets.WithClock(o.clock),
		secrets.WithValidator(types.SecretCrossSigningMaster, m.crossSigningValidator(types.UsageMaster)),
		secrets.WithValidator(types.SecretCrossSigningSelf, m.crossSigningValidator(types.UsageSelfSigning)),
		secrets.WithValidator(types.SecretCrossSigningUser, m.crossSigningValidator(types.UsageUserSigning)),
		secrets.WithValidator(types.SecretMegolmBackup, validBackupKey),
	)
	return m, nil
}

// UserID returns the owner of the device.
func (m *Machine) UserID() id.UserID { return m.userID }

// DeviceID returns the local device id.
func (m *Machine) DeviceID() id.DeviceID { return m.deviceID }

// IdentityKey returns the device's curve25519 identity key.
func (m *Machine) IdentityKey() domain.X25519Public { return m.identity }

// Store returns the backing store.
func (m *Machine) Store() interfaces.Store { return m.store }

func (m *Machine) crossSigningValidator(usage types.CrossSigningUsage) secrets.Validator {
	return func(ctx context.Context, value string) error {
		return m.Trust.ImportPrivateKey(ctx, usage, value)
	}
}

func validBackupKey(_ context.Context, value string) error {
	raw, err := crypto.DecodeB64(value)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidInput, "engine.validBackupKey", err)
	}
	if len(raw) != 32 {
		return errs.New(errs.CodeInvalidInput, "engine.validBackupKey", "backup key has %d bytes", len(raw))
	}
	return nil
}

// transportErr gives an uncoded transport failure the TRANSPORT_ERROR code.
func transportErr(op string, err error) error {
	if err == nil || errs.CodeOf(err) != "" {
		return err
	}
	return errs.Wrap(errs.CodeTransport, op, err)
}

// Devices returns the known devices of users as of the last UpdateDevices.
func (m *Machine) Devices(ctx context.Context, users ...id.UserID) ([]*domain.Device, error) {
	return m.devices(ctx, users)
}

// devices lists the known, non-deleted devices of users.
func (m *Machine) devices(ctx context.Context, users []id.UserID) ([]*domain.Device, error) {
	const op = "engine.devices"
	var out []*domain.Device
	err := m.store.View(ctx, func(tx interfaces.ReadTx) error {
		for _, u := range users {
			list, err := tx.Devices(u)
			if err != nil {
				return errs.Storage(op, err)
			}
			for _, d := range list {
				if !d.Deleted {
					out = append(out, d)
				}
			}
		}
		return nil
	})
	return out, err
}

func (m *Machine) device(ctx context.Context, user id.UserID, deviceID id.DeviceID) (*domain.Device, error) {
	const op = "engine.device"
	var d *domain.Device
	err := m.store.View(ctx, func(tx interfaces.ReadTx) error {
		found, ok, err := tx.Device(user, deviceID)
		if err != nil {
			return errs.Storage(op, err)
		}
		if !ok || found.Deleted {
			return errs.New(errs.CodeUnknownDevice, op, "unknown device %s/%s", user, deviceID)
		}
		d = found
		return nil
	})
	return d, err
}

func (m *Machine) deviceByKey(ctx context.Context, key domain.X25519Public) (*domain.Device, bool, error) {
	var (
		d  *domain.Device
		ok bool
	)
	err := m.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		d, ok, err = tx.DeviceByIdentityKey(key)
		return errs.Storage("engine.deviceByKey", err)
	})
	return d, ok, err
}
