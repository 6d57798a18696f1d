package group

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/metrics"
	"mxcrypt/internal/protocol/megolm"
	"mxcrypt/internal/util/clock"
	"mxcrypt/internal/util/keyedmutex"
)

// Rotation defaults, matching the m.room.encryption event defaults.
const (
	DefaultRotationMessages = 100
	DefaultRotationPeriod   = 7 * 24 * time.Hour
)

// DefaultSettings returns the settings used for rooms without an override.
func DefaultSettings() types.RoomSettings {
	return types.RoomSettings{
		RotationMessages:         DefaultRotationMessages,
		RotationPeriod:           DefaultRotationPeriod,
		RotateOnMembershipChange: true,
	}
}

// DeviceEncryptor seals a to-device event for a single device.
type DeviceEncryptor interface {
	EncryptEvent(ctx context.Context, device *domain.Device, evType types.EventType, content any) (*types.EncryptedOlmContent, error)
}

// TrustEvaluator computes a device's trust verdict.
type TrustEvaluator interface {
	DeviceTrust(ctx context.Context, device *domain.Device) (types.DeviceVerdict, error)
}

// Service manages outbound and inbound group sessions.
type Service struct {
	store     interfaces.Store
	olm       DeviceEncryptor
	trust     TrustEvaluator
	ownUser   id.UserID
	ownDevice id.DeviceID
	ownKey    domain.X25519Public
	ownEd     domain.Ed25519Public
	defaults  types.RoomSettings
	outLocks  *keyedmutex.Map[id.RoomID]
	inLocks   *keyedmutex.Map[id.SessionID]
	clock     interfaces.Clock
	log       zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDefaults overrides the rotation settings for rooms without their own.
func WithDefaults(settings types.RoomSettings) Option {
	return func(s *Service) { s.defaults = settings }
}

// WithClock replaces the wall clock.
func WithClock(c interfaces.Clock) Option { return func(s *Service) { s.clock = c } }

// New returns a group session service for the local device acc.
func New(store interfaces.Store, acc *domain.Account, olm DeviceEncryptor, trust TrustEvaluator, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		olm:       olm,
		trust:     trust,
		ownUser:   acc.UserID,
		ownDevice: acc.DeviceID,
		ownKey:    acc.Identity.XPub,
		ownEd:     acc.Identity.EdPub,
		defaults:  DefaultSettings(),
		outLocks:  keyedmutex.New[id.RoomID](),
		inLocks:   keyedmutex.New[id.SessionID](),
		clock:     clock.System{},
		log:       log.With().Str("component", "megolm").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRoomSettings stores a per-room override.
func (s *Service) SetRoomSettings(ctx context.Context, roomID id.RoomID, settings types.RoomSettings) error {
	return s.store.Txn(ctx, func(tx interfaces.Tx) error {
		return errs.Storage("group.SetRoomSettings", tx.PutRoomSettings(roomID, &settings))
	})
}

func (s *Service) settings(tx interfaces.ReadTx, roomID id.RoomID) (types.RoomSettings, error) {
	rs, ok, err := tx.RoomSettings(roomID)
	if err != nil || !ok {
		return s.defaults, err
	}
	return *rs, nil
}

// RotateIfNeeded makes sure the room has a usable outbound session for the
// given recipient devices, replacing the current one when required. It
// reports whether a new session was created.
func (s *Service) RotateIfNeeded(ctx context.Context, roomID id.RoomID, devices []*domain.Device) (bool, error) {
	const op = "group.RotateIfNeeded"
	unlock := s.outLocks.Lock(roomID)
	defer unlock()

	// Trust is evaluated outside the write transaction; the room lock keeps
	// the outbound session stable in between.
	var (
		settings types.RoomSettings
		cur      *domain.OutboundGroupSession
		ok       bool
	)
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		if settings, err = s.settings(tx, roomID); err != nil {
			return errs.Storage(op, err)
		}
		cur, ok, err = tx.OutboundGroupSession(roomID)
		return errs.Storage(op, err)
	})
	if err != nil {
		return false, err
	}
	reason := "none"
	if ok {
		cur.Settings = settings
		if reason, err = s.rotationReason(ctx, cur, devices); err != nil || reason == "" {
			return false, err
		}
	}
	err = s.store.Txn(ctx, func(tx interfaces.Tx) error {
		return s.create(tx, roomID, settings)
	})
	if err != nil {
		return false, err
	}
	metrics.GroupSessionsRotatedTotal.WithLabelValues(reason).Inc()
	s.log.Debug().Str("room_id", string(roomID)).Str("reason", reason).Msg("Created outbound group session")
	return true, nil
}

func (s *Service) rotationReason(ctx context.Context, cur *domain.OutboundGroupSession, devices []*domain.Device) (string, error) {
	now := s.clock.Now()
	switch {
	case cur.Invalidated:
		return "invalidated", nil
	case cur.Settings.RotationMessages > 0 && cur.MessageCount >= cur.Settings.RotationMessages:
		return "messages", nil
	case cur.Expired(now):
		return "age", nil
	}

	present := make(map[string]*domain.Device, len(devices))
	for _, d := range devices {
		present[types.SharedKey(d.UserID, d.DeviceID)] = d
	}
	if cur.Settings.RotateOnMembershipChange {
		for key := range cur.SharedWith {
			d, ok := present[key]
			if !ok || d.Deleted || d.LocalTrust == types.TrustBlacklisted {
				return "membership", nil
			}
		}
	}

	if cur.Settings.OnlyAllowTrustedDevices {
		for key := range cur.SharedWith {
			d, ok := present[key]
			if !ok {
				continue
			}
			trusted, err := s.deviceTrusted(ctx, d)
			if err != nil {
				return "", err
			}
			if !trusted {
				return "trust_lost", nil
			}
		}
	}

	// A fresh session is handed to whoever is present when it is first
	// shared. After that an unverified newcomer gets a new session so it
	// cannot read what was sent before it appeared.
	if len(cur.SharedWith) == 0 && len(cur.WithheldFrom) == 0 {
		return "", nil
	}
	for key, d := range present {
		if d.Deleted || (d.UserID == s.ownUser && d.DeviceID == s.ownDevice) {
			continue
		}
		if _, ok := cur.SharedWith[key]; ok {
			continue
		}
		if _, ok := cur.WithheldFrom[key]; ok {
			continue
		}
		trusted, err := s.deviceTrusted(ctx, d)
		if err != nil {
			return "", err
		}
		if !trusted {
			return "untrusted_device", nil
		}
	}
	return "", nil
}

// deviceTrusted uses the trust evaluator when there is one and the local
// pin otherwise.
func (s *Service) deviceTrusted(ctx context.Context, d *domain.Device) (bool, error) {
	if s.trust == nil {
		return d.LocalTrust == types.TrustVerified, nil
	}
	verdict, err := s.trust.DeviceTrust(ctx, d)
	if err != nil {
		return false, err
	}
	return verdict.Trusted(), nil
}

// create replaces the room's outbound session and installs the matching
// inbound session so our own messages stay readable.
func (s *Service) create(tx interfaces.Tx, roomID id.RoomID, settings types.RoomSettings) error {
	const op = "group.RotateIfNeeded"
	now := s.clock.Now()
	out, err := megolm.NewOutboundSession(roomID, settings, now)
	if err != nil {
		return errs.Wrap(errs.CodeCryptoInvariant, op, err)
	}
	key, err := megolm.SessionKey(out)
	if err != nil {
		return errs.Wrap(errs.CodeCryptoInvariant, op, err)
	}
	in, err := megolm.NewInboundSession(key)
	if err != nil {
		return errs.Wrap(errs.CodeCryptoInvariant, op, err)
	}
	in.RoomID = roomID
	in.SenderKey = s.ownKey
	in.SenderClaimedKey = s.ownEd
	in.ReceivedAt = now
	if err := tx.PutInboundGroupSession(in); err != nil {
		return errs.Storage(op, err)
	}
	return errs.Storage(op, tx.PutOutboundGroupSession(out))
}

// Invalidate forces the next RotateIfNeeded to replace the room's session.
func (s *Service) Invalidate(ctx context.Context, roomID id.RoomID) error {
	const op = "group.Invalidate"
	unlock := s.outLocks.Lock(roomID)
	defer unlock()
	return s.store.Txn(ctx, func(tx interfaces.Tx) error {
		cur, ok, err := tx.OutboundGroupSession(roomID)
		if err != nil || !ok {
			return errs.Storage(op, err)
		}
		cur.Invalidated = true
		return errs.Storage(op, tx.PutOutboundGroupSession(cur))
	})
}

// Encrypt seals a room event with the room's outbound session and advances
// it. The session must exist and be within its thresholds; call
// RotateIfNeeded and ShareWith first.
func (s *Service) Encrypt(ctx context.Context, roomID id.RoomID, evType types.EventType, content any) (*types.EncryptedRoomEvent, error) {
	const op = "group.Encrypt"
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	payload, err := json.Marshal(types.MegolmPayload{RoomID: roomID, Type: evType, Content: raw})
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}

	unlock := s.outLocks.Lock(roomID)
	defer unlock()

	// Every writer of the outbound session holds the room lock, so the
	// ratchet advances outside the write transaction.
	sess, ok, err := s.OutboundSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !ok || sess.Expired(s.clock.Now()) {
		return nil, errs.New(errs.CodeUnknownSession, op, "room %s has no usable outbound session", roomID)
	}
	msg, index, err := megolm.Encrypt(sess, payload)
	if err != nil {
		return nil, errs.Ensure(errs.CodeCryptoInvariant, op, err)
	}
	err = s.store.Txn(ctx, func(tx interfaces.Tx) error {
		return errs.Storage(op, tx.PutOutboundGroupSession(sess))
	})
	if err != nil {
		return nil, err
	}
	metrics.GroupMessagesEncryptedTotal.Inc()
	return &types.EncryptedRoomEvent{
		Content: types.EncryptedMegolmContent{
			Algorithm:  id.AlgorithmMegolmV1,
			SenderKey:  s.ownKey.Curve25519(),
			DeviceID:   s.ownDevice,
			SessionID:  sess.ID,
			Ciphertext: crypto.B64(msg),
		},
		Index: index,
	}, nil
}

// OutboundSession returns a copy of the room's outbound session.
func (s *Service) OutboundSession(ctx context.Context, roomID id.RoomID) (*domain.OutboundGroupSession, bool, error) {
	var (
		out *domain.OutboundGroupSession
		ok  bool
	)
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		out, ok, err = tx.OutboundGroupSession(roomID)
		return errs.Storage("group.OutboundSession", err)
	})
	return out, ok, err
}
