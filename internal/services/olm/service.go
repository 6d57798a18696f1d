package olm

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/metrics"
	olmproto "mxcrypt/internal/protocol/olm"
	"mxcrypt/internal/protocol/ratchet"
	"mxcrypt/internal/services/account"
	"mxcrypt/internal/util/clock"
	"mxcrypt/internal/util/keyedmutex"
)

// Service manages Olm sessions.
type Service struct {
	store    interfaces.Store
	accounts *account.Service
	locks    *keyedmutex.Map[domain.X25519Public]
	limits   ratchet.Limits
	clock    interfaces.Clock
	log      zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLimits overrides the skipped-key window.
func WithLimits(l ratchet.Limits) Option { return func(s *Service) { s.limits = l } }

// WithClock replaces the wall clock.
func WithClock(c interfaces.Clock) Option { return func(s *Service) { s.clock = c } }

// New returns an Olm session service.
func New(store interfaces.Store, accounts *account.Service, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		accounts: accounts,
		locks:    keyedmutex.New[domain.X25519Public](),
		limits:   ratchet.DefaultLimits(),
		clock:    clock.System{},
		log:      log.With().Str("component", "olm").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOutbound verifies a claimed one-time key and establishes a session
// with the device. Until the peer replies, messages are sent as pre-key
// messages. Any pending "needs new session" flag for the device is cleared.
func (s *Service) CreateOutbound(ctx context.Context, device *domain.Device, claimed types.KeyObject) (*domain.OlmSession, error) {
	const op = "olm.CreateOutbound"
	otk, err := olmproto.VerifyKeyObject(claimed, device.UserID, device.DeviceID, device.SigningKey)
	if err != nil {
		s.log.Warn().Bool("security", true).
			Str("user_id", string(device.UserID)).
			Str("device_id", string(device.DeviceID)).
			Msg("Claimed one-time key has an invalid signature")
		return nil, errs.Wrap(errs.CodeSignatureVerification, op, err)
	}
	acc, err := s.accounts.Get(ctx)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(device.IdentityKey)
	defer unlock()

	sess, err := olmproto.NewOutboundSession(acc.Identity, device.IdentityKey, otk, s.clock.Now())
	if err != nil {
		return nil, errs.Wrap(errs.CodeSessionCreation, op, err)
	}
	err = s.store.Txn(ctx, func(tx interfaces.Tx) error {
		if err := tx.PutOlmSession(sess); err != nil {
			return errs.Storage(op, err)
		}
		return errs.Storage(op, tx.SetNeedsNewSession(device.IdentityKey, false))
	})
	if err != nil {
		return nil, err
	}
	metrics.OlmSessionsCreatedTotal.WithLabelValues("outbound").Inc()
	s.log.Debug().
		Str("sender_key", device.IdentityKey.String()).
		Str("session_id", sess.ID).
		Msg("Created outbound Olm session")
	return sess, nil
}

// CreateInbound establishes a session from a pre-key message, decrypts it and
// returns both. The local one-time key it names is consumed in the same
// transaction that stores the session.
func (s *Service) CreateInbound(ctx context.Context, senderKey domain.X25519Public, body []byte) (*domain.OlmSession, []byte, error) {
	unlock := s.locks.Lock(senderKey)
	defer unlock()
	return s.createInbound(ctx, senderKey, body)
}

func (s *Service) createInbound(ctx context.Context, senderKey domain.X25519Public, body []byte) (*domain.OlmSession, []byte, error) {
	const op = "olm.CreateInbound"
	pre, err := olmproto.DecodePreKey(body)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	if pre.IdentityKey != senderKey {
		return nil, nil, errs.New(errs.CodeSessionCreation, op, "pre-key message identity key does not match the sender key")
	}

	var (
		sess *domain.OlmSession
		pt   []byte
	)
	err = s.accounts.Update(ctx, func(tx interfaces.Tx, acc *domain.Account) error {
		priv, err := account.UseKey(acc, pre.OneTimeKey, senderKey)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		sess, err = olmproto.NewInboundSession(acc.Identity, priv, pre, now)
		if err != nil {
			return errs.Wrap(errs.CodeSessionCreation, op, err)
		}
		pt, err = olmproto.Decrypt(sess, s.limits, types.OlmPreKeyMessage, body, now)
		if err != nil {
			return errs.Wrap(errs.CodeSessionCreation, op, err)
		}
		if err := tx.PutOlmSession(sess); err != nil {
			return errs.Storage(op, err)
		}
		return errs.Storage(op, tx.SetNeedsNewSession(senderKey, false))
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.OlmSessionsCreatedTotal.WithLabelValues("inbound").Inc()
	s.log.Debug().
		Str("sender_key", senderKey.String()).
		Str("session_id", sess.ID).
		Msg("Created inbound Olm session")
	return sess, pt, nil
}

// HasSession reports whether any session with the peer exists.
func (s *Service) HasSession(ctx context.Context, theirKey domain.X25519Public) (bool, error) {
	var ok bool
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		list, err := tx.OlmSessions(theirKey)
		ok = len(list) > 0
		return errs.Storage("olm.HasSession", err)
	})
	return ok, err
}

// NeedsNewSession reports whether the peer was flagged after an
// undecryptable message.
func (s *Service) NeedsNewSession(ctx context.Context, theirKey domain.X25519Public) (bool, error) {
	var needed bool
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		needed, err = tx.NeedsNewSession(theirKey)
		return errs.Storage("olm.NeedsNewSession", err)
	})
	return needed, err
}

// sessions loads the peer's sessions, newest first. Callers hold the peer
// lock, which every writer of those sessions takes, so the ratchet can be
// advanced outside a store transaction and committed afterwards.
func (s *Service) sessions(ctx context.Context, op string, theirKey domain.X25519Public) ([]*domain.OlmSession, error) {
	var list []*domain.OlmSession
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		list, err = tx.OlmSessions(theirKey)
		return errs.Storage(op, err)
	})
	sortNewestFirst(list)
	return list, err
}

func (s *Service) commit(ctx context.Context, op string, sess *domain.OlmSession) error {
	return s.store.Txn(ctx, func(tx interfaces.Tx) error {
		return errs.Storage(op, tx.PutOlmSession(sess))
	})
}

// Encrypt seals plaintext with the preferred session for the peer.
func (s *Service) Encrypt(ctx context.Context, theirKey domain.X25519Public, plaintext []byte) (types.OlmCiphertext, error) {
	const op = "olm.Encrypt"
	acc, err := s.accounts.Get(ctx)
	if err != nil {
		return types.OlmCiphertext{}, err
	}
	unlock := s.locks.Lock(theirKey)
	defer unlock()

	list, err := s.sessions(ctx, op, theirKey)
	if err != nil {
		return types.OlmCiphertext{}, err
	}
	if len(list) == 0 {
		return types.OlmCiphertext{}, errs.New(errs.CodeUnknownSession, op, "no Olm session with %s", theirKey)
	}
	next := list[0].Clone()
	msgType, body, err := olmproto.Encrypt(next, acc.Identity.XPub, plaintext, s.clock.Now())
	if err != nil {
		return types.OlmCiphertext{}, errs.Ensure(errs.CodeCryptoInvariant, op, err)
	}
	if err := s.commit(ctx, op, next); err != nil {
		return types.OlmCiphertext{}, err
	}
	return types.OlmCiphertext{Type: msgType, Body: crypto.B64(body)}, nil
}

// Decrypt opens a message from the peer. Pre-key messages that match no
// existing session create one.
func (s *Service) Decrypt(ctx context.Context, senderKey domain.X25519Public, msg types.OlmCiphertext) ([]byte, error) {
	const op = "olm.Decrypt"
	body, err := crypto.DecodeB64(msg.Body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	unlock := s.locks.Lock(senderKey)
	defer unlock()

	var pre *domain.PreKeyMessage
	if msg.Type == types.OlmPreKeyMessage {
		if pre, err = olmproto.DecodePreKey(body); err != nil {
			return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
		}
	}

	list, err := s.sessions(ctx, op, senderKey)
	if err != nil {
		return nil, err
	}
	var (
		matched bool
		errList []error
	)
	for _, sess := range list {
		if pre != nil && !olmproto.MatchesInbound(sess, pre) {
			continue
		}
		matched = true
		next := sess.Clone()
		pt, err := olmproto.Decrypt(next, s.limits, msg.Type, body, s.clock.Now())
		if err != nil {
			errList = append(errList, err)
			continue
		}
		if err := s.commit(ctx, op, next); err != nil {
			return nil, err
		}
		return pt, nil
	}
	if pre != nil && !matched {
		_, pt, err := s.createInbound(ctx, senderKey, body)
		if err != nil {
			metrics.OlmDecryptFailedTotal.WithLabelValues(string(errs.CodeOf(err))).Inc()
		}
		return pt, err
	}
	return nil, s.fail(ctx, senderKey, errList)
}

// fail classifies why no session decrypted and flags the peer for a new
// session unless the message was a replay.
func (s *Service) fail(ctx context.Context, senderKey domain.X25519Public, errList []error) error {
	const op = "olm.Decrypt"
	var out error
	for _, err := range errList {
		switch {
		case errors.Is(err, ratchet.ErrDuplicateMessage):
			out = errs.Wrap(errs.CodeDuplicateMessage, op, err)
		case errors.Is(err, ratchet.ErrTooFarInFuture) && out == nil:
			out = errs.Wrap(errs.CodeTooFarInFuture, op, err)
		}
	}
	if out == nil {
		out = errs.New(errs.CodeDecryption, op, "no session with %s could decrypt the message", senderKey)
	}
	metrics.OlmDecryptFailedTotal.WithLabelValues(string(errs.CodeOf(out))).Inc()
	if errs.CodeOf(out) == errs.CodeDuplicateMessage {
		s.log.Warn().Bool("security", true).Str("sender_key", senderKey.String()).Msg("Replayed Olm message")
		return out
	}
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		return tx.SetNeedsNewSession(senderKey, true)
	})
	if err != nil {
		return errs.Storage(op, err)
	}
	s.log.Warn().Str("sender_key", senderKey.String()).Err(out).Msg("Olm session wedged, flagged for a new session")
	return out
}

func sortNewestFirst(list []*domain.OlmSession) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].LastUsed.Equal(list[j].LastUsed) {
			return list[i].LastUsed.After(list[j].LastUsed)
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
