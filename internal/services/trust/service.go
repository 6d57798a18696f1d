package trust

import (
	"context"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/util/clock"
)

// Service computes trust verdicts and manages cross-signing keys.
type Service struct {
	store      interfaces.Store
	ownUser    id.UserID
	ownDevice  id.DeviceID
	deviceKey  domain.Ed25519Public
	devicePriv domain.Ed25519Private
	clock      interfaces.Clock
	log        zerolog.Logger
}

// New returns a trust service for the local device acc.
func New(store interfaces.Store, acc *domain.Account, log zerolog.Logger) *Service {
	return &Service{
		store:      store,
		ownUser:    acc.UserID,
		ownDevice:  acc.DeviceID,
		deviceKey:  acc.Identity.EdPub,
		devicePriv: acc.Identity.EdPriv,
		clock:      clock.System{},
		log:        log.With().Str("component", "trust").Logger(),
	}
}

// WithClock replaces the wall clock; it returns s for chaining.
func (s *Service) WithClock(c interfaces.Clock) *Service {
	s.clock = c
	return s
}

// DeviceTrust computes the verdict for d. The order is: blacklisted, ignored,
// cross-signed, locally verified, unset.
func (s *Service) DeviceTrust(ctx context.Context, d *domain.Device) (types.DeviceVerdict, error) {
	var v types.DeviceVerdict
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		v, err = s.deviceTrust(tx, d)
		return err
	})
	return v, err
}

// ComputeDeviceTrust loads the device and computes its verdict.
func (s *Service) ComputeDeviceTrust(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (types.DeviceVerdict, error) {
	const op = "trust.ComputeDeviceTrust"
	var v types.DeviceVerdict
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		d, ok, err := tx.Device(userID, deviceID)
		if err != nil {
			return errs.Storage(op, err)
		}
		if !ok {
			return errs.New(errs.CodeUnknownDevice, op, "unknown device %s/%s", userID, deviceID)
		}
		v, err = s.deviceTrust(tx, d)
		return err
	})
	return v, err
}

// ComputeUserTrust reports whether the user's master key is trusted.
func (s *Service) ComputeUserTrust(ctx context.Context, userID id.UserID) (types.UserVerdict, error) {
	var v types.UserVerdict
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		v, err = s.userTrust(tx, userID)
		return err
	})
	return v, err
}

func (s *Service) deviceTrust(tx interfaces.ReadTx, d *domain.Device) (types.DeviceVerdict, error) {
	const op = "trust.ComputeDeviceTrust"
	switch d.LocalTrust {
	case types.TrustBlacklisted:
		return types.DeviceVerdict{State: types.TrustBlacklisted}, nil
	case types.TrustIgnored:
		return types.DeviceVerdict{State: types.TrustIgnored}, nil
	}
	if d.UserID == s.ownUser && d.DeviceID == s.ownDevice && d.SigningKey == s.deviceKey {
		return types.DeviceVerdict{State: types.TrustVerified}, nil
	}

	var v types.DeviceVerdict
	ident, ok, err := tx.CrossSigning(d.UserID)
	if err != nil {
		return v, errs.Storage(op, err)
	}
	if ok && ident.SelfSigning != nil {
		user, err := s.userTrust(tx, d.UserID)
		if err != nil {
			return v, err
		}
		v.Edges = append(v.Edges, user.Edges...)
		selfOK := s.edge(&v.Edges, op, ident.Master, ident.SelfSigning, ident.SelfSigning.Signatures, "self-signing key")
		dk := d.DeviceKeys()
		devOK := s.edge(&v.Edges, op, ident.SelfSigning, dk, dk.Signatures, "device "+string(d.DeviceID))
		if user.Verified && selfOK && devOK {
			v.State = types.TrustVerified
			v.CrossSigned = true
			return v, nil
		}
	}
	if d.LocalTrust == types.TrustVerified {
		v.State = types.TrustVerified
	}
	return v, nil
}

func (s *Service) userTrust(tx interfaces.ReadTx, userID id.UserID) (types.UserVerdict, error) {
	const op = "trust.ComputeUserTrust"
	v := types.UserVerdict{Own: userID == s.ownUser}
	own, ok, err := tx.CrossSigning(s.ownUser)
	if err != nil {
		return v, errs.Storage(op, err)
	}
	if !ok || own.Master == nil || !own.MasterVerified {
		return v, nil
	}
	if v.Own {
		v.Verified = true
		return v, nil
	}
	their, ok, err := tx.CrossSigning(userID)
	if err != nil {
		return v, errs.Storage(op, err)
	}
	if !ok || their.Master == nil || own.UserSigning == nil {
		return v, nil
	}
	uskOK := s.edge(&v.Edges, op, own.Master, own.UserSigning, own.UserSigning.Signatures, "user-signing key")
	masterOK := s.edge(&v.Edges, op, own.UserSigning, their.Master, their.Master.Signatures, "master key of "+string(userID))
	v.Verified = uskOK && masterOK
	return v, nil
}

// edge checks that signer signed obj. A missing signature is not an error;
// a present one that fails to verify is recorded in edges.
func (s *Service) edge(edges *[]error, op string, signer *types.CrossSigningKey, obj any, sigs types.Signatures, what string) bool {
	if signer == nil {
		return false
	}
	pub, ok := signer.PublicKey()
	if !ok {
		return false
	}
	sig, ok := sigs.Get(signer.UserID, signer.KeyID())
	if !ok {
		return false
	}
	if err := crypto.VerifySignatureB64(pub, obj, sig); err != nil {
		*edges = append(*edges, errs.New(errs.CodeSignatureVerification, op, "invalid signature on %s", what))
		s.log.Warn().Bool("security", true).Str("user_id", string(signer.UserID)).Str("edge", what).Msg("Invalid cross-signing signature")
		return false
	}
	return true
}

// SetLocalTrust pins a device's local trust state.
func (s *Service) SetLocalTrust(ctx context.Context, userID id.UserID, deviceID id.DeviceID, state types.TrustState) error {
	const op = "trust.SetLocalTrust"
	return s.store.Txn(ctx, func(tx interfaces.Tx) error {
		d, ok, err := tx.Device(userID, deviceID)
		if err != nil {
			return errs.Storage(op, err)
		}
		if !ok {
			return errs.New(errs.CodeUnknownDevice, op, "unknown device %s/%s", userID, deviceID)
		}
		d.LocalTrust = state
		return errs.Storage(op, tx.PutDevice(d))
	})
}
