package trust

import (
	"context"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
)

var usageSecrets = map[types.CrossSigningUsage]types.SecretName{
	types.UsageMaster:      types.SecretCrossSigningMaster,
	types.UsageSelfSigning: types.SecretCrossSigningSelf,
	types.UsageUserSigning: types.SecretCrossSigningUser,
}

// Bootstrap is the result of BootstrapCrossSigning: the keys to upload and
// the signature over our own device.
type Bootstrap struct {
	Keys       types.CrossSigningKeysUpload
	Signatures types.SignaturesUpload
}

// BootstrapCrossSigning generates master, self-signing and user-signing keys,
// signs the sub-keys with the master key and our device with the
// self-signing key, and stores the private halves as secrets.
func (s *Service) BootstrapCrossSigning(ctx context.Context) (*Bootstrap, error) {
	const op = "trust.BootstrapCrossSigning"
	var privs [3]domain.Ed25519Private
	var pubs [3]domain.Ed25519Public
	for i := range privs {
		var err error
		if privs[i], pubs[i], err = crypto.GenerateEd25519(); err != nil {
			return nil, err
		}
	}
	masterPriv, selfPriv, userPriv := privs[0], privs[1], privs[2]
	master := types.NewCrossSigningKey(s.ownUser, types.UsageMaster, pubs[0])
	self := types.NewCrossSigningKey(s.ownUser, types.UsageSelfSigning, pubs[1])
	user := types.NewCrossSigningKey(s.ownUser, types.UsageUserSigning, pubs[2])

	deviceKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, string(s.ownDevice))
	if err := signInto(s.devicePriv, master, &master.Signatures, s.ownUser, deviceKeyID); err != nil {
		return nil, err
	}
	if err := signInto(masterPriv, self, &self.Signatures, s.ownUser, master.KeyID()); err != nil {
		return nil, err
	}
	if err := signInto(masterPriv, user, &user.Signatures, s.ownUser, master.KeyID()); err != nil {
		return nil, err
	}

	out := &Bootstrap{
		Keys:       types.CrossSigningKeysUpload{Master: master, SelfSigning: self, UserSigning: user},
		Signatures: types.SignaturesUpload{},
	}
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		own, ok, err := tx.Device(s.ownUser, s.ownDevice)
		if err != nil {
			return errs.Storage(op, err)
		}
		if ok {
			dk := own.DeviceKeys()
			if err := signInto(selfPriv, dk, &own.Signatures, s.ownUser, self.KeyID()); err != nil {
				return err
			}
			dk.Signatures = own.Signatures
			if err := tx.PutDevice(own); err != nil {
				return errs.Storage(op, err)
			}
			out.Signatures[s.ownUser] = map[string]any{string(s.ownDevice): dk}
		}
		for usage, priv := range map[types.CrossSigningUsage]domain.Ed25519Private{
			types.UsageMaster: masterPriv, types.UsageSelfSigning: selfPriv, types.UsageUserSigning: userPriv,
		} {
			seed := crypto.B64(crypto.Ed25519Seed(priv))
			if err := tx.PutSecret(usageSecrets[usage], []byte(seed)); err != nil {
				return errs.Storage(op, err)
			}
		}
		return errs.Storage(op, tx.PutCrossSigning(&domain.CrossSigningIdentity{
			UserID:         s.ownUser,
			Master:         master,
			SelfSigning:    self,
			UserSigning:    user,
			MasterVerified: true,
		}))
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("master_key", pubs[0].String()).Msg("Bootstrapped cross-signing")
	return out, nil
}

// Status reports which local cross-signing keys are known.
func (s *Service) Status(ctx context.Context) (types.CrossSigningStatus, error) {
	const op = "trust.Status"
	var st types.CrossSigningStatus
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		own, ok, err := tx.CrossSigning(s.ownUser)
		if err != nil {
			return errs.Storage(op, err)
		}
		if ok {
			st.HasMaster = own.Master != nil
			st.HasSelfSigning = own.SelfSigning != nil
			st.HasUserSigning = own.UserSigning != nil
		}
		st.HasPrivateKeys = true
		for _, name := range usageSecrets {
			_, ok, err := tx.Secret(name)
			if err != nil {
				return errs.Storage(op, err)
			}
			st.HasPrivateKeys = st.HasPrivateKeys && ok
		}
		return nil
	})
	return st, err
}

// HasPrivateKey reports whether the private half for usage is stored.
func (s *Service) HasPrivateKey(ctx context.Context, usage types.CrossSigningUsage) (bool, error) {
	var ok bool
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		_, ok, err = tx.Secret(usageSecrets[usage])
		return errs.Storage("trust.HasPrivateKey", err)
	})
	return ok, err
}

// SignDevice signs one of our own devices with the self-signing key.
func (s *Service) SignDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (types.SignaturesUpload, error) {
	const op = "trust.SignDevice"
	if userID != s.ownUser {
		return nil, errs.New(errs.CodeInvalidInput, op, "only own devices are signed with the self-signing key")
	}
	var out types.SignaturesUpload
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		priv, pub, err := privateKey(tx, types.UsageSelfSigning, op)
		if err != nil {
			return err
		}
		d, ok, err := tx.Device(userID, deviceID)
		if err != nil {
			return errs.Storage(op, err)
		}
		if !ok {
			return errs.New(errs.CodeUnknownDevice, op, "unknown device %s/%s", userID, deviceID)
		}
		dk := d.DeviceKeys()
		if err := signInto(priv, dk, &d.Signatures, s.ownUser, keyIDOf(pub)); err != nil {
			return err
		}
		if err := tx.PutDevice(d); err != nil {
			return errs.Storage(op, err)
		}
		dk.Signatures = d.Signatures
		out = types.SignaturesUpload{userID: {string(deviceID): dk}}
		return nil
	})
	if err == nil {
		s.log.Info().Str("device_id", string(deviceID)).Msg("Cross-signed own device")
	}
	return out, err
}

// SignUser signs another user's master key with our user-signing key.
func (s *Service) SignUser(ctx context.Context, userID id.UserID) (types.SignaturesUpload, error) {
	const op = "trust.SignUser"
	var out types.SignaturesUpload
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		priv, pub, err := privateKey(tx, types.UsageUserSigning, op)
		if err != nil {
			return err
		}
		their, ok, err := tx.CrossSigning(userID)
		if err != nil {
			return errs.Storage(op, err)
		}
		if !ok || their.Master == nil {
			return errs.New(errs.CodeUnknownDevice, op, "%s has no master key", userID)
		}
		if err := signInto(priv, their.Master, &their.Master.Signatures, s.ownUser, keyIDOf(pub)); err != nil {
			return err
		}
		their.IdentityChanged = false
		if err := tx.PutCrossSigning(their); err != nil {
			return errs.Storage(op, err)
		}
		masterPub, _ := their.Master.PublicKey()
		out = types.SignaturesUpload{userID: {masterPub.String(): their.Master}}
		return nil
	})
	if err == nil {
		s.log.Info().Str("user_id", string(userID)).Msg("Cross-signed user")
	}
	return out, err
}

// MarkOwnMasterVerified records that our master key was verified, e.g. by
// verifying another of our devices that holds it.
func (s *Service) MarkOwnMasterVerified(ctx context.Context, master domain.Ed25519Public) error {
	const op = "trust.MarkOwnMasterVerified"
	return s.store.Txn(ctx, func(tx interfaces.Tx) error {
		own, ok, err := tx.CrossSigning(s.ownUser)
		if err != nil {
			return errs.Storage(op, err)
		}
		if !ok || own.Master == nil {
			return errs.New(errs.CodeUnknownDevice, op, "no master key is known for %s", s.ownUser)
		}
		if pub, _ := own.Master.PublicKey(); pub != master {
			return errs.New(errs.CodeCryptoInvariant, op, "verified master key differs from the published one")
		}
		own.MasterVerified = true
		own.IdentityChanged = false
		return errs.Storage(op, tx.PutCrossSigning(own))
	})
}

// ImportPrivateKey stores a received cross-signing private key after
// checking it matches the published public key.
func (s *Service) ImportPrivateKey(ctx context.Context, usage types.CrossSigningUsage, seedB64 string) error {
	const op = "trust.ImportPrivateKey"
	seed, err := crypto.DecodeB64(seedB64)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	_, pub, err := crypto.Ed25519FromSeed(seed)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	return s.store.Txn(ctx, func(tx interfaces.Tx) error {
		own, ok, err := tx.CrossSigning(s.ownUser)
		if err != nil {
			return errs.Storage(op, err)
		}
		var published *types.CrossSigningKey
		if ok {
			published = map[types.CrossSigningUsage]*types.CrossSigningKey{
				types.UsageMaster:      own.Master,
				types.UsageSelfSigning: own.SelfSigning,
				types.UsageUserSigning: own.UserSigning,
			}[usage]
		}
		if want, ok := published.PublicKey(); !ok || want != pub {
			return errs.New(errs.CodeCryptoInvariant, op, "%s key does not match the published key", usage)
		}
		return errs.Storage(op, tx.PutSecret(usageSecrets[usage], []byte(seedB64)))
	})
}

func privateKey(tx interfaces.ReadTx, usage types.CrossSigningUsage, op string) (domain.Ed25519Private, domain.Ed25519Public, error) {
	raw, ok, err := tx.Secret(usageSecrets[usage])
	if err != nil {
		return domain.Ed25519Private{}, domain.Ed25519Public{}, errs.Storage(op, err)
	}
	if !ok {
		return domain.Ed25519Private{}, domain.Ed25519Public{}, errs.New(errs.CodeNotTrusted, op, "no private %s key", usage)
	}
	seed, err := crypto.DecodeB64(string(raw))
	if err != nil {
		return domain.Ed25519Private{}, domain.Ed25519Public{}, errs.Wrap(errs.CodeStorage, op, err)
	}
	priv, pub, err := crypto.Ed25519FromSeed(seed)
	if err != nil {
		return domain.Ed25519Private{}, domain.Ed25519Public{}, errs.Wrap(errs.CodeStorage, op, err)
	}
	return priv, pub, nil
}

func keyIDOf(pub domain.Ed25519Public) id.KeyID {
	return id.NewKeyID(id.KeyAlgorithmEd25519, pub.String())
}

// signInto signs obj and records the signature in sigs.
func signInto(priv domain.Ed25519Private, obj any, sigs *types.Signatures, signer id.UserID, keyID id.KeyID) error {
	sig, err := crypto.SignJSON(priv, obj)
	if err != nil {
		return err
	}
	sigs.Add(signer, keyID, sig)
	return nil
}
