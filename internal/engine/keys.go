package engine

import (
	"context"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
)

// ShareKeys publishes the device keys on first use and tops up the
// server's one-time key pool to half the local cap.
func (m *Machine) ShareKeys(ctx context.Context) error {
	const op = "engine.ShareKeys"
	m.keysMu.Lock()
	defer m.keysMu.Unlock()

	if m.serverOTK < 0 {
		resp, err := m.transport.UploadKeys(ctx, types.KeysUploadRequest{})
		if err != nil {
			return transportErr(op, err)
		}
		m.serverOTK = resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519]
	}
	if n := m.Account.KeysToGenerate(m.serverOTK); n > 0 {
		if _, err := m.Account.GenerateOneTimeKeys(ctx, n); err != nil {
			return err
		}
	}
	acc, err := m.Account.Get(ctx)
	if err != nil {
		return err
	}
	if acc.Fallback == nil {
		if _, err := m.Account.GenerateFallbackKey(ctx); err != nil {
			return err
		}
	}

	req, err := m.Account.UploadRequest(ctx)
	if err != nil || req == nil {
		return err
	}
	resp, err := m.transport.UploadKeys(ctx, *req)
	if err != nil {
		return transportErr(op, err)
	}
	m.serverOTK = resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519]
	if err := m.Account.MarkKeysAsPublished(ctx); err != nil {
		return err
	}
	m.log.Debug().
		Int("one_time_keys", len(req.OneTimeKeys)).
		Bool("device_keys", req.DeviceKeys != nil).
		Int("server_count", m.serverOTK).
		Msg("Uploaded keys")
	return nil
}

// UpdateDevices fetches the device lists and cross-signing keys of users
// and folds them into the trust graph, returning what changed.
func (m *Machine) UpdateDevices(ctx context.Context, users ...id.UserID) ([]types.TrustEvent, error) {
	const op = "engine.UpdateDevices"
	if len(users) == 0 {
		return nil, nil
	}
	req := types.KeysQueryRequest{DeviceKeys: make(map[id.UserID][]id.DeviceID, len(users))}
	for _, u := range users {
		req.DeviceKeys[u] = []id.DeviceID{}
	}
	resp, err := m.transport.QueryKeys(ctx, req)
	if err != nil {
		return nil, transportErr(op, err)
	}
	events, err := m.Trust.UpdateFromQuery(ctx, &resp)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		m.log.Debug().
			Str("kind", string(ev.Kind)).
			Str("user_id", string(ev.UserID)).
			Str("device_id", string(ev.DeviceID)).
			Msg("Trust changed")
	}
	return events, nil
}

// EnsureOlmSessions claims one-time keys for the devices that have no Olm
// session with us, or whose session was flagged as broken, and creates
// sessions from them. Devices whose key cannot be claimed or verified are
// skipped; they end up withheld when a room key is shared.
func (m *Machine) EnsureOlmSessions(ctx context.Context, devices []*domain.Device) error {
	const op = "engine.EnsureOlmSessions"
	req := types.KeysClaimRequest{OneTimeKeys: map[id.UserID]map[id.DeviceID]id.KeyAlgorithm{}}
	want := map[string]*domain.Device{}
	for _, d := range devices {
		if d.Deleted || d.LocalTrust == types.TrustBlacklisted || d.IdentityKey == m.identity {
			continue
		}
		has, err := m.Olm.HasSession(ctx, d.IdentityKey)
		if err != nil {
			return err
		}
		broken, err := m.Olm.NeedsNewSession(ctx, d.IdentityKey)
		if err != nil {
			return err
		}
		if has && !broken {
			continue
		}
		if req.OneTimeKeys[d.UserID] == nil {
			req.OneTimeKeys[d.UserID] = map[id.DeviceID]id.KeyAlgorithm{}
		}
		req.OneTimeKeys[d.UserID][d.DeviceID] = id.KeyAlgorithmSignedCurve25519
		want[types.SharedKey(d.UserID, d.DeviceID)] = d
	}
	if len(want) == 0 {
		return nil
	}

	// No ratchet lock is held while the claim is in flight.
	resp, err := m.transport.ClaimKeys(ctx, req)
	if err != nil {
		return transportErr(op, err)
	}
	created := 0
	for user, devs := range resp.OneTimeKeys {
		for deviceID, keys := range devs {
			d, ok := want[types.SharedKey(user, deviceID)]
			if !ok {
				continue
			}
			for _, key := range keys {
				if _, err := m.Olm.CreateOutbound(ctx, d, key); err != nil {
					m.log.Warn().Err(err).Str("user_id", string(user)).Str("device_id", string(deviceID)).
						Msg("Failed to create Olm session")
				} else {
					created++
				}
				break
			}
		}
	}
	if created < len(want) {
		m.log.Debug().Int("wanted", len(want)).Int("created", created).Msg("Some devices have no Olm session")
	}
	return nil
}

// SendEncrypted wraps content in Olm for one device and sends it,
// establishing a session first if needed.
func (m *Machine) SendEncrypted(ctx context.Context, d *domain.Device, evType types.EventType, content any) error {
	const op = "engine.SendEncrypted"
	if err := m.EnsureOlmSessions(ctx, []*domain.Device{d}); err != nil {
		return err
	}
	env, err := m.Olm.EncryptEvent(ctx, d, evType, content)
	if err != nil {
		return err
	}
	msgs := types.ToDeviceMessages{}
	msgs.Add(d.UserID, d.DeviceID, env)
	return transportErr(op, m.transport.SendToDevice(ctx, types.EventEncrypted, msgs))
}

// BootstrapCrossSigning creates and publishes our cross-signing keys and
// signs this device with them.
func (m *Machine) BootstrapCrossSigning(ctx context.Context) error {
	const op = "engine.BootstrapCrossSigning"
	if err := m.ShareKeys(ctx); err != nil {
		return err
	}
	// Our own device must be in the store to be self-signed.
	if _, err := m.UpdateDevices(ctx, m.userID); err != nil {
		return err
	}
	boot, err := m.Trust.BootstrapCrossSigning(ctx)
	if err != nil {
		return err
	}
	if err := m.transport.UploadCrossSigningKeys(ctx, boot.Keys); err != nil {
		return transportErr(op, err)
	}
	if len(boot.Signatures) > 0 {
		if err := m.transport.UploadSignatures(ctx, boot.Signatures); err != nil {
			return transportErr(op, err)
		}
	}
	m.log.Info().Msg("Published cross-signing keys")
	return nil
}

// RequestSecrets asks our other devices for the cross-signing keys and the
// backup key we do not hold yet.
func (m *Machine) RequestSecrets(ctx context.Context) error {
	const op = "engine.RequestSecrets"
	names := []types.SecretName{
		types.SecretCrossSigningMaster,
		types.SecretCrossSigningSelf,
		types.SecretCrossSigningUser,
		types.SecretMegolmBackup,
	}
	for _, name := range names {
		if _, ok, err := m.Secrets.Get(ctx, name); err != nil {
			return err
		} else if ok {
			continue
		}
		req, err := m.Secrets.Request(ctx, name)
		if err != nil {
			return err
		}
		msgs := types.ToDeviceMessages{}
		msgs.Add(m.userID, "*", req)
		if err := m.transport.SendToDevice(ctx, types.EventSecretRequest, msgs); err != nil {
			return transportErr(op, err)
		}
	}
	return nil
}

func (m *Machine) isOwnDevice(user id.UserID, device id.DeviceID) bool {
	return user == m.userID && device == m.deviceID
}

func (m *Machine) trusted(ctx context.Context, d *domain.Device) (bool, error) {
	v, err := m.Trust.DeviceTrust(ctx, d)
	if err != nil {
		return false, err
	}
	return v.Trusted(), nil
}

var errNotOwnDevice = errs.New(errs.CodeNotTrusted, "engine", "event is not from one of our trusted devices")
