package trust

import (
	"context"
	"sort"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/metrics"
)

type snapshot struct {
	user    bool
	devices map[id.DeviceID]types.TrustState
}

// UpdateFromQuery stores the devices and cross-signing keys of a key query
// response and returns the trust changes it caused. Devices with a bad
// self-signature or a changed signing key are skipped; devices missing from
// a user's list are marked deleted.
func (s *Service) UpdateFromQuery(ctx context.Context, resp *types.KeysQueryResponse) ([]types.TrustEvent, error) {
	const op = "trust.UpdateFromQuery"
	users := map[id.UserID]struct{}{}
	for u := range resp.DeviceKeys {
		users[u] = struct{}{}
	}
	for u := range resp.MasterKeys {
		users[u] = struct{}{}
	}
	ordered := make([]id.UserID, 0, len(users))
	for u := range users {
		ordered = append(ordered, u)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var events []types.TrustEvent
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		events = events[:0]
		before := map[id.UserID]snapshot{}
		for _, u := range ordered {
			snap, err := s.snapshot(tx, u)
			if err != nil {
				return err
			}
			before[u] = snap
		}
		for _, u := range ordered {
			changed, err := s.updateCrossSigning(tx, u, resp)
			if err != nil {
				return err
			}
			if changed {
				events = append(events, types.TrustEvent{Kind: types.TrustIdentityChanged, UserID: u})
			}
			if devices, ok := resp.DeviceKeys[u]; ok {
				evs, err := s.updateDevices(tx, u, devices)
				if err != nil {
					return err
				}
				events = append(events, evs...)
			}
		}
		for _, u := range ordered {
			after, err := s.snapshot(tx, u)
			if err != nil {
				return err
			}
			events = append(events, diff(u, before[u], after)...)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	for _, ev := range events {
		if ev.Kind == types.TrustIdentityChanged {
			metrics.SecurityEventsTotal.WithLabelValues("identity_changed").Inc()
		}
	}
	return events, nil
}

func (s *Service) snapshot(tx interfaces.ReadTx, userID id.UserID) (snapshot, error) {
	snap := snapshot{devices: map[id.DeviceID]types.TrustState{}}
	user, err := s.userTrust(tx, userID)
	if err != nil {
		return snap, err
	}
	snap.user = user.Verified
	devices, err := tx.Devices(userID)
	if err != nil {
		return snap, errs.Storage("trust.snapshot", err)
	}
	for _, d := range devices {
		if d.Deleted {
			continue
		}
		v, err := s.deviceTrust(tx, d)
		if err != nil {
			return snap, err
		}
		snap.devices[d.DeviceID] = v.State
	}
	return snap, nil
}

// diff reports trust changes of devices present both before and after, and
// of the user. Additions and removals are reported by updateDevices.
func diff(userID id.UserID, before, after snapshot) []types.TrustEvent {
	var out []types.TrustEvent
	if before.user != after.user {
		out = append(out, types.TrustEvent{
			Kind: types.TrustUserChanged, UserID: userID,
			Old: verifiedState(before.user), New: verifiedState(after.user),
		})
	}
	ids := make([]id.DeviceID, 0, len(after.devices))
	for d := range after.devices {
		ids = append(ids, d)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, d := range ids {
		old, ok := before.devices[d]
		if ok && old != after.devices[d] {
			out = append(out, types.TrustEvent{
				Kind: types.TrustDeviceChanged, UserID: userID, DeviceID: d,
				Old: old, New: after.devices[d],
			})
		}
	}
	return out
}

func verifiedState(v bool) types.TrustState {
	if v {
		return types.TrustVerified
	}
	return types.TrustUnset
}

// updateCrossSigning stores the user's published cross-signing keys and
// reports whether the master key rotated.
func (s *Service) updateCrossSigning(tx interfaces.Tx, userID id.UserID, resp *types.KeysQueryResponse) (bool, error) {
	const op = "trust.UpdateFromQuery"
	master, ok := resp.MasterKeys[userID]
	if !ok {
		return false, nil
	}
	if !validCrossSigningKey(&master, userID, types.UsageMaster) {
		s.log.Warn().Str("user_id", string(userID)).Msg("Ignoring malformed master key")
		return false, nil
	}
	cur, found, err := tx.CrossSigning(userID)
	if err != nil {
		return false, errs.Storage(op, err)
	}
	if !found {
		cur = &domain.CrossSigningIdentity{UserID: userID}
	}

	rotated := false
	newPub, _ := master.PublicKey()
	if oldPub, ok := cur.Master.PublicKey(); ok && oldPub != newPub {
		rotated = true
		cur.PreviousMaster = &oldPub
		cur.IdentityChanged = true
		cur.MasterVerified = false
		s.log.Warn().Bool("security", true).
			Str("user_id", string(userID)).
			Str("old_master", oldPub.String()).
			Str("new_master", newPub.String()).
			Msg("Master key changed")
	}
	if !rotated && cur.Master != nil {
		// Keep signatures we made locally that the server has not echoed yet.
		for signer, sigs := range cur.Master.Signatures {
			for kid, sig := range sigs {
				if _, ok := master.Signatures.Get(signer, kid); !ok {
					master.Signatures.Add(signer, kid, sig)
				}
			}
		}
	}
	cur.Master = &master
	cur.SelfSigning = nil
	cur.UserSigning = nil
	if k, ok := resp.SelfSigningKeys[userID]; ok && validCrossSigningKey(&k, userID, types.UsageSelfSigning) {
		cur.SelfSigning = &k
	}
	if k, ok := resp.UserSigningKeys[userID]; ok && validCrossSigningKey(&k, userID, types.UsageUserSigning) {
		cur.UserSigning = &k
	}
	return rotated, errs.Storage(op, tx.PutCrossSigning(cur))
}

func validCrossSigningKey(k *types.CrossSigningKey, userID id.UserID, usage types.CrossSigningUsage) bool {
	_, ok := k.PublicKey()
	return ok && k.UserID == userID && k.HasUsage(usage) && len(k.Keys) == 1
}

func (s *Service) updateDevices(tx interfaces.Tx, userID id.UserID, published map[id.DeviceID]types.DeviceKeys) ([]types.TrustEvent, error) {
	const op = "trust.UpdateFromQuery"
	var events []types.TrustEvent
	existing, err := tx.Devices(userID)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	known := make(map[id.DeviceID]*domain.Device, len(existing))
	for _, d := range existing {
		known[d.DeviceID] = d
	}

	ids := make([]id.DeviceID, 0, len(published))
	for d := range published {
		ids = append(ids, d)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, deviceID := range ids {
		keys := published[deviceID]
		log := s.log.With().Str("user_id", string(userID)).Str("device_id", string(deviceID)).Logger()
		d, err := deviceFromKeys(userID, deviceID, keys)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid device keys")
			continue
		}
		prev := known[deviceID]
		delete(known, deviceID)
		if prev != nil {
			if prev.SigningKey != d.SigningKey || prev.IdentityKey != d.IdentityKey {
				log.Warn().Bool("security", true).Msg("Device keys changed for existing device, ignoring")
				continue
			}
			d.LocalTrust = prev.LocalTrust
			d.FirstSeen = prev.FirstSeen
			// Keep our local cross-signing signature until the server echoes it.
			for signer, sigs := range prev.Signatures {
				for kid, sig := range sigs {
					if _, ok := d.Signatures.Get(signer, kid); !ok {
						d.Signatures.Add(signer, kid, sig)
					}
				}
			}
		} else {
			d.FirstSeen = s.clock.Now()
		}
		if userID == s.ownUser && deviceID == s.ownDevice && d.SigningKey != s.deviceKey {
			log.Warn().Bool("security", true).Msg("Server reports different keys for our own device")
			continue
		}
		if err := tx.PutDevice(d); err != nil {
			return nil, errs.Storage(op, err)
		}
		if prev == nil || prev.Deleted {
			events = append(events, types.TrustEvent{Kind: types.TrustDeviceAdded, UserID: userID, DeviceID: deviceID})
		}
	}

	gone := make([]*domain.Device, 0, len(known))
	for _, d := range known {
		if !d.Deleted {
			gone = append(gone, d)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].DeviceID < gone[j].DeviceID })
	for _, d := range gone {
		d.Deleted = true
		if err := tx.PutDevice(d); err != nil {
			return nil, errs.Storage(op, err)
		}
		events = append(events, types.TrustEvent{Kind: types.TrustDeviceRemoved, UserID: userID, DeviceID: d.DeviceID})
	}
	return events, nil
}

// deviceFromKeys validates a published device-keys object and its
// self-signature.
func deviceFromKeys(userID id.UserID, deviceID id.DeviceID, keys types.DeviceKeys) (*domain.Device, error) {
	const op = "trust.deviceFromKeys"
	if keys.UserID != userID || keys.DeviceID != deviceID {
		return nil, errs.New(errs.CodeInvalidInput, op, "device keys name %s/%s", keys.UserID, keys.DeviceID)
	}
	identity, err := types.ParseX25519Public(keys.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, string(deviceID))])
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	signing, err := types.ParseEd25519Public(keys.Keys[id.NewKeyID(id.KeyAlgorithmEd25519, string(deviceID))])
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	sig, ok := keys.Signatures.Get(userID, id.NewKeyID(id.KeyAlgorithmEd25519, string(deviceID)))
	if !ok {
		return nil, errs.New(errs.CodeSignatureVerification, op, "device keys are not self-signed")
	}
	if err := crypto.VerifySignatureB64(signing, keys, sig); err != nil {
		return nil, errs.Wrap(errs.CodeSignatureVerification, op, err)
	}
	d := &domain.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identity,
		SigningKey:  signing,
		Algorithms:  keys.Algorithms,
		Signatures:  keys.Signatures,
	}
	if keys.Unsigned != nil {
		d.DisplayName = keys.Unsigned.DeviceDisplayName
	}
	return d, nil
}
