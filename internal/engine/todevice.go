package engine

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/metrics"
	"mxcrypt/internal/services/verification"
)

// ToDeviceResult is the outcome of one to-device event.
type ToDeviceResult struct {
	Sender id.UserID
	// Type is the inner event type for Olm-encrypted events.
	Type         types.EventType
	Decrypted    *types.DecryptedToDevice
	Verification *verification.Step
	Secret       types.SecretName
	Err          error
}

// HandleToDevice processes to-device events in order. A failing event is
// reported in its result and never stops the rest.
func (m *Machine) HandleToDevice(ctx context.Context, events []types.ToDeviceEvent) []ToDeviceResult {
	out := make([]ToDeviceResult, 0, len(events))
	for _, ev := range events {
		res := m.handleToDevice(ctx, ev)
		if res.Err != nil {
			m.log.Debug().Err(res.Err).
				Str("sender", string(ev.Sender)).
				Str("type", string(ev.Type)).
				Msg("Failed to handle to-device event")
		}
		out = append(out, res)
	}
	return out
}

func (m *Machine) handleToDevice(ctx context.Context, ev types.ToDeviceEvent) ToDeviceResult {
	const op = "engine.HandleToDevice"
	res := ToDeviceResult{Sender: ev.Sender, Type: ev.Type}
	switch ev.Type {
	case types.EventEncrypted:
		var c types.EncryptedOlmContent
		if err := json.Unmarshal(ev.Content, &c); err != nil {
			res.Err = errs.Wrap(errs.CodeInvalidInput, op, err)
			return res
		}
		m.handleEncrypted(ctx, ev.Sender, &c, &res)
	case types.EventRoomKeyRequest:
		var c types.RoomKeyRequestContent
		if err := json.Unmarshal(ev.Content, &c); err != nil {
			res.Err = errs.Wrap(errs.CodeInvalidInput, op, err)
			return res
		}
		res.Err = m.answerKeyRequest(ctx, ev.Sender, &c)
	case types.EventSecretRequest:
		var c types.SecretRequestContent
		if err := json.Unmarshal(ev.Content, &c); err != nil {
			res.Err = errs.Wrap(errs.CodeInvalidInput, op, err)
			return res
		}
		res.Err = m.answerSecretRequest(ctx, ev.Sender, &c)
	case types.EventVerificationRequest, types.EventVerificationReady, types.EventVerificationStart,
		types.EventVerificationAccept, types.EventVerificationKey, types.EventVerificationMAC,
		types.EventVerificationCancel, types.EventVerificationDone:
		content, err := verificationContent(ev.Type, ev.Content)
		if err != nil {
			res.Err = errs.Wrap(errs.CodeInvalidInput, op, err)
			return res
		}
		if req, ok := content.(*types.VerificationRequestContent); ok && m.isOwnDevice(ev.Sender, req.FromDevice) {
			return res
		}
		step, err := m.Verification.HandleEvent(ctx, ev.Sender, ev.SenderDevice, content)
		if err != nil {
			res.Err = err
			return res
		}
		res.Verification = step
		res.Err = m.sendStep(ctx, step)
	}
	return res
}

func (m *Machine) handleEncrypted(ctx context.Context, sender id.UserID, c *types.EncryptedOlmContent, res *ToDeviceResult) {
	const op = "engine.HandleToDevice"
	dec, err := m.Olm.DecryptEvent(ctx, sender, c)
	if err != nil {
		res.Err = err
		if key, perr := types.ParseX25519Public(string(c.SenderKey)); perr == nil {
			m.unwedge(ctx, key)
		}
		return
	}
	res.Decrypted = dec
	res.Type = dec.Payload.Type
	switch dec.Payload.Type {
	case types.EventRoomKey:
		var rk types.RoomKeyContent
		if err := json.Unmarshal(dec.Payload.Content, &rk); err != nil {
			res.Err = errs.Wrap(errs.CodeInvalidInput, op, err)
			return
		}
		senderEd, err := types.ParseEd25519Public(dec.Payload.Keys[string(id.KeyAlgorithmEd25519)])
		if err != nil {
			res.Err = errs.Wrap(errs.CodeInvalidInput, op, err)
			return
		}
		if res.Err = m.Groups.AddRoomKey(ctx, dec.SenderKey, senderEd, &rk); res.Err != nil {
			return
		}
		res.Err = m.resolveKeyRequest(ctx, rk.RoomID, rk.SessionID)
	case types.EventForwardedRoomKey:
		var fk types.ForwardedRoomKeyContent
		if err := json.Unmarshal(dec.Payload.Content, &fk); err != nil {
			res.Err = errs.Wrap(errs.CodeInvalidInput, op, err)
			return
		}
		res.Err = m.acceptForwardedKey(ctx, dec, &fk)
	case types.EventSecretSend:
		name, cancel, err := m.Secrets.HandleSend(ctx, dec)
		if err != nil {
			res.Err = err
			return
		}
		res.Secret = name
		if cancel != nil {
			msgs := types.ToDeviceMessages{}
			msgs.Add(m.userID, "*", cancel)
			if err := m.transport.SendToDevice(ctx, types.EventSecretRequest, msgs); err != nil {
				res.Err = transportErr(op, err)
				return
			}
		}
		if name == types.SecretMegolmBackup {
			res.Err = m.enableBackupFromSecret(ctx)
		}
	}
}

// unwedge replaces a broken Olm session: when a message from the device could
// not be decrypted, a fresh session is created and announced with m.dummy.
func (m *Machine) unwedge(ctx context.Context, senderKey domain.X25519Public) {
	broken, err := m.Olm.NeedsNewSession(ctx, senderKey)
	if err != nil || !broken {
		return
	}
	d, ok, err := m.deviceByKey(ctx, senderKey)
	if err != nil || !ok {
		return
	}
	if err := m.SendEncrypted(ctx, d, types.EventDummy, struct{}{}); err != nil {
		m.log.Warn().Err(err).Str("sender_key", senderKey.String()).Msg("Failed to replace broken Olm session")
		return
	}
	m.log.Info().Str("sender_key", senderKey.String()).Msg("Replaced broken Olm session")
}

// acceptForwardedKey installs a forwarded key only if we asked for it and it
// came from one of our own trusted devices.
func (m *Machine) acceptForwardedKey(ctx context.Context, dec *types.DecryptedToDevice, fk *types.ForwardedRoomKeyContent) error {
	log := m.log.With().Str("room_id", string(fk.RoomID)).Str("session_id", string(fk.SessionID)).
		Str("sender_key", dec.SenderKey.String()).Logger()
	d, ok, err := m.deviceByKey(ctx, dec.SenderKey)
	if err != nil {
		return err
	}
	if !ok || d.UserID != m.userID {
		log.Warn().Bool("security", true).Msg("Dropping forwarded room key from a foreign device")
		metrics.SecurityEventsTotal.WithLabelValues("forwarded_key_untrusted").Inc()
		return errNotOwnDevice
	}
	if ok, err := m.trusted(ctx, d); err != nil {
		return err
	} else if !ok {
		log.Warn().Bool("security", true).Msg("Dropping forwarded room key from an unverified device")
		metrics.SecurityEventsTotal.WithLabelValues("forwarded_key_untrusted").Inc()
		return errNotOwnDevice
	}
	cancel, err := m.Groups.ResolveKeyRequest(ctx, fk.RoomID, fk.SessionID)
	if err != nil {
		return err
	}
	if cancel == nil {
		log.Warn().Bool("security", true).Msg("Dropping unsolicited forwarded room key")
		metrics.SecurityEventsTotal.WithLabelValues("forwarded_key_unsolicited").Inc()
		return errs.New(errs.CodeInvalidInput, "engine.acceptForwardedKey", "no pending request for session %s", fk.SessionID)
	}
	if err := m.Groups.AddForwardedRoomKey(ctx, dec.SenderKey, fk); err != nil {
		return err
	}
	return m.sendKeyRequestCancel(ctx, cancel)
}

func (m *Machine) resolveKeyRequest(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) error {
	cancel, err := m.Groups.ResolveKeyRequest(ctx, roomID, sessionID)
	if err != nil || cancel == nil {
		return err
	}
	return m.sendKeyRequestCancel(ctx, cancel)
}

func (m *Machine) sendKeyRequestCancel(ctx context.Context, cancel *types.RoomKeyRequestContent) error {
	msgs := types.ToDeviceMessages{}
	msgs.Add(m.userID, "*", cancel)
	return transportErr("engine.sendKeyRequestCancel", m.transport.SendToDevice(ctx, types.EventRoomKeyRequest, msgs))
}

// answerKeyRequest forwards a session to our own verified devices, and to
// other users' devices we already shared the session with.
func (m *Machine) answerKeyRequest(ctx context.Context, sender id.UserID, req *types.RoomKeyRequestContent) error {
	if req.Action != types.KeyRequestActionRequest || req.Body == nil || m.isOwnDevice(sender, req.RequestingDeviceID) {
		return nil
	}
	log := m.log.With().Str("user_id", string(sender)).Str("device_id", string(req.RequestingDeviceID)).
		Str("room_id", string(req.Body.RoomID)).Str("session_id", string(req.Body.SessionID)).Logger()
	d, err := m.device(ctx, sender, req.RequestingDeviceID)
	if err != nil {
		log.Debug().Msg("Ignoring key request from unknown device")
		return nil
	}
	allowed, err := m.mayForward(ctx, d, req.Body)
	if err != nil {
		return err
	}
	if !allowed {
		log.Debug().Msg("Not forwarding room key")
		return nil
	}
	fwd, err := m.Groups.AnswerKeyRequest(ctx, req)
	if errs.CodeOf(err) == errs.CodeUnknownSession {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.SendEncrypted(ctx, d, types.EventForwardedRoomKey, fwd); err != nil {
		return err
	}
	log.Info().Msg("Forwarded room key")
	return nil
}

func (m *Machine) mayForward(ctx context.Context, d *domain.Device, body *types.RoomKeyRequestBody) (bool, error) {
	if d.LocalTrust == types.TrustBlacklisted {
		return false, nil
	}
	if d.UserID == m.userID {
		return m.trusted(ctx, d)
	}
	if body.SenderKey != m.identity.Curve25519() {
		return false, nil
	}
	out, ok, err := m.Groups.OutboundSession(ctx, body.RoomID)
	if err != nil || !ok || out.ID != body.SessionID {
		return false, err
	}
	_, shared := out.SharedWith[types.SharedKey(d.UserID, d.DeviceID)]
	return shared, nil
}

func (m *Machine) answerSecretRequest(ctx context.Context, sender id.UserID, req *types.SecretRequestContent) error {
	const op = "engine.answerSecretRequest"
	if sender == m.userID && req.Action == types.SecretActionRequest && req.RequestingDeviceID != m.deviceID {
		if d, err := m.device(ctx, sender, req.RequestingDeviceID); err == nil {
			if err := m.EnsureOlmSessions(ctx, []*domain.Device{d}); err != nil {
				return err
			}
		}
	}
	reply, err := m.Secrets.HandleRequest(ctx, sender, req)
	if err != nil || reply == nil {
		return err
	}
	msgs := types.ToDeviceMessages{}
	msgs.Add(reply.UserID, reply.DeviceID, reply.Content)
	return transportErr(op, m.transport.SendToDevice(ctx, types.EventEncrypted, msgs))
}

func verificationContent(evType types.EventType, raw json.RawMessage) (any, error) {
	var content any
	switch evType {
	case types.EventVerificationRequest:
		content = &types.VerificationRequestContent{}
	case types.EventVerificationReady:
		content = &types.VerificationReadyContent{}
	case types.EventVerificationStart:
		content = &types.VerificationStartContent{}
	case types.EventVerificationAccept:
		content = &types.VerificationAcceptContent{}
	case types.EventVerificationKey:
		content = &types.VerificationKeyContent{}
	case types.EventVerificationMAC:
		content = &types.VerificationMACContent{}
	case types.EventVerificationCancel:
		content = &types.VerificationCancelContent{}
	case types.EventVerificationDone:
		content = &types.VerificationDoneContent{}
	}
	return content, json.Unmarshal(raw, content)
}
