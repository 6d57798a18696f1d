package engine

import (
	"context"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/services/group"
)

// EncryptRoomEvent encrypts content for a room whose members are given. The
// members' device lists must already be known (UpdateDevices). The outbound
// session is rotated when its limits are reached, a device left, or an
// unverified device appeared, and its
// key is shared with every device that lacks it before encrypting.
func (m *Machine) EncryptRoomEvent(ctx context.Context, roomID id.RoomID, members []id.UserID, evType types.EventType, content any) (*types.EncryptedRoomEvent, error) {
	devices, err := m.devices(ctx, members)
	if err != nil {
		return nil, err
	}
	if _, err := m.Groups.RotateIfNeeded(ctx, roomID, devices); err != nil {
		return nil, err
	}
	plan, err := m.ShareRoomKey(ctx, roomID, devices)
	if err != nil {
		return nil, err
	}
	ev, err := m.Groups.Encrypt(ctx, roomID, evType, content)
	if err != nil {
		return nil, err
	}
	ev.Withheld = plan.Withheld
	return ev, nil
}

// ShareRoomKey sends the room's current session key to the devices that do
// not have it. The key is staged under the room lock, delivered without any
// lock held, and recorded as shared only after the send succeeded.
func (m *Machine) ShareRoomKey(ctx context.Context, roomID id.RoomID, devices []*domain.Device) (*group.SharePlan, error) {
	const op = "engine.ShareRoomKey"
	if err := m.EnsureOlmSessions(ctx, devices); err != nil {
		return nil, err
	}
	plan, err := m.Groups.ShareWith(ctx, roomID, devices)
	if err != nil {
		return nil, err
	}
	if !plan.Empty() {
		if err := m.transport.SendToDevice(ctx, types.EventEncrypted, plan.Messages); err != nil {
			return nil, transportErr(op, err)
		}
	}
	if err := m.Groups.MarkShared(ctx, plan); err != nil {
		return nil, err
	}
	m.log.Debug().
		Str("room_id", string(roomID)).
		Str("session_id", string(plan.SessionID)).
		Int("recipients", len(plan.Recipients)).
		Msg("Shared room key")
	return plan, nil
}

// DecryptRoomEvent decrypts a room event sent by sender. When the session is
// unknown a key request goes out to our other devices and to the sending
// device, and the UNKNOWN_SESSION error is returned.
func (m *Machine) DecryptRoomEvent(ctx context.Context, roomID id.RoomID, sender id.UserID, content *types.EncryptedMegolmContent) (*types.DecryptedRoomEvent, error) {
	ev, err := m.Groups.Decrypt(ctx, roomID, content)
	if errs.CodeOf(err) == errs.CodeUnknownSession {
		if rerr := m.requestRoomKey(ctx, roomID, sender, content); rerr != nil {
			m.log.Warn().Err(rerr).Str("room_id", string(roomID)).Str("session_id", string(content.SessionID)).
				Msg("Failed to request room key")
		}
	}
	if err != nil {
		return nil, err
	}
	if ev.SenderTrust, err = m.senderTrust(ctx, sender, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// senderTrust rates the device that created the session: it must belong to
// sender and hold the signing key the session was received with.
func (m *Machine) senderTrust(ctx context.Context, sender id.UserID, ev *types.DecryptedRoomEvent) (types.TrustState, error) {
	if ev.Forwarded {
		return types.TrustUnset, nil
	}
	d, ok, err := m.deviceByKey(ctx, ev.SenderKey)
	if err != nil || !ok || d.UserID != sender {
		return types.TrustUnset, err
	}
	sess, ok, err := m.Groups.InboundSession(ctx, ev.RoomID, ev.SenderKey, ev.SessionID)
	if err != nil || !ok || sess.SenderClaimedKey != d.SigningKey {
		return types.TrustUnset, err
	}
	v, err := m.Trust.DeviceTrust(ctx, d)
	if err != nil {
		return types.TrustUnset, err
	}
	return v.State, nil
}

func (m *Machine) requestRoomKey(ctx context.Context, roomID id.RoomID, sender id.UserID, content *types.EncryptedMegolmContent) error {
	const op = "engine.requestRoomKey"
	senderKey, err := types.ParseX25519Public(string(content.SenderKey))
	if err != nil {
		return errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	req, err := m.Groups.RequestKey(ctx, roomID, senderKey, content.SessionID)
	if err != nil || req == nil {
		return err
	}
	msgs := types.ToDeviceMessages{}
	msgs.Add(m.userID, "*", req)
	if sender != "" && sender != m.userID && content.DeviceID != "" {
		msgs.Add(sender, content.DeviceID, req)
	}
	return transportErr(op, m.transport.SendToDevice(ctx, types.EventRoomKeyRequest, msgs))
}

// InvalidateRoom discards the room's outbound session so the next message
// starts a new one.
func (m *Machine) InvalidateRoom(ctx context.Context, roomID id.RoomID) error {
	return m.Groups.Invalidate(ctx, roomID)
}
