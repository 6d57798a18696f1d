package group

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/metrics"
	"mxcrypt/internal/protocol/megolm"
)

// Withheld reasons.
const (
	WithheldBlacklisted = "m.blacklisted"
	WithheldUnverified  = "m.unverified"
	WithheldNoOlm       = "m.no_olm"
)

const shareConcurrency = 8

// SharePlan is what ShareWith staged: encrypted m.room_key messages to send
// as m.room.encrypted to-device events, and the devices left out.
type SharePlan struct {
	RoomID     id.RoomID
	SessionID  id.SessionID
	Messages   types.ToDeviceMessages
	Recipients []types.SharedDevice
	Withheld   []types.WithheldDevice
}

// Empty reports whether there is nothing to send.
func (p *SharePlan) Empty() bool { return len(p.Recipients) == 0 }

// ShareWith encrypts the room's current session key for every device that
// does not have it yet. Devices that are blacklisted, or unverified while the
// room only allows trusted devices, are withheld. Devices without an Olm
// session are withheld with m.no_olm; establish sessions first.
func (s *Service) ShareWith(ctx context.Context, roomID id.RoomID, devices []*domain.Device) (*SharePlan, error) {
	const op = "group.ShareWith"
	unlock := s.outLocks.Lock(roomID)
	defer unlock()

	var sess *domain.OutboundGroupSession
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var (
			ok  bool
			err error
		)
		sess, ok, err = tx.OutboundGroupSession(roomID)
		if err != nil {
			return errs.Storage(op, err)
		}
		if !ok {
			return errs.New(errs.CodeUnknownSession, op, "room %s has no outbound session", roomID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	key, err := megolm.SessionKey(sess)
	if err != nil {
		return nil, errs.Wrap(errs.CodeCryptoInvariant, op, err)
	}
	content := types.RoomKeyContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     roomID,
		SessionID:  sess.ID,
		SessionKey: key,
	}

	plan := &SharePlan{RoomID: roomID, SessionID: sess.ID, Messages: types.ToDeviceMessages{}}
	var targets []*domain.Device
	for _, d := range devices {
		if d.Deleted || (d.UserID == s.ownUser && d.DeviceID == s.ownDevice) {
			continue
		}
		if _, done := sess.SharedWith[types.SharedKey(d.UserID, d.DeviceID)]; done {
			continue
		}
		reason, err := s.withholdReason(ctx, sess.Settings, d)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			plan.Withheld = append(plan.Withheld, types.WithheldDevice{UserID: d.UserID, DeviceID: d.DeviceID, Reason: reason})
			continue
		}
		targets = append(targets, d)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(shareConcurrency)
	for _, d := range targets {
		g.Go(func() error {
			env, err := s.olm.EncryptEvent(gctx, d, types.EventRoomKey, content)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errs.CodeOf(err) == errs.CodeUnknownSession:
				plan.Withheld = append(plan.Withheld, types.WithheldDevice{UserID: d.UserID, DeviceID: d.DeviceID, Reason: WithheldNoOlm})
				return nil
			case err != nil:
				return err
			}
			plan.Messages.Add(d.UserID, d.DeviceID, env)
			plan.Recipients = append(plan.Recipients, types.SharedDevice{UserID: d.UserID, DeviceID: d.DeviceID, Index: sess.Ratchet.Counter})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(plan.Withheld) > 0 {
		s.log.Debug().Str("room_id", string(roomID)).Int("withheld", len(plan.Withheld)).Msg("Withheld room key from some devices")
	}
	return plan, nil
}

func (s *Service) withholdReason(ctx context.Context, settings types.RoomSettings, d *domain.Device) (string, error) {
	if d.LocalTrust == types.TrustBlacklisted {
		return WithheldBlacklisted, nil
	}
	if !settings.OnlyAllowTrustedDevices || s.trust == nil {
		return "", nil
	}
	verdict, err := s.trust.DeviceTrust(ctx, d)
	if err != nil {
		return "", err
	}
	switch {
	case verdict.State == types.TrustBlacklisted:
		return WithheldBlacklisted, nil
	case !verdict.Trusted():
		return WithheldUnverified, nil
	}
	return "", nil
}

// MarkShared records that the plan's messages were delivered and which
// devices were left out. A plan for a session that has since been replaced
// is ignored.
func (s *Service) MarkShared(ctx context.Context, plan *SharePlan) error {
	const op = "group.MarkShared"
	if plan.Empty() && len(plan.Withheld) == 0 {
		return nil
	}
	unlock := s.outLocks.Lock(plan.RoomID)
	defer unlock()
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		sess, ok, err := tx.OutboundGroupSession(plan.RoomID)
		if err != nil {
			return errs.Storage(op, err)
		}
		if !ok || sess.ID != plan.SessionID {
			return nil
		}
		if sess.SharedWith == nil {
			sess.SharedWith = map[string]types.SharedDevice{}
		}
		for _, r := range plan.Recipients {
			sess.SharedWith[types.SharedKey(r.UserID, r.DeviceID)] = r
		}
		if len(plan.Withheld) > 0 && sess.WithheldFrom == nil {
			sess.WithheldFrom = map[string]string{}
		}
		for _, w := range plan.Withheld {
			sess.WithheldFrom[types.SharedKey(w.UserID, w.DeviceID)] = w.Reason
		}
		return errs.Storage(op, tx.PutOutboundGroupSession(sess))
	})
	if err == nil {
		metrics.RoomKeysSharedTotal.Add(float64(len(plan.Recipients)))
	}
	return err
}
