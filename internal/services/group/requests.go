package group

import (
	"context"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
)

// RequestKey records an outgoing m.room_key_request for a missing session
// and returns its content. It returns nil when a request is already pending.
func (s *Service) RequestKey(ctx context.Context, roomID id.RoomID, senderKey domain.X25519Public, sessionID id.SessionID) (*types.RoomKeyRequestContent, error) {
	const op = "group.RequestKey"
	var out *types.RoomKeyRequestContent
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		_, pending, err := tx.OutgoingKeyRequest(roomID, sessionID)
		if err != nil {
			return errs.Storage(op, err)
		}
		if pending {
			return nil
		}
		req := &types.OutgoingKeyRequest{
			RequestID: uuid.NewString(),
			Body: types.RoomKeyRequestBody{
				Algorithm: id.AlgorithmMegolmV1,
				RoomID:    roomID,
				SenderKey: senderKey.Curve25519(),
				SessionID: sessionID,
			},
			SentAt: s.clock.Now(),
		}
		if err := tx.PutOutgoingKeyRequest(roomID, req); err != nil {
			return errs.Storage(op, err)
		}
		body := req.Body
		out = &types.RoomKeyRequestContent{
			Action:             types.KeyRequestActionRequest,
			Body:               &body,
			RequestID:          req.RequestID,
			RequestingDeviceID: s.ownDevice,
		}
		return nil
	})
	if err == nil && out != nil {
		s.log.Debug().Str("room_id", string(roomID)).Str("session_id", string(sessionID)).Msg("Requesting missing room key")
	}
	return out, err
}

// ResolveKeyRequest drops the pending request for a session that has now
// arrived and returns the cancellation to send, or nil if none was pending.
func (s *Service) ResolveKeyRequest(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*types.RoomKeyRequestContent, error) {
	const op = "group.ResolveKeyRequest"
	var out *types.RoomKeyRequestContent
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		req, ok, err := tx.OutgoingKeyRequest(roomID, sessionID)
		if err != nil || !ok {
			return errs.Storage(op, err)
		}
		out = &types.RoomKeyRequestContent{
			Action:             types.KeyRequestActionCancel,
			RequestID:          req.RequestID,
			RequestingDeviceID: s.ownDevice,
		}
		return errs.Storage(op, tx.DeleteOutgoingKeyRequest(roomID, sessionID))
	})
	return out, err
}

// AnswerKeyRequest builds the m.forwarded_room_key for a request. Whether
// the requester may receive it is the caller's decision.
func (s *Service) AnswerKeyRequest(ctx context.Context, req *types.RoomKeyRequestContent) (*types.ForwardedRoomKeyContent, error) {
	const op = "group.AnswerKeyRequest"
	if req.Action != types.KeyRequestActionRequest || req.Body == nil {
		return nil, errs.New(errs.CodeInvalidInput, op, "not a key request")
	}
	senderKey, err := types.ParseX25519Public(string(req.Body.SenderKey))
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	sess, ok, err := s.InboundSession(ctx, req.Body.RoomID, senderKey, req.Body.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.CodeUnknownSession, op, "no inbound session %s", req.Body.SessionID)
	}
	exp, err := Export(sess, sess.FirstKnownIndex())
	if err != nil {
		return nil, err
	}
	return &types.ForwardedRoomKeyContent{
		RoomKeyContent: types.RoomKeyContent{
			Algorithm:  id.AlgorithmMegolmV1,
			RoomID:     sess.RoomID,
			SessionID:  sess.ID,
			SessionKey: exp.SessionKey,
		},
		SenderKey:                    sess.SenderKey.Curve25519(),
		SenderClaimedKey:             sess.SenderClaimedKey.Ed25519(),
		ForwardingCurve25519KeyChain: exp.ForwardingCurve25519KeyChain,
	}, nil
}
