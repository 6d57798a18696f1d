package group

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/metrics"
	"mxcrypt/internal/protocol/megolm"
)

// AddRoomKey installs a session received in an m.room_key event from the
// device identified by senderKey/senderEd.
func (s *Service) AddRoomKey(ctx context.Context, senderKey domain.X25519Public, senderEd domain.Ed25519Public, content *types.RoomKeyContent) error {
	const op = "group.AddRoomKey"
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return errs.New(errs.CodeInvalidInput, op, "unsupported algorithm %q", content.Algorithm)
	}
	in, err := megolm.NewInboundSession(content.SessionKey)
	if err != nil {
		return errs.Wrap(errs.CodeSignatureVerification, op, err)
	}
	if err := megolm.CheckSessionID(in, content.SessionID); err != nil {
		return errs.Wrap(errs.CodeCryptoInvariant, op, err)
	}
	in.RoomID = content.RoomID
	in.SenderKey = senderKey
	in.SenderClaimedKey = senderEd
	return s.merge(ctx, in)
}

// AddForwardedRoomKey installs a session forwarded by another device. The
// caller decides whether the forwarder is trusted; forwardedBy is appended
// to the forwarding chain.
func (s *Service) AddForwardedRoomKey(ctx context.Context, forwardedBy domain.X25519Public, content *types.ForwardedRoomKeyContent) error {
	const op = "group.AddForwardedRoomKey"
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return errs.New(errs.CodeInvalidInput, op, "unsupported algorithm %q", content.Algorithm)
	}
	in, err := megolm.ImportInboundSession(content.SessionKey)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	if err := megolm.CheckSessionID(in, content.SessionID); err != nil {
		return errs.Wrap(errs.CodeCryptoInvariant, op, err)
	}
	if in.SenderKey, err = types.ParseX25519Public(string(content.SenderKey)); err != nil {
		return errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	if in.SenderClaimedKey, err = types.ParseEd25519Public(string(content.SenderClaimedKey)); err != nil {
		return errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	in.RoomID = content.RoomID
	in.Imported = true
	in.ForwardingChain = append(append([]string(nil), content.ForwardingCurve25519KeyChain...), forwardedBy.String())
	return s.merge(ctx, in)
}

// ImportSession installs a session from a key export or backup.
func (s *Service) ImportSession(ctx context.Context, exp *types.ExportedSession) error {
	in, err := fromExport(exp)
	if err != nil {
		return err
	}
	return s.merge(ctx, in)
}

func fromExport(exp *types.ExportedSession) (*domain.InboundGroupSession, error) {
	const op = "group.ImportSession"
	if exp.Algorithm != id.AlgorithmMegolmV1 {
		return nil, errs.New(errs.CodeInvalidInput, op, "unsupported algorithm %q", exp.Algorithm)
	}
	in, err := megolm.ImportInboundSession(exp.SessionKey)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	if err := megolm.CheckSessionID(in, exp.SessionID); err != nil {
		return nil, errs.Wrap(errs.CodeCryptoInvariant, op, err)
	}
	if in.SenderKey, err = types.ParseX25519Public(string(exp.SenderKey)); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	if ed := exp.SenderClaimedKeys[string(id.KeyAlgorithmEd25519)]; ed != "" {
		if in.SenderClaimedKey, err = types.ParseEd25519Public(ed); err != nil {
			return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
		}
	}
	in.RoomID = exp.RoomID
	in.Imported = true
	in.ForwardingChain = append([]string(nil), exp.ForwardingCurve25519KeyChain...)
	return in, nil
}

// merge stores in, or reconciles it with an existing copy of the same
// session: the copy with the lower first known index wins, provided the two
// are the same ratchet.
func (s *Service) merge(ctx context.Context, in *domain.InboundGroupSession) error {
	const op = "group.ImportSession"
	unlock := s.inLocks.Lock(in.ID)
	defer unlock()

	var kept string
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		cur, ok, err := tx.InboundGroupSession(in.RoomID, in.SenderKey, in.ID)
		if err != nil {
			return errs.Storage(op, err)
		}
		if in.ReceivedAt.IsZero() {
			in.ReceivedAt = s.clock.Now()
		}
		if !ok {
			kept = "new"
			return errs.Storage(op, tx.PutInboundGroupSession(in))
		}
		if !megolm.SameRatchet(cur, in) {
			s.log.Error().Bool("security", true).
				Str("room_id", string(in.RoomID)).
				Str("session_id", string(in.ID)).
				Msg("Received a session key that does not match the stored session")
			metrics.SecurityEventsTotal.WithLabelValues("session_mismatch").Inc()
			return errs.New(errs.CodeCryptoInvariant, op, "session %s does not match the stored ratchet", in.ID)
		}
		if cur.FirstKnownIndex() <= in.FirstKnownIndex() {
			kept = "existing"
			return nil
		}
		kept = "earlier"
		in.Seen = mergeSeen(cur.Seen, in.Seen)
		in.BackedUp = false
		if !cur.Imported {
			// a direct m.room_key is more authoritative than forwarded copies
			in.Imported = false
			in.ForwardingChain = nil
			in.SenderClaimedKey = cur.SenderClaimedKey
		}
		return errs.Storage(op, tx.PutInboundGroupSession(in))
	})
	if err == nil {
		s.log.Debug().
			Str("room_id", string(in.RoomID)).
			Str("session_id", string(in.ID)).
			Uint32("first_index", in.FirstKnownIndex()).
			Str("result", kept).
			Msg("Stored inbound group session")
	}
	return err
}

func mergeSeen(a, b map[uint32][]byte) map[uint32][]byte {
	out := make(map[uint32][]byte, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	megolm.PruneSeen(&domain.InboundGroupSession{Seen: out})
	return out
}

// HasInbound reports whether the session is known.
func (s *Service) HasInbound(ctx context.Context, roomID id.RoomID, senderKey domain.X25519Public, sessionID id.SessionID) (bool, error) {
	var ok bool
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		_, ok, err = tx.InboundGroupSession(roomID, senderKey, sessionID)
		return errs.Storage("group.HasInbound", err)
	})
	return ok, err
}

// Decrypt opens a room event and records the message index as seen before
// returning the plaintext.
func (s *Service) Decrypt(ctx context.Context, roomID id.RoomID, content *types.EncryptedMegolmContent) (*types.DecryptedRoomEvent, error) {
	ev, err := s.decrypt(ctx, roomID, content)
	if err != nil {
		metrics.GroupDecryptFailedTotal.WithLabelValues(string(errs.CodeOf(err))).Inc()
	}
	return ev, err
}

func (s *Service) decrypt(ctx context.Context, roomID id.RoomID, content *types.EncryptedMegolmContent) (*types.DecryptedRoomEvent, error) {
	const op = "group.Decrypt"
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, errs.New(errs.CodeInvalidInput, op, "unsupported algorithm %q", content.Algorithm)
	}
	senderKey, err := types.ParseX25519Public(string(content.SenderKey))
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	msg, err := crypto.DecodeB64(content.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	log := s.log.With().Str("room_id", string(roomID)).Str("session_id", string(content.SessionID)).Logger()

	unlock := s.inLocks.Lock(content.SessionID)
	defer unlock()

	sess, ok, err := s.InboundSession(ctx, roomID, senderKey, content.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.CodeUnknownSession, op, "no inbound session %s", content.SessionID)
	}
	pt, index, err := megolm.Decrypt(sess, msg)
	switch {
	case errors.Is(err, megolm.ErrUnknownIndex):
		return nil, errs.New(errs.CodeMessageIndexTooOld, op, "index %d precedes first known index %d", index, sess.FirstKnownIndex())
	case errors.Is(err, megolm.ErrReplayedIndex):
		log.Error().Bool("security", true).Uint32("index", index).Msg("Different ciphertext at an already decrypted index")
		metrics.SecurityEventsTotal.WithLabelValues("megolm_replay").Inc()
		return nil, errs.Wrap(errs.CodeCryptoInvariant, op, err)
	case errors.Is(err, megolm.ErrBadSignature):
		log.Warn().Bool("security", true).Msg("Room event signature is invalid")
		return nil, errs.Wrap(errs.CodeSignatureVerification, op, err)
	case err != nil:
		return nil, errs.Wrap(errs.CodeDecryption, op, err)
	}
	if err := s.markSeen(ctx, sess, index); err != nil {
		return nil, err
	}

	var payload types.MegolmPayload
	if err := json.Unmarshal(pt, &payload); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	if payload.RoomID != roomID {
		log.Warn().Bool("security", true).Str("payload_room", string(payload.RoomID)).Msg("Room event was encrypted for another room")
		return nil, errs.New(errs.CodeCryptoInvariant, op, "event encrypted for room %s", payload.RoomID)
	}
	return &types.DecryptedRoomEvent{
		RoomID:    roomID,
		Type:      payload.Type,
		Content:   payload.Content,
		SenderKey: senderKey,
		SessionID: sess.ID,
		Index:     index,
		Forwarded: len(sess.ForwardingChain) > 0,
	}, nil
}

// markSeen records the digest Decrypt stored for index on the current copy
// of the session. Other writers, such as the backup flag, are kept.
func (s *Service) markSeen(ctx context.Context, sess *domain.InboundGroupSession, index uint32) error {
	const op = "group.Decrypt"
	digest, ok := sess.Seen[index]
	if !ok {
		// below the retained window
		return nil
	}
	return s.store.Txn(ctx, func(tx interfaces.Tx) error {
		cur, ok, err := tx.InboundGroupSession(sess.RoomID, sess.SenderKey, sess.ID)
		if err != nil || !ok {
			return errs.Storage(op, err)
		}
		if prev, seen := cur.Seen[index]; seen && bytes.Equal(prev, digest) {
			return nil
		}
		if cur.Seen == nil {
			cur.Seen = map[uint32][]byte{}
		}
		cur.Seen[index] = digest
		megolm.PruneSeen(cur)
		return errs.Storage(op, tx.PutInboundGroupSession(cur))
	})
}

// InboundSession returns a copy of a stored inbound session.
func (s *Service) InboundSession(ctx context.Context, roomID id.RoomID, senderKey domain.X25519Public, sessionID id.SessionID) (*domain.InboundGroupSession, bool, error) {
	var (
		out *domain.InboundGroupSession
		ok  bool
	)
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		out, ok, err = tx.InboundGroupSession(roomID, senderKey, sessionID)
		return errs.Storage("group.InboundSession", err)
	})
	return out, ok, err
}
