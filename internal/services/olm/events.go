package olm

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
)

// EncryptEvent wraps a to-device event for one device in an Olm envelope.
// The payload binds sender and recipient so it cannot be replayed to another
// device or attributed to another sender.
func (s *Service) EncryptEvent(ctx context.Context, device *domain.Device, evType types.EventType, content any) (*types.EncryptedOlmContent, error) {
	const op = "olm.EncryptEvent"
	acc, err := s.accounts.Get(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	payload, err := json.Marshal(types.DecryptedOlmPayload{
		Type:          evType,
		Content:       raw,
		Sender:        acc.UserID,
		SenderDevice:  acc.DeviceID,
		Recipient:     device.UserID,
		RecipientKeys: map[string]string{string(id.KeyAlgorithmEd25519): device.SigningKey.String()},
		Keys:          map[string]string{string(id.KeyAlgorithmEd25519): acc.Identity.EdPub.String()},
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	ct, err := s.Encrypt(ctx, device.IdentityKey, payload)
	if err != nil {
		return nil, err
	}
	return &types.EncryptedOlmContent{
		Algorithm:  id.AlgorithmOlmV1,
		SenderKey:  acc.Identity.XPub.Curve25519(),
		Ciphertext: map[id.Curve25519]types.OlmCiphertext{device.IdentityKey.Curve25519(): ct},
	}, nil
}

// DecryptEvent opens an Olm envelope addressed to us and checks the payload
// against the envelope, our identity and the sender's known device keys.
func (s *Service) DecryptEvent(ctx context.Context, sender id.UserID, content *types.EncryptedOlmContent) (*types.DecryptedToDevice, error) {
	const op = "olm.DecryptEvent"
	if content.Algorithm != id.AlgorithmOlmV1 {
		return nil, errs.New(errs.CodeInvalidInput, op, "unsupported algorithm %q", content.Algorithm)
	}
	acc, err := s.accounts.Get(ctx)
	if err != nil {
		return nil, err
	}
	ct, ok := content.Ciphertext[acc.Identity.XPub.Curve25519()]
	if !ok {
		return nil, errs.New(errs.CodeInvalidInput, op, "envelope has no ciphertext for this device")
	}
	senderKey, err := types.ParseX25519Public(string(content.SenderKey))
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	pt, err := s.Decrypt(ctx, senderKey, ct)
	if err != nil {
		return nil, err
	}

	var payload types.DecryptedOlmPayload
	if err := json.Unmarshal(pt, &payload); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	if err := s.checkPayload(ctx, acc, sender, senderKey, &payload); err != nil {
		s.log.Warn().Bool("security", true).
			Str("sender", string(sender)).
			Str("sender_key", senderKey.String()).
			Err(err).
			Msg("Olm payload does not match its envelope")
		return nil, err
	}
	return &types.DecryptedToDevice{Sender: sender, SenderKey: senderKey, Payload: payload}, nil
}

func (s *Service) checkPayload(ctx context.Context, acc *domain.Account, sender id.UserID, senderKey domain.X25519Public, p *types.DecryptedOlmPayload) error {
	const op = "olm.DecryptEvent"
	switch {
	case p.Sender != sender:
		return errs.New(errs.CodeCryptoInvariant, op, "payload sender %s differs from event sender %s", p.Sender, sender)
	case p.Recipient != acc.UserID:
		return errs.New(errs.CodeCryptoInvariant, op, "payload addressed to %s", p.Recipient)
	case p.RecipientKeys[string(id.KeyAlgorithmEd25519)] != acc.Identity.EdPub.String():
		return errs.New(errs.CodeCryptoInvariant, op, "payload addressed to another device key")
	}
	var known *domain.Device
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		d, ok, err := tx.DeviceByIdentityKey(senderKey)
		if ok {
			known = d
		}
		return err
	})
	if err != nil {
		return errs.Storage(op, err)
	}
	if known == nil {
		return nil
	}
	if known.UserID != sender || (p.SenderDevice != "" && known.DeviceID != p.SenderDevice) {
		return errs.New(errs.CodeCryptoInvariant, op, "sender key belongs to %s/%s", known.UserID, known.DeviceID)
	}
	if claimed := p.Keys[string(id.KeyAlgorithmEd25519)]; claimed != "" && claimed != known.SigningKey.String() {
		return errs.New(errs.CodeCryptoInvariant, op, "claimed signing key differs from the device's")
	}
	return nil
}
