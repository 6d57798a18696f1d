package olm

import (
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/types"
)

// SignKeyObject signs a one-time or fallback key object in place.
func SignKeyObject(obj *types.KeyObject, user id.UserID, device id.DeviceID, priv domain.Ed25519Private) error {
	sig, err := crypto.SignJSON(priv, obj)
	if err != nil {
		return err
	}
	obj.Signatures.Add(user, id.NewKeyID(id.KeyAlgorithmEd25519, string(device)), sig)
	return nil
}

// VerifyKeyObject checks a claimed key's signature by the device's ed25519 key
// and returns the decoded curve25519 key.
func VerifyKeyObject(obj types.KeyObject, user id.UserID, device id.DeviceID, signing domain.Ed25519Public) (domain.X25519Public, error) {
	sig, ok := obj.Signatures.Get(user, id.NewKeyID(id.KeyAlgorithmEd25519, string(device)))
	if !ok {
		return domain.X25519Public{}, ErrBadKeySignature
	}
	if err := crypto.VerifySignatureB64(signing, obj, sig); err != nil {
		return domain.X25519Public{}, ErrBadKeySignature
	}
	pub, err := types.ParseX25519Public(obj.Key)
	if err != nil {
		return domain.X25519Public{}, ErrBadMessage
	}
	return pub, nil
}
