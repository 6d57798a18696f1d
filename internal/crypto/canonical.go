package crypto

import (
	"encoding/json"
	"errors"

	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/crypto/canonicaljson"

	"mxcrypt/internal/domain"
)

// CanonicalJSON returns the canonical form of v used for signing, with the
// "signatures" and "unsigned" members removed.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	for _, path := range []string{"signatures", "unsigned"} {
		if raw, err = sjson.DeleteBytes(raw, path); err != nil {
			return nil, err
		}
	}
	return canonicaljson.CanonicalJSON(raw)
}

// ErrBadSignature is returned when a JSON signature does not verify.
var ErrBadSignature = errors.New("signature verification failed")

// SignJSON signs the canonical form of v and returns the unpadded base64
// signature.
func SignJSON(priv domain.Ed25519Private, v any) (string, error) {
	msg, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return B64(SignEd25519(priv, msg)), nil
}

// VerifySignatureB64 checks an unpadded base64 signature over the canonical
// form of v.
func VerifySignatureB64(pub domain.Ed25519Public, v any, sig string) error {
	raw, err := DecodeB64(sig)
	if err != nil {
		return ErrBadSignature
	}
	msg, err := CanonicalJSON(v)
	if err != nil {
		return err
	}
	if !VerifyEd25519(pub, msg, raw) {
		return ErrBadSignature
	}
	return nil
}
