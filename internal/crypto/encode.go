package crypto

import (
	"encoding/base64"
	"strings"
)

// B64 returns unpadded standard base64, the encoding used for keys and
// ciphertexts on the Matrix wire.
func B64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

// DecodeB64 accepts both padded and unpadded standard base64.
func DecodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
