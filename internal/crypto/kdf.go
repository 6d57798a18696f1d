package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF expands secret into n bytes with HKDF-SHA256.
func HKDF(secret, salt, info []byte, n int) []byte {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, secret, salt, info)
	// hkdf only fails past 255*HashLen bytes, which no caller requests.
	_, _ = io.ReadFull(r, out)
	return out
}

// HMACSHA256 returns HMAC-SHA256(key, data).
func HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// SHA256 returns the digest of data.
func SHA256(data ...[]byte) []byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
