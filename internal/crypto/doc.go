// Package crypto exposes the minimal primitives used by mxcrypt.
//
// Contents
//
//   - X25519 key generation and Diffie-Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - HKDF-SHA256 and HMAC-SHA256 helpers (HKDF, HMACSHA256)
//   - AEAD sealing with ChaCha20-Poly1305 and AES-256-GCM
//   - Canonical JSON for signed objects (CanonicalJSON)
//   - Passphrase-derived key encryption (SealWithPassphrase, OpenWithPassphrase)
//   - Unpadded base64 as used on the Matrix wire (B64, DecodeB64)
//   - Grouped key display for fingerprints (DisplayKey)
//
// # Notes
//
// All key functions return fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and wipe them with memzero.Zero when practical.
package crypto
