// Package megolm implements the group ratchet and its message and key codecs.
//
// # Ratchet
//
// The ratchet state is four 32-byte parts R0..R3 and a 32-bit counter i. On
// each step, R3 is always rehashed; R2 is rehashed every 2^8 steps, R1 every
// 2^16 and R0 every 2^24, each from the part above it, with
//
//	R_j = HMAC-SHA256(key=R_from, data=j)
//
// so any later index can be reached in at most 1020 hash operations
// (AdvanceTo) while earlier indices cannot be recovered.
//
// # Messages
//
// A message key is HKDF-SHA256 over R0||R1||R2||R3 at the message's index,
// split into a ChaCha20-Poly1305 key and nonce. The encoded (version, index,
// ciphertext) body is signed with the session's ed25519 key; the session id is
// the unpadded base64 of that public key.
//
// # Keys
//
// A session key (version 2) carries the ratchet at an index plus the public
// signing key, signed by the session's signing key; it is what m.room_key
// shares. An exported key (version 1) omits the signature and is what key
// exports, forwarded keys and backups carry.
package megolm
