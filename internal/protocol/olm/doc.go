// Package olm implements the pairwise session handshake and message codec.
//
// # Overview
//
// A session is bootstrapped with a triple Diffie-Hellman agreement between the
// initiator (A) and the responder (B). A uses B's curve25519 identity key I_B
// and one of B's published one-time keys E_B together with its own identity key
// I_A and a fresh base key B_A:
//
//	S = DH(I_A, E_B) || DH(B_A, I_B) || DH(B_A, E_B)
//
// HKDF-SHA256 over S yields a 32-byte root key and a 32-byte chain key which
// seed the double ratchet (internal/protocol/ratchet).
//
// # Flows
//
// Initiator:
//  1. Verify the claimed one-time key's signature with the device's ed25519 key.
//  2. Generate a base key, compute S, seed the sending chain.
//  3. Wrap every message in a pre-key message carrying (E_B, B_A, I_A) until a
//     reply arrives.
//
// Responder:
//  1. Receive the pre-key message, look up E_B among local keys.
//  2. Compute the mirrored DH set and seed the receiving chain.
//
// The session id hashes (I_A, B_A, E_B) so both sides derive the same id.
//
// # Errors
//
// ErrBadKeySignature is returned when the claimed key's signature fails to
// verify; ErrSessionMismatch when a pre-key message is fed to a session it does
// not belong to. Ratchet errors are passed through unchanged.
package olm
