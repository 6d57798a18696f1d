// Package group manages Megolm room sessions.
//
// # Outbound
//
// Each encrypted room has at most one outbound session. RotateIfNeeded
// replaces it when it reached its message or age threshold, was invalidated,
// or (with RotateOnMembershipChange) a device that holds its key is gone or
// blacklisted. ShareWith wraps the key for every device that does not have it
// yet; the caller sends the resulting to-device messages and then calls
// MarkShared, so no lock is held over the network.
//
// # Inbound
//
// Inbound sessions arrive as m.room_key events, forwarded keys, exports or
// backups. They are merged so the copy with the lowest first known index is
// kept, and only if both copies are the same ratchet. Decrypt never advances
// the stored ratchet; a repeat of a seen index is accepted only with the same
// ciphertext.
package group
