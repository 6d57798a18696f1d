// Package olm stores and selects pairwise Olm sessions.
//
// Several sessions with one peer may coexist. Sends use the most recently
// used session; a normal message is tried against sessions newest first and a
// pre-key message against the session it names, or creates it. When nothing
// decrypts, the peer is flagged so the next send establishes a fresh session.
//
// Every decrypt or encrypt is one storage transaction run under the peer's
// identity-key lock; plaintext is returned only after the ratchet advance is
// committed.
package olm
