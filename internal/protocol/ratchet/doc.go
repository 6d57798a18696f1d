// Package ratchet implements the double ratchet that drives Olm sessions.
//
// The algorithm maintains a root key and two message chains (send and receive).
// Each message advances a KDF chain so that keys are forward secure. When the
// peer presents a new ratchet public key, the receiving chain is re-derived from
// the root; the sending chain follows lazily on our next message with a fresh
// ratchet key of our own.
//
// Out-of-order delivery is tolerated inside a bounded window: message keys for
// skipped indices are kept (oldest evicted first) up to Limits.MaxSkippedKeys,
// and a single message may not jump more than Limits.MaxMessageGap indices.
// An index that was already consumed, or that belongs to a closed chain and has
// no skipped key left, fails with ErrDuplicateMessage.
//
// Encrypt and Decrypt work on a copy of the state and only write it back on
// success, so a failed call leaves the session exactly as it was.
//
// Concurrency: RatchetState is NOT safe for concurrent use. Callers must
// serialise access per session.
package ratchet
