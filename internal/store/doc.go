// Package store persists the engine's pickled state.
//
// Every backend exposes the same transactional contract (interfaces.Store):
// Txn runs a closure whose writes become visible atomically when it returns
// nil and are discarded otherwise; View runs a read-only closure against a
// consistent snapshot.
//
// Records are CBOR-encoded and grouped into buckets. Backends only move bytes:
//   - MemoryStore keeps buckets in a map (tests, ephemeral devices)
//   - FileStore snapshots the map into one passphrase-encrypted file
//   - SQLiteStore keeps one row per record via go.mau.fi/util/dbutil
//
// Open picks a backend from configuration.
package store
