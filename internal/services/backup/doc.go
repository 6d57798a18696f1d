// Package backup uploads inbound Megolm sessions to the server-side key
// backup and restores them with a recovery key.
//
// Sessions are always encrypted at their first known index, so a batch that
// failed to upload can be rebuilt and sent again unchanged. Only after the
// caller reports a successful upload are sessions marked as backed up.
package backup
