// Package engine ties the encryption services of one device together.
//
// A Machine owns the account, Olm, Megolm, trust, verification, backup and
// secret-sharing services built over one Store, and drives them against the
// homeserver through a Transport:
//
//   - ShareKeys / UpdateDevices / EnsureOlmSessions keep keys and device
//     lists in sync.
//   - EncryptRoomEvent rotates, shares and encrypts; DecryptRoomEvent
//     decrypts and requests missing keys.
//   - HandleToDevice consumes to-device events: room keys, forwarded keys,
//     key and secret requests, secrets and verification events.
//   - SetupBackup / UploadBackup / RestoreBackup manage the key backup.
//
// Network calls are made with no ratchet lock held: state is staged by a
// service, sent, and committed by a second call once the send succeeded.
package engine
