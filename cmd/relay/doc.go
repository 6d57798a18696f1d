// Package main runs the in-memory HTTP relay used by mxcrypt during
// development and tests. It stands in for the homeserver endpoints the
// encryption engine needs: key upload, query and claim, cross-signing key and
// signature upload, to-device delivery, server-side key backup and a minimal
// room timeline.
//
// HTTP API
//
//	POST /keys/upload | /keys/query | /keys/claim
//	POST /keys/device_signing/upload | /keys/signatures/upload
//	PUT  /sendToDevice/{type}          { "messages": {user: {device: content}} }
//	GET  /sync/to_device               drains the caller's queue
//	POST /room_keys/version            create a backup version
//	GET  /room_keys/version            current backup version
//	PUT  /room_keys/keys?version=V     { "records": [...] }
//	GET  /room_keys/keys?version=V
//	POST /rooms/{room}/join | /rooms/{room}/leave
//	GET  /rooms/{room}/members
//	PUT  /rooms/{room}/send/{type}     append an encrypted event
//	GET  /rooms/{room}/messages?from=N
//	GET  /metrics                      Prometheus metrics
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - The caller is named by the X-Mxcrypt-User and X-Mxcrypt-Device headers;
//     there is no authentication.
//   - Errors are JSON {errcode, error} with a matching status.
//   - An access log records method, path, status and duration per request.
//   - The default listen address is :8080.
//
// The relay never sees plaintext or private keys; it only stores ciphertext,
// public keys and signatures.
package main
