// Package relay is the development stand-in for the homeserver.
//
// Server keeps, in memory, what a homeserver keeps for end-to-end
// encryption: published device and cross-signing keys, one-time key pools,
// per-device to-device queues, the key backup and a bare room timeline. It
// never sees plaintext or private keys.
//
// Two clients implement the engine's Transport:
//   - HTTP talks to a Server exposed by Handler (cmd/relay).
//   - Local calls a Server in the same process; tests use it to run several
//     devices against one relay.
//
// All HTTP bodies are JSON. Non-2xx statuses carry a Matrix-style
// {"errcode","error"} body, surfaced as *Error wrapped in a TRANSPORT_ERROR.
package relay
