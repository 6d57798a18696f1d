// Package verification runs interactive key verification (SAS and QR).
//
// A Flow is a plain state machine: Handle takes a received event or a local
// action and returns the events to send, the short authentication string to
// show, and, once both sides are done, the keys that were verified. The
// Service keeps the flows of this device, loads keys from the store, and
// turns a finished flow into exactly one cross-signing signature (or a local
// pin when the private key is not available).
package verification
