// Package secrets shares named secrets (the backup key and the
// cross-signing private keys) between devices of the same user.
//
// Requests go out as plain m.secret.request to-device events; secrets only
// travel inside Olm as m.secret.send. A request is answered only for one of
// our own devices that is trusted, and a received secret is kept only if it
// answers a request we sent and comes from such a device.
package secrets
