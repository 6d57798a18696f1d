// Package commands defines the mxcrypt CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init                      Create the device account and config
//   - fingerprint               Print the device keys
//   - keys upload               Publish device and one-time keys
//   - devices <user>...         Query devices and show their trust
//   - trust <user> <dev> <st>   Pin a device locally
//   - cross-signing bootstrap   Create and publish cross-signing keys
//   - room join|leave|members   Manage rooms on the relay
//   - send <room> <msg>         Encrypt and post a message
//   - read <room>               Decrypt a room's timeline
//   - sync                      Process to-device events and housekeeping
//   - verify request|wait       Interactive SAS or QR verification
//   - backup setup|upload|restore|status|disable
//                               Server-side key backup (--key-file seals the
//                               recovery key with --passphrase)
//   - secrets request           Fetch secrets from own devices
//   - export|import <file>      Passphrase-protected room key files
//
// # Implementation
//
// The root command loads config.yaml from the home directory and configures
// logging before any subcommand runs. Commands that need the engine open the
// store, the relay client and the Machine once through internal/app.
package commands
