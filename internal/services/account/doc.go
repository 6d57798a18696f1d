// Package account manages the device's long-term identity and its pool of
// one-time and fallback keys.
//
// All mutations go through Update, which holds the account lock and runs in a
// single storage transaction, so a one-time key can never be handed out or
// consumed twice.
package account
