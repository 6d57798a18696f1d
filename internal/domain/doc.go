// Package domain re-exports the engine's data model for callers that want a
// single import.
//
// The wire and state structs live in domain/types and the storage and
// transport contracts in domain/interfaces; this package only aliases them.
package domain
