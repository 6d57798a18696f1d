package domain

import (
	interfaces "mxcrypt/internal/domain/interfaces"
	types "mxcrypt/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	X25519Public   = types.X25519Public
	X25519Private  = types.X25519Private
	Ed25519Public  = types.Ed25519Public
	Ed25519Private = types.Ed25519Private
	Identity       = types.Identity
	Signatures     = types.Signatures

	Account    = types.Account
	OneTimeKey = types.OneTimeKey
	Device     = types.Device
	TrustState = types.TrustState

	RatchetHeader = types.RatchetHeader
	RatchetState  = types.RatchetState
	SkippedKey    = types.SkippedKey
	OlmSession    = types.OlmSession
	OlmMessage    = types.OlmMessage
	PreKeyMessage = types.PreKeyMessage

	MegolmRatchet        = types.MegolmRatchet
	OutboundGroupSession = types.OutboundGroupSession
	InboundGroupSession  = types.InboundGroupSession
	RoomSettings         = types.RoomSettings

	CrossSigningKey      = types.CrossSigningKey
	CrossSigningIdentity = types.CrossSigningIdentity
	BackupState          = types.BackupState
	BackupRecord         = types.BackupRecord
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	Store     = interfaces.Store
	Tx        = interfaces.Tx
	ReadTx    = interfaces.ReadTx
	Transport = interfaces.Transport
	Clock     = interfaces.Clock
)
