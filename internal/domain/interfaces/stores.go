package interfaces

import (
	"context"

	"maunium.net/go/mautrix/id"

	domaintypes "mxcrypt/internal/domain/types"
)

// Store is the storage contract. Txn runs fn atomically: either every write
// made through tx is committed or none is. View runs fn against a consistent
// read snapshot. Values returned by getters are copies; mutating them has no
// effect until they are written back.
type Store interface {
	Txn(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx ReadTx) error) error
	Close() error
}

// ReadTx is the read half of a transaction.
type ReadTx interface {
	Account() (*domaintypes.Account, bool, error)

	OlmSession(senderKey domaintypes.X25519Public, sessionID string) (*domaintypes.OlmSession, bool, error)
	OlmSessions(senderKey domaintypes.X25519Public) ([]*domaintypes.OlmSession, error)
	NeedsNewSession(senderKey domaintypes.X25519Public) (bool, error)

	OutboundGroupSession(roomID id.RoomID) (*domaintypes.OutboundGroupSession, bool, error)
	InboundGroupSession(roomID id.RoomID, senderKey domaintypes.X25519Public, sessionID id.SessionID) (*domaintypes.InboundGroupSession, bool, error)
	InboundGroupSessions(roomID id.RoomID) ([]*domaintypes.InboundGroupSession, error)
	// InboundGroupSessionsToBackup lists at most limit sessions not yet backed up.
	InboundGroupSessionsToBackup(limit int) ([]*domaintypes.InboundGroupSession, error)
	AllInboundGroupSessions() ([]*domaintypes.InboundGroupSession, error)
	RoomSettings(roomID id.RoomID) (*domaintypes.RoomSettings, bool, error)
	OutgoingKeyRequest(roomID id.RoomID, sessionID id.SessionID) (*domaintypes.OutgoingKeyRequest, bool, error)

	Device(userID id.UserID, deviceID id.DeviceID) (*domaintypes.Device, bool, error)
	Devices(userID id.UserID) ([]*domaintypes.Device, error)
	DeviceByIdentityKey(key domaintypes.X25519Public) (*domaintypes.Device, bool, error)
	CrossSigning(userID id.UserID) (*domaintypes.CrossSigningIdentity, bool, error)

	BackupState() (*domaintypes.BackupState, bool, error)
	Secret(name domaintypes.SecretName) ([]byte, bool, error)
	SecretRequest(requestID string) (*domaintypes.SecretRequest, bool, error)
}

// Tx is a read-write transaction.
type Tx interface {
	ReadTx

	PutAccount(acc *domaintypes.Account) error

	PutOlmSession(s *domaintypes.OlmSession) error
	SetNeedsNewSession(senderKey domaintypes.X25519Public, needed bool) error

	PutOutboundGroupSession(s *domaintypes.OutboundGroupSession) error
	DeleteOutboundGroupSession(roomID id.RoomID) error
	PutInboundGroupSession(s *domaintypes.InboundGroupSession) error
	PutRoomSettings(roomID id.RoomID, settings *domaintypes.RoomSettings) error
	PutOutgoingKeyRequest(roomID id.RoomID, req *domaintypes.OutgoingKeyRequest) error
	DeleteOutgoingKeyRequest(roomID id.RoomID, sessionID id.SessionID) error

	PutDevice(d *domaintypes.Device) error
	PutCrossSigning(c *domaintypes.CrossSigningIdentity) error

	PutBackupState(s *domaintypes.BackupState) error
	PutSecret(name domaintypes.SecretName, value []byte) error
	DeleteSecret(name domaintypes.SecretName) error
	PutSecretRequest(r *domaintypes.SecretRequest) error
	DeleteSecretRequest(requestID string) error
}
