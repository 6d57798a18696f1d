package types

import "maunium.net/go/mautrix/id"

// BackupAlgorithm is the algorithm name advertised for backup versions.
const BackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// BackupState is the local view of the active server-side backup.
type BackupState struct {
	Version   string       `json:"version"`
	PublicKey X25519Public `json:"public_key"`
	Enabled   bool         `json:"enabled"`
}

// BackupVersionInfo is the server's description of a backup version.
type BackupVersionInfo struct {
	Algorithm string         `json:"algorithm"`
	AuthData  BackupAuthData `json:"auth_data"`
	Version   string         `json:"version,omitempty"`
	Count     int            `json:"count,omitempty"`
}

type BackupAuthData struct {
	PublicKey  string     `json:"public_key"`
	Signatures Signatures `json:"signatures,omitempty"`
}

// BackupSessionData is the encrypted per-session backup payload.
type BackupSessionData struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
}

// BackupRecord is one uploaded or downloaded session.
type BackupRecord struct {
	RoomID            id.RoomID         `json:"room_id"`
	SessionID         id.SessionID      `json:"session_id"`
	FirstMessageIndex uint32            `json:"first_message_index"`
	ForwardedCount    int               `json:"forwarded_count"`
	IsVerified        bool              `json:"is_verified"`
	SessionData       BackupSessionData `json:"session_data"`
}

// RestoreResult reports the outcome of restoring a single record.
type RestoreResult struct {
	RoomID    id.RoomID
	SessionID id.SessionID
	Err       error
}
