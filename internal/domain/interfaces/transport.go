package interfaces

import (
	"context"
	"time"

	domaintypes "mxcrypt/internal/domain/types"
)

// Transport is how the engine talks to the homeserver, all with context.
// Implementations must not retry on their own.
type Transport interface {
	UploadKeys(ctx context.Context, req domaintypes.KeysUploadRequest) (domaintypes.KeysUploadResponse, error)
	QueryKeys(ctx context.Context, req domaintypes.KeysQueryRequest) (domaintypes.KeysQueryResponse, error)
	ClaimKeys(ctx context.Context, req domaintypes.KeysClaimRequest) (domaintypes.KeysClaimResponse, error)
	UploadCrossSigningKeys(ctx context.Context, req domaintypes.CrossSigningKeysUpload) error
	UploadSignatures(ctx context.Context, req domaintypes.SignaturesUpload) error

	SendToDevice(ctx context.Context, eventType domaintypes.EventType, messages domaintypes.ToDeviceMessages) error

	CreateBackupVersion(ctx context.Context, info domaintypes.BackupVersionInfo) (string, error)
	GetBackupVersion(ctx context.Context) (domaintypes.BackupVersionInfo, error)
	PutRoomKeys(ctx context.Context, version string, records []domaintypes.BackupRecord) error
	GetRoomKeys(ctx context.Context, version string) ([]domaintypes.BackupRecord, error)
}

// Clock supplies the current time; tests substitute a fake.
type Clock interface {
	Now() time.Time
}
