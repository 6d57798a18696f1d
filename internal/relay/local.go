package relay

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
)

// Local is an in-process client of a Server acting as one device. Values are
// passed through JSON in both directions so neither side can alias the
// other's state.
type Local struct {
	srv    *Server
	user   id.UserID
	device id.DeviceID
}

// NewLocal returns a client of srv for user/device.
func NewLocal(srv *Server, user id.UserID, device id.DeviceID) *Local {
	return &Local{srv: srv, user: user, device: device}
}

var _ interfaces.Transport = (*Local)(nil)

func clone[T any](op string, in T) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, errs.Wrap(errs.CodeTransport, op, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errs.Wrap(errs.CodeTransport, op, err)
	}
	return out, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.CodeTransport, op, err)
}

func (l *Local) UploadKeys(ctx context.Context, req types.KeysUploadRequest) (types.KeysUploadResponse, error) {
	const op = "relay.UploadKeys"
	in, err := clone(op, req)
	if err != nil {
		return types.KeysUploadResponse{}, err
	}
	resp, err := l.srv.UploadKeys(l.user, l.device, in)
	return resp, wrap(op, err)
}

func (l *Local) QueryKeys(ctx context.Context, req types.KeysQueryRequest) (types.KeysQueryResponse, error) {
	return clone("relay.QueryKeys", l.srv.QueryKeys(req))
}

func (l *Local) ClaimKeys(ctx context.Context, req types.KeysClaimRequest) (types.KeysClaimResponse, error) {
	return clone("relay.ClaimKeys", l.srv.ClaimKeys(req))
}

func (l *Local) UploadCrossSigningKeys(ctx context.Context, req types.CrossSigningKeysUpload) error {
	const op = "relay.UploadCrossSigningKeys"
	in, err := clone(op, req)
	if err != nil {
		return err
	}
	return wrap(op, l.srv.UploadCrossSigningKeys(l.user, in))
}

func (l *Local) UploadSignatures(ctx context.Context, req types.SignaturesUpload) error {
	return wrap("relay.UploadSignatures", l.srv.UploadSignatures(req))
}

func (l *Local) SendToDevice(ctx context.Context, evType types.EventType, messages types.ToDeviceMessages) error {
	return wrap("relay.SendToDevice", l.srv.SendToDevice(l.user, l.device, evType, messages))
}

// FetchToDevice drains this device's to-device queue.
func (l *Local) FetchToDevice(ctx context.Context) ([]types.ToDeviceEvent, error) {
	return l.srv.FetchToDevice(l.user, l.device), nil
}

func (l *Local) CreateBackupVersion(ctx context.Context, info types.BackupVersionInfo) (string, error) {
	in, err := clone("relay.CreateBackupVersion", info)
	if err != nil {
		return "", err
	}
	return l.srv.CreateBackupVersion(in), nil
}

func (l *Local) GetBackupVersion(ctx context.Context) (types.BackupVersionInfo, error) {
	info, err := l.srv.GetBackupVersion()
	if err != nil {
		return info, wrap("relay.GetBackupVersion", err)
	}
	return clone("relay.GetBackupVersion", info)
}

func (l *Local) PutRoomKeys(ctx context.Context, version string, records []types.BackupRecord) error {
	return wrap("relay.PutRoomKeys", l.srv.PutRoomKeys(version, records))
}

func (l *Local) GetRoomKeys(ctx context.Context, version string) ([]types.BackupRecord, error) {
	const op = "relay.GetRoomKeys"
	recs, err := l.srv.GetRoomKeys(version)
	if err != nil {
		return nil, wrap(op, err)
	}
	return clone(op, recs)
}
