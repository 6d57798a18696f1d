package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
)

// HTTP is a Transport speaking to a relay over HTTP as one device.
type HTTP struct {
	Base   string
	HTTP   *http.Client
	User   id.UserID
	Device id.DeviceID
}

// NewHTTP returns a client for the relay at base. A nil client means
// http.DefaultClient.
func NewHTTP(base string, client *http.Client, user id.UserID, device id.DeviceID) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{Base: strings.TrimRight(base, "/"), HTTP: client, User: user, Device: device}
}

var _ interfaces.Transport = (*HTTP)(nil)

func (c *HTTP) UploadKeys(ctx context.Context, req types.KeysUploadRequest) (types.KeysUploadResponse, error) {
	var out types.KeysUploadResponse
	err := c.do(ctx, http.MethodPost, "/keys/upload", req, &out)
	return out, err
}

func (c *HTTP) QueryKeys(ctx context.Context, req types.KeysQueryRequest) (types.KeysQueryResponse, error) {
	var out types.KeysQueryResponse
	err := c.do(ctx, http.MethodPost, "/keys/query", req, &out)
	return out, err
}

func (c *HTTP) ClaimKeys(ctx context.Context, req types.KeysClaimRequest) (types.KeysClaimResponse, error) {
	var out types.KeysClaimResponse
	err := c.do(ctx, http.MethodPost, "/keys/claim", req, &out)
	return out, err
}

func (c *HTTP) UploadCrossSigningKeys(ctx context.Context, req types.CrossSigningKeysUpload) error {
	return c.do(ctx, http.MethodPost, "/keys/device_signing/upload", req, nil)
}

func (c *HTTP) UploadSignatures(ctx context.Context, req types.SignaturesUpload) error {
	return c.do(ctx, http.MethodPost, "/keys/signatures/upload", req, nil)
}

func (c *HTTP) SendToDevice(ctx context.Context, evType types.EventType, messages types.ToDeviceMessages) error {
	body := struct {
		Messages types.ToDeviceMessages `json:"messages"`
	}{messages}
	return c.do(ctx, http.MethodPut, "/sendToDevice/"+url.PathEscape(string(evType)), body, nil)
}

func (c *HTTP) CreateBackupVersion(ctx context.Context, info types.BackupVersionInfo) (string, error) {
	var out versionResponse
	err := c.do(ctx, http.MethodPost, "/room_keys/version", info, &out)
	return out.Version, err
}

func (c *HTTP) GetBackupVersion(ctx context.Context) (types.BackupVersionInfo, error) {
	var out types.BackupVersionInfo
	err := c.do(ctx, http.MethodGet, "/room_keys/version", nil, &out)
	return out, err
}

func (c *HTTP) PutRoomKeys(ctx context.Context, version string, records []types.BackupRecord) error {
	return c.do(ctx, http.MethodPut, "/room_keys/keys?version="+url.QueryEscape(version), backupKeysBody{Records: records}, nil)
}

func (c *HTTP) GetRoomKeys(ctx context.Context, version string) ([]types.BackupRecord, error) {
	var out backupKeysBody
	err := c.do(ctx, http.MethodGet, "/room_keys/keys?version="+url.QueryEscape(version), nil, &out)
	return out.Records, err
}

func (c *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	op := "relay " + method + " " + path
	if c.Base == "" {
		return errs.New(errs.CodeTransport, op, "no relay configured")
	}
	var body *bytes.Buffer
	if in != nil {
		body = new(bytes.Buffer)
		if err := json.NewEncoder(body).Encode(in); err != nil {
			return errs.Wrap(errs.CodeTransport, op, err)
		}
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.Base+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.Base+path, nil)
	}
	if err != nil {
		return errs.Wrap(errs.CodeTransport, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderUser, string(c.User))
	req.Header.Set(HeaderDevice, string(c.Device))
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errs.Wrap(errs.CodeTransport, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		e := &Error{Status: resp.StatusCode}
		if json.NewDecoder(resp.Body).Decode(e) != nil || e.Code == "" {
			e.Code, e.Message = "M_UNKNOWN", resp.Status
		}
		return errs.Wrap(errs.CodeTransport, op, fmt.Errorf("%w", e))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errs.Wrap(errs.CodeTransport, op, err)
		}
	}
	return nil
}
