package types

import "maunium.net/go/mautrix/id"

// KeysUploadRequest is the /keys/upload body.
type KeysUploadRequest struct {
	DeviceKeys   *DeviceKeys            `json:"device_keys,omitempty"`
	OneTimeKeys  map[id.KeyID]KeyObject `json:"one_time_keys,omitempty"`
	FallbackKeys map[id.KeyID]KeyObject `json:"fallback_keys,omitempty"`
}

// KeysUploadResponse reports how many keys the server holds.
type KeysUploadResponse struct {
	OneTimeKeyCounts map[id.KeyAlgorithm]int `json:"one_time_key_counts"`
}

// KeysQueryRequest is the /keys/query body; an empty device list means all.
type KeysQueryRequest struct {
	DeviceKeys map[id.UserID][]id.DeviceID `json:"device_keys"`
}

// KeysQueryResponse carries device keys and cross-signing keys.
type KeysQueryResponse struct {
	DeviceKeys      map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
	MasterKeys      map[id.UserID]CrossSigningKey            `json:"master_keys,omitempty"`
	SelfSigningKeys map[id.UserID]CrossSigningKey            `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[id.UserID]CrossSigningKey            `json:"user_signing_keys,omitempty"`
}

// KeysClaimRequest is the /keys/claim body.
type KeysClaimRequest struct {
	OneTimeKeys map[id.UserID]map[id.DeviceID]id.KeyAlgorithm `json:"one_time_keys"`
}

// KeysClaimResponse returns at most one key per device.
type KeysClaimResponse struct {
	OneTimeKeys map[id.UserID]map[id.DeviceID]map[id.KeyID]KeyObject `json:"one_time_keys"`
}

// CrossSigningKeysUpload is the /keys/device_signing/upload body.
type CrossSigningKeysUpload struct {
	Master      *CrossSigningKey `json:"master_key,omitempty"`
	SelfSigning *CrossSigningKey `json:"self_signing_key,omitempty"`
	UserSigning *CrossSigningKey `json:"user_signing_key,omitempty"`
}

// SignaturesUpload is the /keys/signatures/upload body: signed objects keyed
// by user and by device id or master key.
type SignaturesUpload map[id.UserID]map[string]any
