package store

import (
	"fmt"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
)

// Buckets group records of one entity type. Keys inside a bucket sort so
// that prefix scans enumerate per user, room or sender key.
const (
	bucketAccount      = "account"
	bucketOlmSessions  = "olm_sessions"
	bucketWedged       = "olm_wedged"
	bucketOutbound     = "megolm_outbound"
	bucketInbound      = "megolm_inbound"
	bucketRoomSettings = "room_settings"
	bucketKeyRequests  = "key_requests"
	bucketDevices      = "devices"
	bucketDeviceIndex  = "device_by_key"
	bucketCrossSigning = "cross_signing"
	bucketBackup       = "backup"
	bucketSecrets      = "secrets"
	bucketSecretReqs   = "secret_requests"
)

const sep = "\x00"

// kvReader is the byte-level read surface every backend provides.
type kvReader interface {
	get(bucket, key string) ([]byte, bool, error)
	// scan calls fn for every key with prefix in ascending key order until fn
	// returns false.
	scan(bucket, prefix string, fn func(key string, val []byte) bool) error
}

type kvWriter interface {
	kvReader
	put(bucket, key string, val []byte) error
	del(bucket, key string) error
}

type reader struct{ kv kvReader }

type writer struct {
	reader
	kv kvWriter
}

func newReader(kv kvReader) reader { return reader{kv: kv} }

func newWriter(kv kvWriter) writer { return writer{reader: reader{kv: kv}, kv: kv} }

// Compile-time assertions that the typed wrappers satisfy the contract.
var (
	_ interfaces.ReadTx = reader{}
	_ interfaces.Tx     = writer{}
)

func getAs[T any](kv kvReader, bucket, key string) (*T, bool, error) {
	b, ok, err := kv.get(bucket, key)
	if err != nil || !ok {
		return nil, false, err
	}
	out := new(T)
	if err := unmarshal(b, out); err != nil {
		return nil, false, fmt.Errorf("decode %s/%q: %w", bucket, key, err)
	}
	return out, true, nil
}

func listAs[T any](kv kvReader, bucket, prefix string, limit int, keep func(*T) bool) ([]*T, error) {
	var (
		out     []*T
		loopErr error
	)
	err := kv.scan(bucket, prefix, func(key string, val []byte) bool {
		v := new(T)
		if err := unmarshal(val, v); err != nil {
			loopErr = fmt.Errorf("decode %s/%q: %w", bucket, key, err)
			return false
		}
		if keep != nil && !keep(v) {
			return true
		}
		out = append(out, v)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, loopErr
}

func putAs(kv kvWriter, bucket, key string, v any) error {
	b, err := marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%q: %w", bucket, key, err)
	}
	return kv.put(bucket, key, b)
}

func keyOf(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// --- reads ---

func (r reader) Account() (*domain.Account, bool, error) {
	return getAs[domain.Account](r.kv, bucketAccount, "")
}

func (r reader) OlmSession(senderKey domain.X25519Public, sessionID string) (*domain.OlmSession, bool, error) {
	return getAs[domain.OlmSession](r.kv, bucketOlmSessions, keyOf(senderKey.String(), sessionID))
}

func (r reader) OlmSessions(senderKey domain.X25519Public) ([]*domain.OlmSession, error) {
	return listAs[domain.OlmSession](r.kv, bucketOlmSessions, senderKey.String()+sep, 0, nil)
}

func (r reader) NeedsNewSession(senderKey domain.X25519Public) (bool, error) {
	_, ok, err := r.kv.get(bucketWedged, senderKey.String())
	return ok, err
}

func (r reader) OutboundGroupSession(roomID id.RoomID) (*domain.OutboundGroupSession, bool, error) {
	return getAs[domain.OutboundGroupSession](r.kv, bucketOutbound, string(roomID))
}

func (r reader) InboundGroupSession(roomID id.RoomID, senderKey domain.X25519Public, sessionID id.SessionID) (*domain.InboundGroupSession, bool, error) {
	return getAs[domain.InboundGroupSession](r.kv, bucketInbound, keyOf(string(roomID), senderKey.String(), string(sessionID)))
}

func (r reader) InboundGroupSessions(roomID id.RoomID) ([]*domain.InboundGroupSession, error) {
	return listAs[domain.InboundGroupSession](r.kv, bucketInbound, string(roomID)+sep, 0, nil)
}

func (r reader) InboundGroupSessionsToBackup(limit int) ([]*domain.InboundGroupSession, error) {
	return listAs(r.kv, bucketInbound, "", limit, func(s *domain.InboundGroupSession) bool { return !s.BackedUp })
}

func (r reader) AllInboundGroupSessions() ([]*domain.InboundGroupSession, error) {
	return listAs[domain.InboundGroupSession](r.kv, bucketInbound, "", 0, nil)
}

func (r reader) RoomSettings(roomID id.RoomID) (*domain.RoomSettings, bool, error) {
	return getAs[domain.RoomSettings](r.kv, bucketRoomSettings, string(roomID))
}

func (r reader) OutgoingKeyRequest(roomID id.RoomID, sessionID id.SessionID) (*types.OutgoingKeyRequest, bool, error) {
	return getAs[types.OutgoingKeyRequest](r.kv, bucketKeyRequests, keyOf(string(roomID), string(sessionID)))
}

func (r reader) Device(userID id.UserID, deviceID id.DeviceID) (*domain.Device, bool, error) {
	return getAs[domain.Device](r.kv, bucketDevices, keyOf(string(userID), string(deviceID)))
}

func (r reader) Devices(userID id.UserID) ([]*domain.Device, error) {
	return listAs[domain.Device](r.kv, bucketDevices, string(userID)+sep, 0, nil)
}

func (r reader) DeviceByIdentityKey(key domain.X25519Public) (*domain.Device, bool, error) {
	ref, ok, err := r.kv.get(bucketDeviceIndex, key.String())
	if err != nil || !ok {
		return nil, false, err
	}
	d, ok, err := getAs[domain.Device](r.kv, bucketDevices, string(ref))
	if err != nil || !ok || d.IdentityKey != key {
		// stale index entry from a since-rotated device key
		return nil, false, err
	}
	return d, true, nil
}

func (r reader) CrossSigning(userID id.UserID) (*domain.CrossSigningIdentity, bool, error) {
	return getAs[domain.CrossSigningIdentity](r.kv, bucketCrossSigning, string(userID))
}

func (r reader) BackupState() (*domain.BackupState, bool, error) {
	return getAs[domain.BackupState](r.kv, bucketBackup, "")
}

func (r reader) Secret(name types.SecretName) ([]byte, bool, error) {
	return r.kv.get(bucketSecrets, string(name))
}

func (r reader) SecretRequest(requestID string) (*types.SecretRequest, bool, error) {
	return getAs[types.SecretRequest](r.kv, bucketSecretReqs, requestID)
}

// --- writes ---

func (w writer) PutAccount(acc *domain.Account) error {
	return putAs(w.kv, bucketAccount, "", acc)
}

func (w writer) PutOlmSession(s *domain.OlmSession) error {
	return putAs(w.kv, bucketOlmSessions, keyOf(s.RemoteIdentityKey.String(), s.ID), s)
}

func (w writer) SetNeedsNewSession(senderKey domain.X25519Public, needed bool) error {
	if !needed {
		return w.kv.del(bucketWedged, senderKey.String())
	}
	return w.kv.put(bucketWedged, senderKey.String(), []byte{1})
}

func (w writer) PutOutboundGroupSession(s *domain.OutboundGroupSession) error {
	return putAs(w.kv, bucketOutbound, string(s.RoomID), s)
}

func (w writer) DeleteOutboundGroupSession(roomID id.RoomID) error {
	return w.kv.del(bucketOutbound, string(roomID))
}

func (w writer) PutInboundGroupSession(s *domain.InboundGroupSession) error {
	return putAs(w.kv, bucketInbound, keyOf(string(s.RoomID), s.SenderKey.String(), string(s.ID)), s)
}

func (w writer) PutRoomSettings(roomID id.RoomID, settings *domain.RoomSettings) error {
	return putAs(w.kv, bucketRoomSettings, string(roomID), settings)
}

func (w writer) PutOutgoingKeyRequest(roomID id.RoomID, req *types.OutgoingKeyRequest) error {
	return putAs(w.kv, bucketKeyRequests, keyOf(string(roomID), string(req.Body.SessionID)), req)
}

func (w writer) DeleteOutgoingKeyRequest(roomID id.RoomID, sessionID id.SessionID) error {
	return w.kv.del(bucketKeyRequests, keyOf(string(roomID), string(sessionID)))
}

func (w writer) PutDevice(d *domain.Device) error {
	key := keyOf(string(d.UserID), string(d.DeviceID))
	if err := putAs(w.kv, bucketDevices, key, d); err != nil {
		return err
	}
	return w.kv.put(bucketDeviceIndex, d.IdentityKey.String(), []byte(key))
}

func (w writer) PutCrossSigning(c *domain.CrossSigningIdentity) error {
	return putAs(w.kv, bucketCrossSigning, string(c.UserID), c)
}

func (w writer) PutBackupState(s *domain.BackupState) error {
	return putAs(w.kv, bucketBackup, "", s)
}

func (w writer) PutSecret(name types.SecretName, value []byte) error {
	return w.kv.put(bucketSecrets, string(name), append([]byte(nil), value...))
}

func (w writer) DeleteSecret(name types.SecretName) error {
	return w.kv.del(bucketSecrets, string(name))
}

func (w writer) PutSecretRequest(r *types.SecretRequest) error {
	return putAs(w.kv, bucketSecretReqs, r.RequestID, r)
}

func (w writer) DeleteSecretRequest(requestID string) error {
	return w.kv.del(bucketSecretReqs, requestID)
}
