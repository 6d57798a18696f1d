package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain/types"
)

// Error is a relay failure with the HTTP status it maps to.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func notFound(format string, args ...any) *Error {
	return &Error{Status: http.StatusNotFound, Code: "M_NOT_FOUND", Message: fmt.Sprintf(format, args...)}
}

func badRequest(format string, args ...any) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "M_BAD_JSON", Message: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a relay 404.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}

// RoomEvent is one event of a room timeline.
type RoomEvent struct {
	Index        int             `json:"index"`
	RoomID       id.RoomID       `json:"room_id"`
	Sender       id.UserID       `json:"sender"`
	SenderDevice id.DeviceID     `json:"sender_device,omitempty"`
	Type         types.EventType `json:"type"`
	Content      json.RawMessage `json:"content"`
}

type backupVersion struct {
	info types.BackupVersionInfo
	keys map[id.SessionID]types.BackupRecord
}

type room struct {
	members map[id.UserID]bool
	events  []RoomEvent
}

// Server is an in-memory stand-in for the homeserver APIs the engine uses:
// key upload/query/claim, cross-signing, to-device queues, key backup and a
// minimal room timeline. It only ever holds public keys and ciphertext.
type Server struct {
	mu sync.RWMutex

	devices  map[id.UserID]map[id.DeviceID]types.DeviceKeys
	otks     map[id.UserID]map[id.DeviceID]map[id.KeyID]types.KeyObject
	fallback map[id.UserID]map[id.DeviceID]map[id.KeyID]types.KeyObject

	master      map[id.UserID]types.CrossSigningKey
	selfSigning map[id.UserID]types.CrossSigningKey
	userSigning map[id.UserID]types.CrossSigningKey

	inbox map[id.UserID]map[id.DeviceID][]types.ToDeviceEvent

	backups []*backupVersion
	rooms   map[id.RoomID]*room
}

// NewServer returns an empty relay.
func NewServer() *Server {
	return &Server{
		devices:     map[id.UserID]map[id.DeviceID]types.DeviceKeys{},
		otks:        map[id.UserID]map[id.DeviceID]map[id.KeyID]types.KeyObject{},
		fallback:    map[id.UserID]map[id.DeviceID]map[id.KeyID]types.KeyObject{},
		master:      map[id.UserID]types.CrossSigningKey{},
		selfSigning: map[id.UserID]types.CrossSigningKey{},
		userSigning: map[id.UserID]types.CrossSigningKey{},
		inbox:       map[id.UserID]map[id.DeviceID][]types.ToDeviceEvent{},
		rooms:       map[id.RoomID]*room{},
	}
}

func nested[K1, K2 comparable, V any](m map[K1]map[K2]V, k K1) map[K2]V {
	if m[k] == nil {
		m[k] = map[K2]V{}
	}
	return m[k]
}

// UploadKeys stores the caller's device keys and one-time keys.
func (s *Server) UploadKeys(user id.UserID, device id.DeviceID, req types.KeysUploadRequest) (types.KeysUploadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dk := req.DeviceKeys; dk != nil {
		if dk.UserID != user || dk.DeviceID != device {
			return types.KeysUploadResponse{}, badRequest("device keys for %s/%s uploaded by %s/%s", dk.UserID, dk.DeviceID, user, device)
		}
		nested(s.devices, user)[device] = *dk
	}
	otks := nested(s.otks, user)
	if otks[device] == nil {
		otks[device] = map[id.KeyID]types.KeyObject{}
	}
	for kid, k := range req.OneTimeKeys {
		otks[device][kid] = k
	}
	if len(req.FallbackKeys) > 0 {
		nested(s.fallback, user)[device] = req.FallbackKeys
	}
	return types.KeysUploadResponse{OneTimeKeyCounts: map[id.KeyAlgorithm]int{
		id.KeyAlgorithmSignedCurve25519: len(otks[device]),
	}}, nil
}

// QueryKeys returns the requested users' devices and cross-signing keys.
// The device list of each user is ignored; all devices are returned.
func (s *Server) QueryKeys(req types.KeysQueryRequest) types.KeysQueryResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp := types.KeysQueryResponse{
		DeviceKeys:      map[id.UserID]map[id.DeviceID]types.DeviceKeys{},
		MasterKeys:      map[id.UserID]types.CrossSigningKey{},
		SelfSigningKeys: map[id.UserID]types.CrossSigningKey{},
		UserSigningKeys: map[id.UserID]types.CrossSigningKey{},
	}
	for user := range req.DeviceKeys {
		devs := map[id.DeviceID]types.DeviceKeys{}
		for did, dk := range s.devices[user] {
			devs[did] = dk
		}
		resp.DeviceKeys[user] = devs
		if k, ok := s.master[user]; ok {
			resp.MasterKeys[user] = k
		}
		if k, ok := s.selfSigning[user]; ok {
			resp.SelfSigningKeys[user] = k
		}
		if k, ok := s.userSigning[user]; ok {
			resp.UserSigningKeys[user] = k
		}
	}
	return resp
}

// ClaimKeys hands out one one-time key per requested device, falling back to
// the device's fallback key when its pool is empty.
func (s *Server) ClaimKeys(req types.KeysClaimRequest) types.KeysClaimResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := types.KeysClaimResponse{OneTimeKeys: map[id.UserID]map[id.DeviceID]map[id.KeyID]types.KeyObject{}}
	for user, devices := range req.OneTimeKeys {
		for device, alg := range devices {
			kid, key, ok := s.popKey(user, device, alg)
			if !ok {
				continue
			}
			nested(resp.OneTimeKeys, user)[device] = map[id.KeyID]types.KeyObject{kid: key}
		}
	}
	return resp
}

func (s *Server) popKey(user id.UserID, device id.DeviceID, alg id.KeyAlgorithm) (id.KeyID, types.KeyObject, bool) {
	pool := s.otks[user][device]
	ids := make([]id.KeyID, 0, len(pool))
	for kid := range pool {
		if a, _ := kid.Parse(); a == alg {
			ids = append(ids, kid)
		}
	}
	if len(ids) > 0 {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		k := pool[ids[0]]
		delete(pool, ids[0])
		return ids[0], k, true
	}
	for kid, k := range s.fallback[user][device] {
		if a, _ := kid.Parse(); a == alg {
			return kid, k, true
		}
	}
	return "", types.KeyObject{}, false
}

// UploadCrossSigningKeys replaces the caller's published cross-signing keys.
func (s *Server) UploadCrossSigningKeys(user id.UserID, req types.CrossSigningKeysUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range []*types.CrossSigningKey{req.Master, req.SelfSigning, req.UserSigning} {
		if k != nil && k.UserID != user {
			return badRequest("cross-signing key for %s uploaded by %s", k.UserID, user)
		}
	}
	if req.Master != nil {
		s.master[user] = *req.Master
	}
	if req.SelfSigning != nil {
		s.selfSigning[user] = *req.SelfSigning
	}
	if req.UserSigning != nil {
		s.userSigning[user] = *req.UserSigning
	}
	return nil
}

// UploadSignatures merges the signatures of each uploaded object into the
// published device or cross-signing key it names. Objects are keyed by
// device id or by master public key.
func (s *Server) UploadSignatures(req types.SignaturesUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, objects := range req {
		for key, obj := range objects {
			sigs, err := signaturesOf(obj)
			if err != nil {
				return badRequest("signatures for %s/%s: %v", user, key, err)
			}
			if dk, ok := s.devices[user][id.DeviceID(key)]; ok {
				mergeSignatures(&dk.Signatures, sigs)
				s.devices[user][id.DeviceID(key)] = dk
				continue
			}
			m, ok := s.master[user]
			if pub, has := m.PublicKey(); !ok || !has || pub.String() != key {
				return notFound("no key %s for %s", key, user)
			}
			mergeSignatures(&m.Signatures, sigs)
			s.master[user] = m
		}
	}
	return nil
}

func signaturesOf(obj any) (types.Signatures, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var signed struct {
		Signatures types.Signatures `json:"signatures"`
	}
	err = json.Unmarshal(raw, &signed)
	return signed.Signatures, err
}

func mergeSignatures(dst *types.Signatures, src types.Signatures) {
	for user, keys := range src {
		for kid, sig := range keys {
			dst.Add(user, kid, sig)
		}
	}
}

// SendToDevice queues one event per recipient, stamped with the sending
// device. The device id "*" addresses every device of the user.
func (s *Server) SendToDevice(sender id.UserID, senderDevice id.DeviceID, evType types.EventType, messages types.ToDeviceMessages) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, devices := range messages {
		for device, content := range devices {
			raw, err := json.Marshal(content)
			if err != nil {
				return badRequest("to-device content: %v", err)
			}
			ev := types.ToDeviceEvent{Sender: sender, SenderDevice: senderDevice, Type: evType, Content: raw}
			targets := []id.DeviceID{device}
			if device == "*" {
				targets = targets[:0]
				for did := range s.devices[user] {
					targets = append(targets, did)
				}
			}
			inbox := nested(s.inbox, user)
			for _, did := range targets {
				inbox[did] = append(inbox[did], ev)
			}
		}
	}
	return nil
}

// FetchToDevice drains the caller's to-device queue.
func (s *Server) FetchToDevice(user id.UserID, device id.DeviceID) []types.ToDeviceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.inbox[user][device]
	if len(evs) > 0 {
		s.inbox[user][device] = nil
	}
	return evs
}

// CreateBackupVersion starts a new backup version and returns its name.
func (s *Server) CreateBackupVersion(info types.BackupVersionInfo) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.Version = strconv.Itoa(len(s.backups) + 1)
	info.Count = 0
	s.backups = append(s.backups, &backupVersion{info: info, keys: map[id.SessionID]types.BackupRecord{}})
	return info.Version
}

// GetBackupVersion returns the current backup version.
func (s *Server) GetBackupVersion() (types.BackupVersionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.backups) == 0 {
		return types.BackupVersionInfo{}, notFound("no backup found")
	}
	b := s.backups[len(s.backups)-1]
	info := b.info
	info.Count = len(b.keys)
	return info, nil
}

func (s *Server) currentBackup(version string) (*backupVersion, error) {
	if len(s.backups) == 0 {
		return nil, notFound("no backup found")
	}
	b := s.backups[len(s.backups)-1]
	if b.info.Version != version {
		return nil, &Error{Status: http.StatusForbidden, Code: "M_WRONG_ROOM_KEYS_VERSION", Message: "current version is " + b.info.Version}
	}
	return b, nil
}

// PutRoomKeys stores records in the current backup version. A record only
// replaces an existing one if it reaches further back in the session.
func (s *Server) PutRoomKeys(version string, records []types.BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.currentBackup(version)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if old, ok := b.keys[rec.SessionID]; ok && old.FirstMessageIndex <= rec.FirstMessageIndex {
			continue
		}
		b.keys[rec.SessionID] = rec
	}
	return nil
}

// GetRoomKeys returns every record of the given backup version.
func (s *Server) GetRoomKeys(version string) ([]types.BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.currentBackup(version)
	if err != nil {
		return nil, err
	}
	out := make([]types.BackupRecord, 0, len(b.keys))
	for _, rec := range b.keys {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// JoinRoom adds user to the room, creating it if needed.
func (s *Server) JoinRoom(roomID id.RoomID, user id.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{members: map[id.UserID]bool{}}
		s.rooms[roomID] = r
	}
	r.members[user] = true
}

// LeaveRoom removes user from the room.
func (s *Server) LeaveRoom(roomID id.RoomID, user id.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		delete(r.members, user)
	}
}

// Members lists the room's members.
func (s *Server) Members(roomID id.RoomID) ([]id.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, notFound("unknown room %s", roomID)
	}
	out := make([]id.UserID, 0, len(r.members))
	for u := range r.members {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SendRoomEvent appends an event to the room timeline.
func (s *Server) SendRoomEvent(roomID id.RoomID, sender id.UserID, device id.DeviceID, evType types.EventType, content json.RawMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || !r.members[sender] {
		return 0, &Error{Status: http.StatusForbidden, Code: "M_FORBIDDEN", Message: fmt.Sprintf("%s is not in %s", sender, roomID)}
	}
	ev := RoomEvent{Index: len(r.events), RoomID: roomID, Sender: sender, SenderDevice: device, Type: evType, Content: content}
	r.events = append(r.events, ev)
	return ev.Index, nil
}

// RoomEvents returns the timeline from index from onwards.
func (s *Server) RoomEvents(roomID id.RoomID, from int) ([]RoomEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, notFound("unknown room %s", roomID)
	}
	if from < 0 || from >= len(r.events) {
		return nil, nil
	}
	return append([]RoomEvent(nil), r.events[from:]...), nil
}
