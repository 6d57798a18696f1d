package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain/types"
)

// Headers naming the calling device. The dev relay does not authenticate.
const (
	HeaderUser   = "X-Mxcrypt-User"
	HeaderDevice = "X-Mxcrypt-Device"
)

type backupKeysBody struct {
	Records []types.BackupRecord `json:"records"`
}

type toDeviceBody struct {
	Messages map[id.UserID]map[id.DeviceID]json.RawMessage `json:"messages"`
}

type toDeviceResponse struct {
	Events []types.ToDeviceEvent `json:"events"`
}

type versionResponse struct {
	Version string `json:"version"`
}

type membersResponse struct {
	Members []id.UserID `json:"members"`
}

type sendResponse struct {
	Index int `json:"index"`
}

type messagesResponse struct {
	Events []RoomEvent `json:"events"`
}

// Handler exposes the server over HTTP with JSON bodies.
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /keys/upload", func(w http.ResponseWriter, r *http.Request) {
		var req types.KeysUploadRequest
		if !decode(w, r, &req) {
			return
		}
		user, device := caller(r)
		resp, err := s.UploadKeys(user, device, req)
		reply(w, resp, err)
	})
	mux.HandleFunc("POST /keys/query", func(w http.ResponseWriter, r *http.Request) {
		var req types.KeysQueryRequest
		if decode(w, r, &req) {
			reply(w, s.QueryKeys(req), nil)
		}
	})
	mux.HandleFunc("POST /keys/claim", func(w http.ResponseWriter, r *http.Request) {
		var req types.KeysClaimRequest
		if decode(w, r, &req) {
			reply(w, s.ClaimKeys(req), nil)
		}
	})
	mux.HandleFunc("POST /keys/device_signing/upload", func(w http.ResponseWriter, r *http.Request) {
		var req types.CrossSigningKeysUpload
		if decode(w, r, &req) {
			user, _ := caller(r)
			reply(w, struct{}{}, s.UploadCrossSigningKeys(user, req))
		}
	})
	mux.HandleFunc("POST /keys/signatures/upload", func(w http.ResponseWriter, r *http.Request) {
		var req types.SignaturesUpload
		if decode(w, r, &req) {
			reply(w, struct{}{}, s.UploadSignatures(req))
		}
	})

	mux.HandleFunc("PUT /sendToDevice/{type}", func(w http.ResponseWriter, r *http.Request) {
		var body toDeviceBody
		if !decode(w, r, &body) {
			return
		}
		msgs := types.ToDeviceMessages{}
		for user, devices := range body.Messages {
			for device, content := range devices {
				msgs.Add(user, device, content)
			}
		}
		user, device := caller(r)
		reply(w, struct{}{}, s.SendToDevice(user, device, types.EventType(r.PathValue("type")), msgs))
	})
	mux.HandleFunc("GET /sync/to_device", func(w http.ResponseWriter, r *http.Request) {
		user, device := caller(r)
		reply(w, toDeviceResponse{Events: s.FetchToDevice(user, device)}, nil)
	})

	mux.HandleFunc("POST /room_keys/version", func(w http.ResponseWriter, r *http.Request) {
		var info types.BackupVersionInfo
		if decode(w, r, &info) {
			reply(w, versionResponse{Version: s.CreateBackupVersion(info)}, nil)
		}
	})
	mux.HandleFunc("GET /room_keys/version", func(w http.ResponseWriter, r *http.Request) {
		info, err := s.GetBackupVersion()
		reply(w, info, err)
	})
	mux.HandleFunc("PUT /room_keys/keys", func(w http.ResponseWriter, r *http.Request) {
		var body backupKeysBody
		if decode(w, r, &body) {
			reply(w, struct{}{}, s.PutRoomKeys(r.URL.Query().Get("version"), body.Records))
		}
	})
	mux.HandleFunc("GET /room_keys/keys", func(w http.ResponseWriter, r *http.Request) {
		recs, err := s.GetRoomKeys(r.URL.Query().Get("version"))
		reply(w, backupKeysBody{Records: recs}, err)
	})

	mux.HandleFunc("POST /rooms/{room}/join", func(w http.ResponseWriter, r *http.Request) {
		user, _ := caller(r)
		s.JoinRoom(id.RoomID(r.PathValue("room")), user)
		reply(w, struct{}{}, nil)
	})
	mux.HandleFunc("POST /rooms/{room}/leave", func(w http.ResponseWriter, r *http.Request) {
		user, _ := caller(r)
		s.LeaveRoom(id.RoomID(r.PathValue("room")), user)
		reply(w, struct{}{}, nil)
	})
	mux.HandleFunc("GET /rooms/{room}/members", func(w http.ResponseWriter, r *http.Request) {
		members, err := s.Members(id.RoomID(r.PathValue("room")))
		reply(w, membersResponse{Members: members}, err)
	})
	mux.HandleFunc("PUT /rooms/{room}/send/{type}", func(w http.ResponseWriter, r *http.Request) {
		var content json.RawMessage
		if !decode(w, r, &content) {
			return
		}
		user, device := caller(r)
		idx, err := s.SendRoomEvent(id.RoomID(r.PathValue("room")), user, device, types.EventType(r.PathValue("type")), content)
		reply(w, sendResponse{Index: idx}, err)
	})
	mux.HandleFunc("GET /rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
		from, _ := strconv.Atoi(r.URL.Query().Get("from"))
		evs, err := s.RoomEvents(id.RoomID(r.PathValue("room")), from)
		reply(w, messagesResponse{Events: evs}, err)
	})

	return accessLog(log, mux)
}

func caller(r *http.Request) (id.UserID, id.DeviceID) {
	return id.UserID(r.Header.Get(HeaderUser)), id.DeviceID(r.Header.Get(HeaderDevice))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		reply(w, nil, badRequest("%v", err))
		return false
	}
	return true
}

func reply(w http.ResponseWriter, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = &Error{Status: http.StatusInternalServerError, Code: "M_UNKNOWN", Message: err.Error()}
		}
		w.WriteHeader(e.Status)
		_ = json.NewEncoder(w).Encode(e)
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func accessLog(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Str("user_id", r.Header.Get(HeaderUser)).
			Int("status", sw.status).
			Int("bytes", sw.bytes).
			Dur("duration", time.Since(start)).
			Msg("Handled request")
	})
}
