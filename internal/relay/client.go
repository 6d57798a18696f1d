package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain/types"
)

// The calls below are not part of the engine's Transport; the CLI uses them
// to sync and to read and write room timelines.

// FetchToDevice drains this device's to-device queue.
func (c *HTTP) FetchToDevice(ctx context.Context) ([]types.ToDeviceEvent, error) {
	var out toDeviceResponse
	err := c.do(ctx, http.MethodGet, "/sync/to_device", nil, &out)
	return out.Events, err
}

// JoinRoom adds this user to the room.
func (c *HTTP) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "join"), struct{}{}, nil)
}

// LeaveRoom removes this user from the room.
func (c *HTTP) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "leave"), struct{}{}, nil)
}

// Members lists the room's members.
func (c *HTTP) Members(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	var out membersResponse
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "members"), nil, &out)
	return out.Members, err
}

// SendRoomEvent posts content to the room timeline and returns its index.
func (c *HTTP) SendRoomEvent(ctx context.Context, roomID id.RoomID, evType types.EventType, content any) (int, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return 0, err
	}
	var out sendResponse
	err = c.do(ctx, http.MethodPut, roomPath(roomID, "send/"+url.PathEscape(string(evType))), json.RawMessage(raw), &out)
	return out.Index, err
}

// RoomEvents returns the timeline from index from onwards.
func (c *HTTP) RoomEvents(ctx context.Context, roomID id.RoomID, from int) ([]RoomEvent, error) {
	var out messagesResponse
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "messages")+"?from="+strconv.Itoa(from), nil, &out)
	return out.Events, err
}

func roomPath(roomID id.RoomID, rest string) string {
	return "/rooms/" + url.PathEscape(string(roomID)) + "/" + rest
}
