package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
)

// textMessage is the m.room.message content the CLI sends and reads.
type textMessage struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

func roomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Join, leave and list rooms on the relay",
	}
	join := &cobra.Command{
		Use:  "join <room>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			return a.Relay.JoinRoom(cmd.Context(), id.RoomID(args[0]))
		},
	}
	leave := &cobra.Command{
		Use:  "leave <room>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			return a.Relay.LeaveRoom(cmd.Context(), id.RoomID(args[0]))
		},
	}
	members := &cobra.Command{
		Use:  "members <room>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			list, err := a.Relay.Members(cmd.Context(), id.RoomID(args[0]))
			if err != nil {
				return err
			}
			for _, u := range list {
				printf(cmd.OutOrStdout(), "%s\n", u)
			}
			return nil
		},
	}
	cmd.AddCommand(join, leave, members)
	return cmd
}

// send <room> <message>: encrypt for the room's members and post it.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <room> <message>",
		Short: "Encrypt and send a message to a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			roomID := id.RoomID(args[0])
			members, err := a.Relay.Members(ctx, roomID)
			if err != nil {
				return err
			}
			if _, err := a.Machine.UpdateDevices(ctx, members...); err != nil {
				return err
			}
			ev, err := a.Machine.EncryptRoomEvent(ctx, roomID, members, "m.room.message", textMessage{MsgType: "m.text", Body: args[1]})
			if err != nil {
				return err
			}
			idx, err := a.Relay.SendRoomEvent(ctx, roomID, types.EventEncrypted, ev.Content)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range ev.Withheld {
				printf(out, "Withheld from %s %s: %s\n", w.UserID, w.DeviceID, w.Reason)
			}
			printf(out, "sent #%d\n", idx)
			return nil
		},
	}
}

// read <room>: sync, then decrypt the room timeline.
func readCmd() *cobra.Command {
	var from int
	cmd := &cobra.Command{
		Use:   "read <room>",
		Short: "Fetch and decrypt a room's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if err := syncOnce(cmd, a, false); err != nil {
				return err
			}
			roomID := id.RoomID(args[0])
			events, err := a.Relay.RoomEvents(ctx, roomID, from)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if ev.Type != types.EventEncrypted {
					continue
				}
				var content types.EncryptedMegolmContent
				if err := json.Unmarshal(ev.Content, &content); err != nil {
					printf(out, "#%d [%s] ** malformed event **\n", ev.Index, ev.Sender)
					continue
				}
				dec, err := a.Machine.DecryptRoomEvent(ctx, roomID, ev.Sender, &content)
				if err != nil {
					printf(out, "#%d [%s] ** unable to decrypt: %s **\n", ev.Index, ev.Sender, reason(err))
					continue
				}
				var msg textMessage
				_ = json.Unmarshal(dec.Content, &msg)
				printf(out, "#%d [%s] (%s) %s\n", ev.Index, ev.Sender, dec.SenderTrust, msg.Body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "first timeline index to read")
	return cmd
}

func reason(err error) string {
	if code := errs.CodeOf(err); code != "" {
		return string(code)
	}
	return err.Error()
}
