package commands

import (
	"io"

	"github.com/spf13/cobra"

	"mxcrypt/internal/app"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/engine"
)

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Process to-device events, top up keys and upload backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			return syncOnce(cmd, a, true)
		},
	}
}

// syncOnce drains the to-device queue through the engine, then does the
// periodic housekeeping: one-time key top-up, verification timeouts and
// backup upload.
func syncOnce(cmd *cobra.Command, a *app.App, verbose bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	events, err := a.Relay.FetchToDevice(ctx)
	if err != nil {
		return err
	}
	for _, res := range a.Machine.HandleToDevice(ctx, events) {
		if verbose || res.Verification != nil || res.Secret != "" {
			printResult(out, res)
		}
	}
	if err := a.Machine.ShareKeys(ctx); err != nil {
		return err
	}
	if err := a.Machine.SweepVerifications(ctx); err != nil {
		return err
	}
	if st, ok, err := a.Machine.Backup.State(ctx); err != nil {
		return err
	} else if ok && st.Enabled {
		n, err := a.Machine.UploadBackup(ctx)
		if err != nil {
			return err
		}
		if n > 0 && verbose {
			printf(out, "Backed up %d sessions\n", n)
		}
	}
	return nil
}

func printResult(w io.Writer, res engine.ToDeviceResult) {
	switch {
	case res.Err != nil:
		printf(w, "%s from %s: %s\n", res.Type, res.Sender, reason(res.Err))
	case res.Verification != nil:
		printStep(w, res.Verification)
	case res.Secret != "":
		printf(w, "Received secret %s\n", res.Secret)
	case res.Type == types.EventRoomKey || res.Type == types.EventForwardedRoomKey:
		printf(w, "Received %s from %s\n", res.Type, res.Sender)
	default:
		printf(w, "%s from %s\n", res.Type, res.Sender)
	}
}
