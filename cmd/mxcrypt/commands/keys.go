package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain/types"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage published device keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "upload",
		Short: "Publish device keys and top up one-time keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRelay(); err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			if err := a.Machine.ShareKeys(cmd.Context()); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Keys uploaded\n")
			return nil
		},
	})
	return cmd
}

// devices <user>...: refresh and list the users' devices with their trust.
func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices <user>...",
		Short: "Query and list devices with their trust state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRelay(); err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			users := make([]id.UserID, len(args))
			for i, u := range args {
				users[i] = id.UserID(u)
			}
			events, err := a.Machine.UpdateDevices(ctx, users...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printTrustEvents(out, events)

			devices, err := a.Machine.Devices(ctx, users...)
			if err != nil {
				return err
			}
			for _, d := range devices {
				v, err := a.Machine.Trust.DeviceTrust(ctx, d)
				if err != nil {
					return err
				}
				cross := ""
				if v.CrossSigned {
					cross = " (cross-signed)"
				}
				printf(out, "%s %s %s %s%s\n", d.UserID, d.DeviceID, d.SigningKey, v.State, cross)
			}
			return nil
		},
	}
}

func printTrustEvents(w io.Writer, events []types.TrustEvent) {
	for _, ev := range events {
		switch ev.Kind {
		case types.TrustIdentityChanged:
			printf(w, "WARNING: %s changed their identity\n", ev.UserID)
		case types.TrustDeviceAdded:
			printf(w, "New device %s %s\n", ev.UserID, ev.DeviceID)
		case types.TrustDeviceRemoved:
			printf(w, "Device removed %s %s\n", ev.UserID, ev.DeviceID)
		default:
			printf(w, "%s %s %s: %s -> %s\n", ev.Kind, ev.UserID, ev.DeviceID, ev.Old, ev.New)
		}
	}
}

func parseTrust(s string) (types.TrustState, error) {
	for _, st := range []types.TrustState{types.TrustUnset, types.TrustVerified, types.TrustBlacklisted, types.TrustIgnored} {
		if st.String() == s {
			return st, nil
		}
	}
	return types.TrustUnset, fmt.Errorf("unknown trust state %q (want verified, blacklisted, ignored or unset)", s)
}

// trust <user> <device> <state>: pin a device locally.
func trustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <user> <device> <verified|blacklisted|ignored|unset>",
		Short: "Set the local trust of a device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := parseTrust(args[2])
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			if err := a.Machine.Trust.SetLocalTrust(cmd.Context(), id.UserID(args[0]), id.DeviceID(args[1]), state); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s %s is now %s\n", args[0], args[1], state)
			return nil
		},
	}
}

func crossSigningCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cross-signing",
		Short: "Manage cross-signing keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "bootstrap",
		Short: "Create and publish master, self-signing and user-signing keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRelay(); err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			if err := a.Machine.BootstrapCrossSigning(cmd.Context()); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Cross-signing keys published\n")
			return nil
		},
	}, &cobra.Command{
		Use:   "status",
		Short: "Show which cross-signing keys are known",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			st, err := a.Machine.Trust.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printf(out, "Master:       %t\nSelf-signing: %t\nUser-signing: %t\nPrivate keys: %t\n",
				st.HasMaster, st.HasSelfSigning, st.HasUserSigning, st.HasPrivateKeys)
			return nil
		},
	})
	return cmd
}
