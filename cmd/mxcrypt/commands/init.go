package commands

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/app"
	"mxcrypt/internal/store"
)

func initCmd() *cobra.Command {
	var user, device, backend string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the device account and write the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.UserID != "" {
				return fmt.Errorf("%s is already initialised for %s/%s", home, cfg.UserID, cfg.DeviceID)
			}
			userID := id.UserID(user)
			if _, _, err := userID.Parse(); err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			if device == "" {
				device = newDeviceID()
			}
			cfg.UserID, cfg.DeviceID = userID, id.DeviceID(device)
			if backend != "" {
				cfg.Store.Backend = backend
			}
			if cfg.Store.Backend == store.BackendFile {
				if err := app.CheckPassphrase(cfg.StoreOptions(passphrase).Passphrase); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			if err := app.SaveConfig(home, cfg); err != nil {
				return err
			}
			fp, err := a.Machine.Account.Fingerprint(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printf(out, "Device %s created for %s.\n", cfg.DeviceID, cfg.UserID)
			printf(out, "Identity key: %s\nFingerprint:  %s\n", a.Machine.IdentityKey(), fp)

			if cfg.RelayURL == "" {
				printf(out, "No relay configured; run `mxcrypt keys upload --relay URL` to publish keys.\n")
				return nil
			}
			if err := a.Machine.ShareKeys(cmd.Context()); err != nil {
				return err
			}
			printf(out, "Keys published to %s\n", cfg.RelayURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Matrix user id, e.g. @alice:example.org")
	cmd.Flags().StringVar(&device, "device", "", "device id (default random)")
	cmd.Flags().StringVar(&backend, "store", "", "store backend: memory, file or sqlite")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newDeviceID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the device keys and fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			fp, err := a.Machine.Account.Fingerprint(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printf(out, "User:         %s\nDevice:       %s\n", a.Machine.UserID(), a.Machine.DeviceID())
			printf(out, "Identity key: %s\nFingerprint:  %s\n", a.Machine.IdentityKey(), fp)
			return nil
		},
	}
}
