package commands

import (
	"os"

	"github.com/spf13/cobra"

	"mxcrypt/internal/app"
	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain/types"
)

// writeKeyFile seals the recovery key under the CLI passphrase.
func writeKeyFile(path, recoveryKey string) error {
	if err := app.CheckPassphrase(passphrase); err != nil {
		return err
	}
	blob, err := crypto.SealWithPassphrase(passphrase, []byte(recoveryKey))
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

func readKeyFile(path string) (string, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	key, err := crypto.OpenWithPassphrase(passphrase, blob)
	if err != nil {
		return "", err
	}
	return string(key), nil
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Server-side room key backup",
	}
	var keyFile string
	setup := &cobra.Command{
		Use:   "setup",
		Short: "Create a backup version and print its recovery key",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			if keyFile != "" {
				if err := app.CheckPassphrase(passphrase); err != nil {
					return err
				}
			}
			version, recoveryKey, err := a.Machine.SetupBackup(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printf(out, "Backup version %s enabled.\n", version)
			if keyFile != "" {
				if err := writeKeyFile(keyFile, recoveryKey); err != nil {
					return err
				}
				printf(out, "Recovery key sealed to %s\n", keyFile)
				return nil
			}
			printf(out, "Recovery key (store it safely, it is not shown again):\n\n    %s\n\n", recoveryKey)
			return nil
		},
	}
	setup.Flags().StringVar(&keyFile, "key-file", "", "seal the recovery key with --passphrase into this file instead of printing it")

	upload := &cobra.Command{
		Use:   "upload",
		Short: "Upload sessions not yet in the backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			n, err := a.Machine.UploadBackup(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Backed up %d sessions\n", n)
			return nil
		},
	}
	var fromSecret bool
	restore := &cobra.Command{
		Use:   "restore [recovery-key]",
		Short: "Import every session from the current backup",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			var results []types.RestoreResult
			switch {
			case len(args) == 1:
				results, err = a.Machine.RestoreBackup(cmd.Context(), args[0])
			case keyFile != "" && !fromSecret:
				key, kerr := readKeyFile(keyFile)
				if kerr != nil {
					return kerr
				}
				results, err = a.Machine.RestoreBackup(cmd.Context(), key)
			default:
				results, err = a.Machine.RestoreBackupFromSecret(cmd.Context())
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			restored := 0
			for _, r := range results {
				if r.Err != nil {
					printf(out, "Failed %s %s: %s\n", r.RoomID, r.SessionID, reason(r.Err))
					continue
				}
				restored++
			}
			printf(out, "Restored %d of %d sessions\n", restored, len(results))
			return nil
		},
	}
	restore.Flags().StringVar(&keyFile, "key-file", "", "read the recovery key sealed by backup setup --key-file")
	restore.Flags().BoolVar(&fromSecret, "from-secret", false, "use the backup key received from another device")
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the local backup state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			st, ok, err := a.Machine.Backup.State(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok || !st.Enabled {
				printf(out, "Backup disabled\n")
				return nil
			}
			printf(out, "Backup version %s, key %s\n", st.Version, st.PublicKey)
			return nil
		},
	}
	disable := &cobra.Command{
		Use:   "disable",
		Short: "Stop backing up to the current version",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			return a.Machine.Backup.DisableBackup(cmd.Context())
		},
	}
	cmd.AddCommand(setup, upload, restore, status, disable)
	return cmd
}

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Share cross-signing and backup keys between own devices",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "request",
		Short: "Ask our other devices for the secrets this device lacks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			if err := a.Machine.RequestSecrets(cmd.Context()); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Requested; run `mxcrypt sync` once another device has answered\n")
			return nil
		},
	})
	return cmd
}
