package commands

import (
	"os"

	"github.com/spf13/cobra"

	"mxcrypt/internal/app"
	"mxcrypt/internal/services/group"
)

// export <file>: write every inbound session in the passphrase-protected
// key export format.
func exportCmd() *cobra.Command {
	var exportPass string
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export room keys to a passphrase-protected file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.CheckPassphrase(exportPass); err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			sessions, err := a.Machine.Groups.ExportAll(cmd.Context())
			if err != nil {
				return err
			}
			data, err := group.EncryptExport(exportPass, sessions)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0o600); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Exported %d sessions to %s\n", len(sessions), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&exportPass, "export-passphrase", "", "passphrase protecting the export file")
	_ = cmd.MarkFlagRequired("export-passphrase")
	return cmd
}

func importCmd() *cobra.Command {
	var exportPass string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import room keys from an export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			sessions, err := group.DecryptExport(exportPass, data)
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			res := a.Machine.Groups.ImportAll(cmd.Context(), sessions)
			printf(cmd.OutOrStdout(), "Imported %d sessions, %d failed\n", res.Imported, res.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&exportPass, "export-passphrase", "", "passphrase protecting the export file")
	_ = cmd.MarkFlagRequired("export-passphrase")
	return cmd
}
