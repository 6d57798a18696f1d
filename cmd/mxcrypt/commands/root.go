package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mxcrypt/internal/app"
)

var (
	home       string
	configPath string
	passphrase string
	relayURL   string

	cfg    app.Config
	logger zerolog.Logger
	appCtx *app.App
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = appCtx.Close() }()
	return newRoot().ExecuteContext(ctx)
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "mxcrypt",
		Short:        "Matrix end-to-end encryption engine CLI",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".mxcrypt")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			var err error
			if configPath != "" {
				cfg, err = app.LoadConfigFile(configPath, home)
			} else {
				cfg, err = app.LoadConfig(home)
			}
			if err != nil {
				return err
			}
			if relayURL != "" {
				cfg.RelayURL = relayURL
			}
			logger, err = app.NewLogger(cfg.Logging, cmd.ErrOrStderr())
			return err
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.mxcrypt)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <home>/config.yaml)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the file store and sealed key files (default $MXCRYPT_PASSPHRASE for the store)")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")

	root.AddCommand(
		initCmd(), fingerprintCmd(),
		keysCmd(), devicesCmd(), trustCmd(), crossSigningCmd(),
		roomCmd(), sendCmd(), readCmd(), syncCmd(),
		verifyCmd(), backupCmd(), secretsCmd(),
		exportCmd(), importCmd(),
	)
	return root
}

// openApp opens the configured device once per invocation.
func openApp(cmd *cobra.Command) (*app.App, error) {
	if appCtx != nil {
		return appCtx, nil
	}
	a, err := app.Open(cmd.Context(), cfg, app.Wiring{Passphrase: passphrase, Log: logger})
	if err != nil {
		return nil, err
	}
	appCtx = a
	return a, nil
}

func requireRelay() error {
	if cfg.RelayURL == "" {
		return fmt.Errorf("no relay configured. use --relay")
	}
	return nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func openRelayApp(cmd *cobra.Command) (*app.App, error) {
	if err := requireRelay(); err != nil {
		return nil, err
	}
	return openApp(cmd)
}
