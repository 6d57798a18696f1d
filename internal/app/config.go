package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/engine"
	"mxcrypt/internal/protocol/ratchet"
	"mxcrypt/internal/services/account"
	"mxcrypt/internal/services/backup"
	"mxcrypt/internal/services/group"
	"mxcrypt/internal/services/verification"
	"mxcrypt/internal/store"
)

// ConfigFile is the name of the config file inside the home directory.
const ConfigFile = "config.yaml"

// Config holds runtime wiring options for building the app.
type Config struct {
	UserID   id.UserID   `yaml:"user_id"`
	DeviceID id.DeviceID `yaml:"device_id"`
	RelayURL string      `yaml:"relay_url"` // e.g. http://127.0.0.1:8080

	Store        StoreConfig        `yaml:"store"`
	OneTimeKeys  OneTimeKeyConfig   `yaml:"one_time_keys"`
	Olm          OlmConfig          `yaml:"olm"`
	Megolm       MegolmConfig       `yaml:"megolm"`
	Verification VerificationConfig `yaml:"verification"`
	Backup       BackupConfig       `yaml:"backup"`
	Logging      LogConfig          `yaml:"logging"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // memory, file or sqlite
	Dir     string `yaml:"dir"`
	// PassphraseEnv names the environment variable holding the store
	// passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`
}

type OneTimeKeyConfig struct {
	Max int `yaml:"max"`
}

type OlmConfig struct {
	MaxSkippedKeys int    `yaml:"max_skipped_keys"`
	MaxMessageGap  uint32 `yaml:"max_message_gap"`
}

type MegolmConfig struct {
	RotationMessages         uint32        `yaml:"rotation_messages"`
	RotationPeriod           time.Duration `yaml:"rotation_period"`
	RotateOnMembershipChange bool          `yaml:"rotate_on_membership_change"`
	OnlyAllowTrustedDevices  bool          `yaml:"only_allow_trusted_devices"`
}

type VerificationConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type BackupConfig struct {
	BatchSize int `yaml:"batch_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// DefaultConfig returns the defaults for a home directory.
func DefaultConfig(home string) Config {
	return Config{
		Store: StoreConfig{
			Backend:       store.BackendSQLite,
			Dir:           filepath.Join(home, "store"),
			PassphraseEnv: "MXCRYPT_PASSPHRASE",
		},
		OneTimeKeys: OneTimeKeyConfig{Max: account.DefaultMaxOneTimeKeys},
		Olm: OlmConfig{
			MaxSkippedKeys: ratchet.DefaultMaxSkippedKeys,
			MaxMessageGap:  ratchet.DefaultMaxMessageGap,
		},
		Megolm: MegolmConfig{
			RotationMessages:         group.DefaultRotationMessages,
			RotationPeriod:           group.DefaultRotationPeriod,
			RotateOnMembershipChange: true,
		},
		Verification: VerificationConfig{Timeout: verification.DefaultTimeout},
		Backup:       BackupConfig{BatchSize: backup.DefaultBatchSize},
		Logging:      LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig reads home/config.yaml over the defaults. A missing file yields
// the defaults.
func LoadConfig(home string) (Config, error) {
	return LoadConfigFile(filepath.Join(home, ConfigFile), home)
}

// LoadConfigFile reads path over the defaults for home.
func LoadConfigFile(path, home string) (Config, error) {
	cfg := DefaultConfig(home)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// SaveConfig writes cfg to home/config.yaml.
func SaveConfig(home string, cfg Config) error {
	if err := os.MkdirAll(home, 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(home, ConfigFile), b, 0o600)
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case store.BackendMemory, store.BackendFile, store.BackendSQLite:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Store.Backend != store.BackendMemory && c.Store.Dir == "" {
		return errors.New("store.dir is required")
	}
	if c.OneTimeKeys.Max < 2 {
		return errors.New("one_time_keys.max must be at least 2")
	}
	if c.Olm.MaxSkippedKeys < 0 {
		return errors.New("olm.max_skipped_keys must not be negative")
	}
	if c.Megolm.RotationMessages == 0 && c.Megolm.RotationPeriod <= 0 {
		return errors.New("megolm: one of rotation_messages or rotation_period is required")
	}
	if c.Verification.Timeout < 0 || c.Backup.BatchSize < 0 {
		return errors.New("verification.timeout and backup.batch_size must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

// Engine converts c into the engine's configuration.
func (c Config) Engine() engine.Config {
	return engine.Config{
		UserID:         c.UserID,
		DeviceID:       c.DeviceID,
		MaxOneTimeKeys: c.OneTimeKeys.Max,
		OlmLimits: ratchet.Limits{
			MaxSkippedKeys: c.Olm.MaxSkippedKeys,
			MaxMessageGap:  c.Olm.MaxMessageGap,
		},
		Rooms: types.RoomSettings{
			RotationMessages:         c.Megolm.RotationMessages,
			RotationPeriod:           c.Megolm.RotationPeriod,
			RotateOnMembershipChange: c.Megolm.RotateOnMembershipChange,
			OnlyAllowTrustedDevices:  c.Megolm.OnlyAllowTrustedDevices,
		},
		VerificationTimeout: c.Verification.Timeout,
		BackupBatchSize:     c.Backup.BatchSize,
	}
}

// StoreOptions returns the backend configuration. An explicit passphrase
// wins over the environment variable.
func (c Config) StoreOptions(passphrase string) store.Config {
	if passphrase == "" && c.Store.PassphraseEnv != "" {
		passphrase = os.Getenv(c.Store.PassphraseEnv)
	}
	return store.Config{Backend: c.Store.Backend, Dir: c.Store.Dir, Passphrase: passphrase}
}
