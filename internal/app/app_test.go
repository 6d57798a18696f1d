package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mxcrypt/internal/errs"
	"mxcrypt/internal/store"
)

func TestLoadConfig_MissingFileGivesDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadConfig(home)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(home), cfg)
	assert.Equal(t, 100, cfg.OneTimeKeys.Max)
	assert.Equal(t, 40, cfg.Olm.MaxSkippedKeys)
	assert.Equal(t, uint32(2000), cfg.Olm.MaxMessageGap)
	assert.Equal(t, 168*time.Hour, cfg.Megolm.RotationPeriod)
	assert.Equal(t, 10*time.Minute, cfg.Verification.Timeout)
	assert.Equal(t, 200, cfg.Backup.BatchSize)
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	home := t.TempDir()
	yml := `
user_id: "@alice:example.org"
device_id: ALICEDEV
relay_url: http://127.0.0.1:8080
store:
  backend: file
megolm:
  rotation_messages: 10
  rotation_period: 1h
verification:
  timeout: 30s
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(home, ConfigFile), []byte(yml), 0o600))

	cfg, err := LoadConfig(home)
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", string(cfg.UserID))
	assert.Equal(t, store.BackendFile, cfg.Store.Backend)
	assert.Equal(t, filepath.Join(home, "store"), cfg.Store.Dir, "unset keys keep their default")
	assert.Equal(t, uint32(10), cfg.Megolm.RotationMessages)
	assert.Equal(t, time.Hour, cfg.Megolm.RotationPeriod)
	assert.True(t, cfg.Megolm.RotateOnMembershipChange)

	ec := cfg.Engine()
	assert.Equal(t, uint32(10), ec.Rooms.RotationMessages)
	assert.Equal(t, 30*time.Second, ec.VerificationTimeout)
	assert.Equal(t, 100, ec.MaxOneTimeKeys)
}

func TestSaveConfig_RoundTrips(t *testing.T) {
	home := t.TempDir()
	cfg := DefaultConfig(home)
	cfg.UserID, cfg.DeviceID = "@bob:example.org", "BOBDEV"
	require.NoError(t, SaveConfig(home, cfg))
	got, err := LoadConfig(home)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(*Config){
		"backend":   func(c *Config) { c.Store.Backend = "etcd" },
		"dir":       func(c *Config) { c.Store.Dir = "" },
		"otk":       func(c *Config) { c.OneTimeKeys.Max = 1 },
		"rotation":  func(c *Config) { c.Megolm.RotationMessages, c.Megolm.RotationPeriod = 0, 0 },
		"level":     func(c *Config) { c.Logging.Level = "loud" },
		"format":    func(c *Config) { c.Logging.Format = "xml" },
		"negatives": func(c *Config) { c.Backup.BatchSize = -1 },
	}
	require.NoError(t, DefaultConfig(t.TempDir()).Validate())
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig(t.TempDir())
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStoreOptions_PassphraseFromEnv(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Store.PassphraseEnv = "MXCRYPT_TEST_PASSPHRASE"
	t.Setenv("MXCRYPT_TEST_PASSPHRASE", "from-env")

	assert.Equal(t, "from-env", cfg.StoreOptions("").Passphrase)
	assert.Equal(t, "explicit", cfg.StoreOptions("explicit").Passphrase)
}

func TestCheckPassphrase(t *testing.T) {
	assert.ErrorIs(t, CheckPassphrase("short1!A"), ErrWeakPassphrase)
	assert.ErrorIs(t, CheckPassphrase("alllowercase123!"), ErrWeakPassphrase)
	assert.NoError(t, CheckPassphrase("Correct-Horse-42"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	log.Info().Msg("hidden")
	log.Warn().Str("component", "test").Msg("Shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"Shown"`)

	_, err = NewLogger(LogConfig{Format: "xml"}, &buf)
	assert.Error(t, err)
}

func TestOpen_ReopensSameDevice(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	cfg := DefaultConfig(home)
	cfg.UserID, cfg.DeviceID = "@alice:example.org", "ALICEDEV"

	a, err := Open(ctx, cfg, Wiring{Log: zerolog.Nop()})
	require.NoError(t, err)
	key := a.Machine.IdentityKey()
	require.NoError(t, a.Close())

	b, err := Open(ctx, cfg, Wiring{Log: zerolog.Nop()})
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, key, b.Machine.IdentityKey())

	// No relay is configured, so network operations fail cleanly.
	err = b.Machine.ShareKeys(ctx)
	assert.ErrorIs(t, err, errs.ErrTransport)
}

func TestOpen_RequiresDevice(t *testing.T) {
	_, err := Open(context.Background(), DefaultConfig(t.TempDir()), Wiring{Log: zerolog.Nop()})
	assert.Error(t, err)
}
