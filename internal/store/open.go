package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/metrics"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config selects and parameterises a backend.
type Config struct {
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	Passphrase string `yaml:"-"`
}

// Open returns the backend named by cfg.Backend, wrapped so that every
// transaction is timed.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (interfaces.Store, error) {
	var (
		s   interfaces.Store
		err error
	)
	switch cfg.Backend {
	case "", BackendMemory:
		s = NewMemoryStore()
	case BackendFile:
		if cfg.Passphrase == "" {
			return nil, fmt.Errorf("file store requires a passphrase")
		}
		s, err = OpenFileStore(cfg.Dir, cfg.Passphrase)
	case BackendSQLite:
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, err
		}
		s, err = OpenSQLiteStore(ctx, filepath.Join(cfg.Dir, "crypto.db"), log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return Timed(s), nil
}

type timed struct{ interfaces.Store }

// Timed records the duration of s's transactions in
// mxcrypt_store_txn_duration_seconds.
func Timed(s interfaces.Store) interfaces.Store { return timed{s} }

func (t timed) Txn(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	defer observe("txn", time.Now())
	return t.Store.Txn(ctx, fn)
}

func (t timed) View(ctx context.Context, fn func(tx interfaces.ReadTx) error) error {
	defer observe("view", time.Now())
	return t.Store.View(ctx, fn)
}

func observe(kind string, start time.Time) {
	metrics.StoreTxnDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
