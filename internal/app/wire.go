package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"mxcrypt/internal/engine"
	"mxcrypt/internal/relay"
	"mxcrypt/internal/store"
)

// Wiring carries what the CLI supplies besides the config file.
type Wiring struct {
	Passphrase string
	HTTP       *http.Client // optional; defaults to http.DefaultClient
	Log        zerolog.Logger
	Engine     []engine.Option
}

// Open constructs the dependency graph from cfg: the store backend, the relay
// client for the configured device and the engine over both.
func Open(ctx context.Context, cfg Config, w Wiring) (*App, error) {
	if cfg.UserID == "" || cfg.DeviceID == "" {
		return nil, errors.New("user_id and device_id are required (run init first)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.StoreOptions(w.Passphrase), w.Log)
	if err != nil {
		return nil, err
	}
	rc := relay.NewHTTP(cfg.RelayURL, w.HTTP, cfg.UserID, cfg.DeviceID)
	m, err := engine.New(ctx, st, rc, cfg.Engine(), w.Log, w.Engine...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &App{Config: cfg, Log: w.Log, Store: st, Relay: rc, Machine: m}, nil
}
