package app

import (
	"github.com/rs/zerolog"

	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/engine"
	"mxcrypt/internal/relay"
)

// App is one opened device: its store, the relay client and the engine
// driving both.
type App struct {
	Config  Config
	Log     zerolog.Logger
	Store   interfaces.Store
	Relay   *relay.HTTP
	Machine *engine.Machine
}

// Close releases the store.
func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
