package cli

import (
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/surgekit/godl/internal/config"
	"github.com/surgekit/godl/internal/store"
)

// openStore resolves the effective godl directory and opens its task
// store, creating the directory on first run.
func openStore(logger zerolog.Logger) (*store.Store, error) {
	dir, err := homeDir()
	if err != nil {
		return nil, err
	}
	return store.Open(dir, logger)
}

// loadConfigFile reads <home>/config.yaml, falling back to defaults.
func loadConfigFile() (config.File, error) {
	dir, err := homeDir()
	if err != nil {
		return config.File{}, err
	}
	return config.Load(filepath.Join(dir, "config.yaml"))
}
