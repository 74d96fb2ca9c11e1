package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"

	"greenbond/internal/chain"
)

func saveChainState(c *chain.Chain, backend, path string) error {
	switch normalizeStateBackend(backend) {
	case stateBackendSnapshot:
		return c.SaveSnapshot(path)
	case stateBackendSQLite:
		return c.SaveSQLiteSnapshot(path)
	default:
		return fmt.Errorf("unsupported state backend %q", backend)
	}
}

// loadChainState returns (nil, nil) when no state exists at path yet. JSON
// snapshots are looked up on cfg.FS, SQLite databases on the OS filesystem.
func loadChainState(cfg chain.Config, backend, path string) (*chain.Chain, error) {
	if path == "" {
		return nil, nil
	}
	backend = normalizeStateBackend(backend)

	var err error
	switch backend {
	case stateBackendSnapshot:
		fs := cfg.FS
		if fs == nil {
			fs = afero.NewOsFs()
		}
		_, err = fs.Stat(path)
	case stateBackendSQLite:
		_, err = os.Stat(path)
	default:
		return nil, fmt.Errorf("unsupported state backend %q", backend)
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check state %s: %w", path, err)
	}

	if backend == stateBackendSQLite {
		return chain.LoadSQLiteSnapshot(path, cfg)
	}
	return chain.LoadSnapshot(path, cfg)
}
