package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"greenbond/internal/chain"
)

const stateMigrateCommand = "migrate-state"

type migration struct {
	FromBackend string
	FromPath    string
	ToBackend   string
	ToPath      string
}

// maybeRunStateMigration handles `bondnode migrate-state`, which copies the
// chain between the JSON snapshot and SQLite backends. The first return
// value reports whether the command was recognised.
func maybeRunStateMigration(args []string, logf func(format string, v ...any)) (bool, error) {
	if len(args) < 2 || strings.TrimSpace(args[1]) != stateMigrateCommand {
		return false, nil
	}

	var m migration
	fs := flag.NewFlagSet(stateMigrateCommand, flag.ContinueOnError)
	fs.StringVar(&m.FromBackend, "from-backend", stateBackendSnapshot, "source backend: snapshot or sqlite")
	fs.StringVar(&m.FromPath, "from", "", "source state path")
	fs.StringVar(&m.ToBackend, "to-backend", stateBackendSnapshot, "target backend: snapshot or sqlite")
	fs.StringVar(&m.ToPath, "to", "", "target state path")
	if err := fs.Parse(args[2:]); err != nil {
		return true, err
	}

	height, err := m.run()
	if err != nil {
		return true, err
	}
	if logf != nil {
		logf("state migration completed from=%s(%s) to=%s(%s) height=%d",
			m.FromBackend, m.FromPath, m.ToBackend, m.ToPath, height)
	}
	return true, nil
}

func (m *migration) run() (uint64, error) {
	m.FromBackend = normalizeStateBackend(m.FromBackend)
	m.ToBackend = normalizeStateBackend(m.ToBackend)
	if !isSupportedStateBackend(m.FromBackend) {
		return 0, fmt.Errorf("unsupported from-backend %q (supported: %s, %s)", m.FromBackend, stateBackendSnapshot, stateBackendSQLite)
	}
	if !isSupportedStateBackend(m.ToBackend) {
		return 0, fmt.Errorf("unsupported to-backend %q (supported: %s, %s)", m.ToBackend, stateBackendSnapshot, stateBackendSQLite)
	}
	if strings.TrimSpace(m.FromPath) == "" {
		return 0, errors.New("-from is required")
	}
	if strings.TrimSpace(m.ToPath) == "" {
		return 0, errors.New("-to is required")
	}

	c, err := loadChainState(chain.Config{}, m.FromBackend, m.FromPath)
	if err != nil {
		return 0, fmt.Errorf("load source state: %w", err)
	}
	if c == nil {
		return 0, fmt.Errorf("load source state: %s does not exist", m.FromPath)
	}
	if err := saveChainState(c, m.ToBackend, m.ToPath); err != nil {
		return 0, fmt.Errorf("save target state: %w", err)
	}
	return c.GetStatus().Height, nil
}
