package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"greenbond/internal/chain"
)

const backupFilePrefix = "snapshot-h"

type backupPolicy struct {
	FS          afero.Fs
	Dir         string
	EveryBlocks uint64
	Retain      int
}

func (p backupPolicy) enabled() bool {
	return strings.TrimSpace(p.Dir) != "" && p.EveryBlocks > 0
}

// maybeWriteBackup writes a JSON snapshot through the chain when block lands
// on the backup cadence, then prunes old backups on p.FS. The chain must
// write to the same filesystem as p.FS.
func (p backupPolicy) maybeWriteBackup(c *chain.Chain, block chain.Block) (string, error) {
	if c == nil {
		return "", errors.New("backup requires chain instance")
	}
	if !p.enabled() || block.Height == 0 || block.Height%p.EveryBlocks != 0 {
		return "", nil
	}

	filename := fmt.Sprintf("%s%012d-ts%d.json", backupFilePrefix, block.Height, block.Timestamp)
	path := filepath.Join(p.Dir, filename)
	if err := c.SaveSnapshot(path); err != nil {
		return "", fmt.Errorf("write backup snapshot: %w", err)
	}
	if err := p.prune(); err != nil {
		return path, err
	}
	return path, nil
}

func (p backupPolicy) prune() error {
	if p.Retain <= 0 {
		return nil
	}
	entries, err := afero.ReadDir(p.FS, p.Dir)
	if err != nil {
		return fmt.Errorf("read backup dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, backupFilePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		files = append(files, filepath.Join(p.Dir, name))
	}
	if len(files) <= p.Retain {
		return nil
	}
	sort.Strings(files)
	for _, path := range files[:len(files)-p.Retain] {
		if err := p.FS.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove old backup %s: %w", path, err)
		}
	}
	return nil
}
