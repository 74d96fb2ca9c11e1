package main

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenbond/internal/chain"
)

func TestBackupRetention(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := newDemoChain(t, fs)
	policy := backupPolicy{FS: fs, Dir: "/backups", EveryBlocks: 2, Retain: 2}

	var written []string
	for i := 0; i < 6; i++ {
		block, err := c.ProduceOnce()
		require.NoError(t, err)
		path, err := policy.maybeWriteBackup(c, block)
		require.NoError(t, err)
		if path != "" {
			written = append(written, path)
		}
	}
	require.Len(t, written, 3)

	entries, err := afero.ReadDir(fs, "/backups")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0].Name(), "snapshot-h000000000004")
	assert.Contains(t, entries[1].Name(), "snapshot-h000000000006")

	restored, err := chain.LoadSnapshot(written[2], chain.Config{FS: fs})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), restored.GetStatus().Height)
}

func TestBackupDisabled(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := newDemoChain(t, fs)
	block, err := c.ProduceOnce()
	require.NoError(t, err)

	for _, policy := range []backupPolicy{
		{FS: fs, Dir: "", EveryBlocks: 1, Retain: 2},
		{FS: fs, Dir: "/backups", EveryBlocks: 0, Retain: 2},
	} {
		path, err := policy.maybeWriteBackup(c, block)
		require.NoError(t, err)
		assert.Empty(t, path)
	}
	exists, err := afero.DirExists(fs, "/backups")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = backupPolicy{FS: fs, Dir: "/backups", EveryBlocks: 1}.maybeWriteBackup(nil, block)
	assert.Error(t, err)
}
