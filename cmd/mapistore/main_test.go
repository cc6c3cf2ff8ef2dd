package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/eteran/mapistore/internal/mapistore"

	"github.com/stretchr/testify/require"
)

// Run installs the default slog logger, so these tests do not run in parallel.

func TestRunSampleMount(t *testing.T) {
	var out bytes.Buffer
	dataDir := filepath.Join(t.TempDir(), "data")

	err := Run(t.Context(), []string{"-data-dir", dataDir, "-uri", "sample://mount1"}, &out)
	require.NoError(t, err, "Run error")
	require.Contains(t, out.String(), "Folder not found", "fresh sample mount has no root")
	require.Contains(t, out.String(), "sample://mount1")

	info, err := os.Stat(dataDir)
	require.NoError(t, err, "sqlite base dir should be created by init")
	require.True(t, info.IsDir())
}

func TestRunSQLiteMount(t *testing.T) {
	var out bytes.Buffer
	dataDir := t.TempDir()

	err := Run(t.Context(), []string{"-data-dir", dataDir, "-uri", "sqlite://alice", "-folder", "0x0"}, &out)
	require.NoError(t, err, "Run error")
	require.Contains(t, out.String(), "Folder not found", "empty store has no root")

	_, err = os.Stat(filepath.Join(dataDir, "alice.sqlite"))
	require.NoError(t, err, "expected database file to exist")
}

func TestRunUnclaimedURI(t *testing.T) {
	var out bytes.Buffer

	err := Run(t.Context(), []string{"-data-dir", t.TempDir(), "-uri", "other://mount1"}, &out)
	require.ErrorIs(t, err, mapistore.NamespaceMismatch)
}

func TestRunInvalidArguments(t *testing.T) {
	var out bytes.Buffer

	err := Run(t.Context(), []string{"-data-dir", t.TempDir(), "-folder", "inbox"}, &out)
	require.Error(t, err, "non-numeric folder id")

	err = Run(t.Context(), []string{"-data-dir", t.TempDir(), "-folder", "0x1000000000000"}, &out)
	require.ErrorIs(t, err, mapistore.InvalidFolderID, "folder id past the id space")

	err = Run(t.Context(), []string{"-no-such-flag"}, &out)
	require.Error(t, err, "unknown flag")
}
