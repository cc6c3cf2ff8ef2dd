package sqlite_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/eteran/mapistore/internal/backends/sqlite"
	"github.com/eteran/mapistore/internal/mapistore"

	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, opts ...sqlite.ConfigOption) (*sqlite.Backend, string) {
	t.Helper()

	baseDir := filepath.Join(t.TempDir(), "stores")
	b := sqlite.New(append([]sqlite.ConfigOption{sqlite.WithBaseDir(baseDir)}, opts...)...)
	require.NoError(t, b.Init(t.Context()), "Init error")
	t.Cleanup(func() { _ = b.Close() })

	return b, baseDir
}

func TestSQLiteInitRequiresBaseDir(t *testing.T) {
	t.Parallel()

	err := sqlite.New().Init(t.Context())

	var initErr *mapistore.InitError
	require.ErrorAs(t, err, &initErr, "expected InitError")
	require.Equal(t, mapistore.MalformedInput, initErr.Cause)
}

func TestSQLiteInitUnusableBaseDir(t *testing.T) {
	t.Parallel()

	// A regular file where the base directory should be.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	err := sqlite.New(sqlite.WithBaseDir(filepath.Join(blocker, "stores"))).Init(t.Context())
	require.ErrorIs(t, err, mapistore.ResourceUnavailable)
}

func TestSQLiteCreateContext(t *testing.T) {
	t.Parallel()

	b, baseDir := newTestBackend(t)

	mc, err := b.CreateContext(t.Context(), "sqlite://alice")
	require.NoError(t, err, "CreateContext error")
	require.Equal(t, "sqlite://alice", mc.URI())

	info, err := os.Stat(filepath.Join(baseDir, "alice.sqlite"))
	require.NoError(t, err, "expected database file to exist")
	require.False(t, info.IsDir(), "database path should be a file")

	_, err = b.CreateContext(t.Context(), "sample://alice")
	require.ErrorIs(t, err, mapistore.NamespaceMismatch)

	for _, uri := range []string{"sqlite://", "sqlite://../escape", "sqlite://a/b"} {
		_, err = b.CreateContext(t.Context(), uri)
		require.ErrorIsf(t, err, mapistore.MalformedInput, "uri %q", uri)
	}
}

func TestSQLiteCreateContextBeforeInit(t *testing.T) {
	t.Parallel()

	b := sqlite.New(sqlite.WithBaseDir(t.TempDir()))
	_, err := b.CreateContext(t.Context(), "sqlite://alice")
	require.ErrorIs(t, err, mapistore.NotInitialized)
}

func TestSQLiteRootFolderEmptyStore(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackend(t)
	mc, err := b.CreateContext(t.Context(), "sqlite://alice")
	require.NoError(t, err, "CreateContext error")

	_, found, err := b.RootFolder(t.Context(), mc, mapistore.RootFolderID)
	require.NoError(t, err, "RootFolder error")
	require.False(t, found, "empty store has no root")

	_, found, err = b.RootFolder(t.Context(), mc, 99)
	require.NoError(t, err, "RootFolder error")
	require.False(t, found, "unknown id has no folder")

	_, _, err = b.RootFolder(t.Context(), mc, mapistore.MaxFolderID+1)
	require.ErrorIs(t, err, mapistore.InvalidFolderID)
}

func TestSQLiteFolderHierarchy(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackend(t)
	mc, err := b.CreateContext(t.Context(), "sqlite://alice")
	require.NoError(t, err, "CreateContext error")

	root, err := b.CreateFolder(t.Context(), mc, mapistore.RootFolderID, "Top of Information Store")
	require.NoError(t, err, "CreateFolder root error")

	inbox, err := b.CreateFolder(t.Context(), mc, root.ID, "Inbox")
	require.NoError(t, err, "CreateFolder inbox error")
	_, err = b.CreateFolder(t.Context(), mc, root.ID, "Sent Items")
	require.NoError(t, err, "CreateFolder sent error")

	got, found, err := b.RootFolder(t.Context(), mc, mapistore.RootFolderID)
	require.NoError(t, err, "RootFolder error")
	require.True(t, found, "root should resolve")
	require.Equal(t, root, got)

	again, found, err := b.RootFolder(t.Context(), mc, mapistore.RootFolderID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, got, again, "repeated lookups must agree")

	byID, found, err := b.RootFolder(t.Context(), mc, inbox.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, inbox, byID)

	children, err := b.ListFolders(t.Context(), mc, root.ID)
	require.NoError(t, err, "ListFolders error")
	require.Len(t, children, 2)
	require.Equal(t, "Inbox", children[0].Name)
	require.Equal(t, "Sent Items", children[1].Name)

	top, err := b.ListFolders(t.Context(), mc, mapistore.RootFolderID)
	require.NoError(t, err, "ListFolders top error")
	require.Equal(t, []mapistore.FolderHandle{root}, top)
}

func TestSQLiteCreateFolderValidates(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackend(t)
	mc, err := b.CreateContext(t.Context(), "sqlite://alice")
	require.NoError(t, err, "CreateContext error")

	_, err = b.CreateFolder(t.Context(), mc, mapistore.RootFolderID, "")
	require.ErrorIs(t, err, mapistore.MalformedInput, "empty name")

	_, err = b.CreateFolder(t.Context(), mc, 1234, "Orphan")
	require.ErrorIs(t, err, mapistore.InvalidFolderID, "missing parent")

	root, err := b.CreateFolder(t.Context(), mc, mapistore.RootFolderID, "Root")
	require.NoError(t, err)

	_, err = b.CreateFolder(t.Context(), mc, mapistore.RootFolderID, "Root")
	require.ErrorIs(t, err, mapistore.MalformedInput, "duplicate top-level name")

	_, err = b.CreateFolder(t.Context(), mc, root.ID, "Inbox")
	require.NoError(t, err)
	_, err = b.CreateFolder(t.Context(), mc, root.ID, "Inbox")
	require.ErrorIs(t, err, mapistore.MalformedInput, "duplicate child name")
}

func TestSQLiteContextsAreIsolated(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackend(t)

	alice, err := b.CreateContext(t.Context(), "sqlite://alice")
	require.NoError(t, err)
	bob, err := b.CreateContext(t.Context(), "sqlite://bob")
	require.NoError(t, err)

	_, err = b.CreateFolder(t.Context(), alice, mapistore.RootFolderID, "Root")
	require.NoError(t, err)

	_, found, err := b.RootFolder(t.Context(), alice, mapistore.RootFolderID)
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = b.RootFolder(t.Context(), bob, mapistore.RootFolderID)
	require.NoError(t, err)
	require.False(t, found, "bob's store must not see alice's folders")
}

func TestSQLiteReleaseContext(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackend(t)
	mc, err := b.CreateContext(t.Context(), "sqlite://alice")
	require.NoError(t, err)

	root, err := b.CreateFolder(t.Context(), mc, mapistore.RootFolderID, "Root")
	require.NoError(t, err)

	require.NoError(t, b.ReleaseContext(t.Context(), mc), "ReleaseContext error")

	_, _, err = b.RootFolder(t.Context(), mc, mapistore.RootFolderID)
	var lookupErr *mapistore.LookupError
	require.ErrorAs(t, err, &lookupErr, "released context")
	require.Equal(t, mapistore.InvalidContext, lookupErr.Cause)

	_, err = b.CreateFolder(t.Context(), mc, root.ID, "Inbox")
	require.ErrorIs(t, err, mapistore.InvalidContext)

	require.ErrorIs(t, b.ReleaseContext(t.Context(), mc), mapistore.InvalidContext, "double release")

	// The data outlives the context.
	remount, err := b.CreateContext(t.Context(), "sqlite://alice")
	require.NoError(t, err)
	got, found, err := b.RootFolder(t.Context(), remount, mapistore.RootFolderID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, root, got)
}

func TestSQLiteMaxContexts(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackend(t, sqlite.WithMaxContexts(1))

	_, err := b.CreateContext(t.Context(), "sqlite://alice")
	require.NoError(t, err)

	_, err = b.CreateContext(t.Context(), "sqlite://bob")
	require.ErrorIs(t, err, mapistore.ResourceExhausted)
}
