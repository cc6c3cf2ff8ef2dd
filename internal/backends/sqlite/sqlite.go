// Package sqlite implements a backend that keeps each mount's folder
// hierarchy in its own SQLite database under a common base directory.
//
// A mount uri has the form "sqlite://<mount-name>" and maps to the database
// file "<BaseDir>/<mount-name>.sqlite". The first folder created without a
// parent is the mount's well-known root.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/eteran/mapistore/internal/mapistore"
)

const (
	Name        = "sqlite"
	Description = "SQLite folder store"
	Namespace   = "sqlite://"

	driverName       = "sqlite3"
	defaultCacheSize = 256
)

var (
	//go:embed migrations
	migrationsFS embed.FS

	// Mount names start with a letter or digit and may contain dots,
	// underscores and hyphens.
	mountNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

type Config struct {
	// BaseDir is the directory holding one database file per mount.
	BaseDir string
	Logger  *slog.Logger
	// CacheSize is the number of resolved folders cached per context.
	CacheSize int
	// MaxContexts bounds the number of live contexts; zero means unbounded.
	MaxContexts int
}

type ConfigOption func(*Config)

func WithBaseDir(dir string) ConfigOption {
	return func(cfg *Config) {
		cfg.BaseDir = dir
	}
}

func WithLogger(logger *slog.Logger) ConfigOption {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

func WithCacheSize(size int) ConfigOption {
	return func(cfg *Config) {
		cfg.CacheSize = size
	}
}

func WithMaxContexts(n int) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxContexts = n
	}
}

type session struct {
	mount string
	db    *sql.DB
	cache *lru.Cache[mapistore.FolderID, mapistore.FolderHandle]
}

func (s *session) Close() error {
	s.cache.Purge()
	return s.db.Close()
}

type Backend struct {
	cfg         Config
	initialized atomic.Bool
	contexts    *mapistore.ContextTable[*session]
}

var _ mapistore.Backend = (*Backend)(nil)

// New creates a SQLite backend. Nothing touches the filesystem until Init.
func New(opts ...ConfigOption) *Backend {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = mapistore.DiscardLogger()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	return &Backend{
		cfg:      cfg,
		contexts: mapistore.NewContextTable[*session](Name, cfg.MaxContexts),
	}
}

func (b *Backend) Descriptor() mapistore.Descriptor {
	return mapistore.Descriptor{
		Name:        Name,
		Description: Description,
		Namespace:   Namespace,
	}
}

func (b *Backend) Init(ctx context.Context) error {
	b.cfg.Logger.Info("Init for sqlite backend", "baseDir", b.cfg.BaseDir)

	if b.cfg.BaseDir == "" {
		return mapistore.NewInitError(Name, mapistore.MalformedInput, errors.New("BaseDir must not be empty"))
	}

	if !slices.Contains(sql.Drivers(), driverName) {
		return mapistore.NewInitError(Name, mapistore.ResourceUnavailable, fmt.Errorf("sql driver %q is not registered", driverName))
	}

	if err := os.MkdirAll(b.cfg.BaseDir, 0o755); err != nil {
		return mapistore.NewInitError(Name, mapistore.ResourceUnavailable, fmt.Errorf("create base dir: %w", err))
	}

	b.initialized.Store(true)
	return nil
}

// databasePath maps a mount uri to its database file.
func (b *Backend) databasePath(uri string) (string, error) {
	mountName := mapistore.MountPath(b.Descriptor(), uri)
	if !mountNamePattern.MatchString(mountName) {
		return "", fmt.Errorf("invalid mount name %q", mountName)
	}
	return filepath.Join(b.cfg.BaseDir, mountName+".sqlite"), nil
}

func (b *Backend) CreateContext(ctx context.Context, uri string) (*mapistore.MountContext, error) {
	if err := mapistore.CheckURI(b.Descriptor(), uri); err != nil {
		return nil, err
	}
	if !b.initialized.Load() {
		return nil, mapistore.NewContextError(Name, uri, mapistore.NotInitialized, nil)
	}

	dbPath, err := b.databasePath(uri)
	if err != nil {
		return nil, mapistore.NewContextError(Name, uri, mapistore.MalformedInput, err)
	}

	db, err := openDatabase(ctx, dbPath)
	if err != nil {
		return nil, mapistore.NewContextError(Name, uri, mapistore.ResourceUnavailable, err)
	}

	cache, err := lru.New[mapistore.FolderID, mapistore.FolderHandle](b.cfg.CacheSize)
	if err != nil {
		_ = db.Close()
		return nil, mapistore.NewContextError(Name, uri, mapistore.MalformedInput, err)
	}

	mc, err := b.contexts.Issue(uri, &session{mount: uri, db: db, cache: cache})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	b.cfg.Logger.Debug("Created sqlite context", "uri", uri, "path", dbPath, "context", mc.ID())
	return mc, nil
}

func openDatabase(ctx context.Context, dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dbPath)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// A single connection keeps the per-connection pragmas consistent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// initSchema applies every embedded migration in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		if _, execError := db.ExecContext(ctx, string(content)); execError != nil {
			return fmt.Errorf("apply migration %s: %w", path, execError)
		}
		return nil
	})
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// RootFolder resolves the mount's well-known root for RootFolderID, or the
// folder with the given id otherwise.
func (b *Backend) RootFolder(ctx context.Context, mc *mapistore.MountContext, id mapistore.FolderID) (mapistore.FolderHandle, bool, error) {
	s, err := b.contexts.Lookup(mc, id)
	if err != nil {
		return mapistore.FolderHandle{}, false, err
	}
	if !id.Valid() {
		return mapistore.FolderHandle{}, false, mapistore.NewLookupError(Name, id, mapistore.InvalidFolderID, nil)
	}

	if handle, ok := s.cache.Get(id); ok {
		return handle, true, nil
	}

	var row *sql.Row
	if id == mapistore.RootFolderID {
		row = s.db.QueryRowContext(ctx, `SELECT id, name FROM folders WHERE parent_id IS NULL ORDER BY id LIMIT 1`)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT id, name FROM folders WHERE id = ?`, int64(id))
	}

	var (
		folderID int64
		name     string
	)
	if err := row.Scan(&folderID, &name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mapistore.FolderHandle{}, false, nil
		}
		return mapistore.FolderHandle{}, false, mapistore.NewLookupError(Name, id, mapistore.ResourceUnavailable, err)
	}

	handle := mapistore.FolderHandle{Mount: s.mount, ID: mapistore.FolderID(folderID), Name: name}
	s.cache.Add(id, handle)
	return handle, true, nil
}

// CreateFolder adds a folder named name under parent. RootFolderID as parent
// creates a top-level folder.
func (b *Backend) CreateFolder(ctx context.Context, mc *mapistore.MountContext, parent mapistore.FolderID, name string) (mapistore.FolderHandle, error) {
	s, err := b.contexts.Lookup(mc, parent)
	if err != nil {
		return mapistore.FolderHandle{}, err
	}
	if !parent.Valid() {
		return mapistore.FolderHandle{}, mapistore.NewLookupError(Name, parent, mapistore.InvalidFolderID, nil)
	}
	if name == "" {
		return mapistore.FolderHandle{}, mapistore.NewLookupError(Name, parent, mapistore.MalformedInput, errors.New("empty folder name"))
	}

	var newID int64
	err = withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var parentID any
		if parent != mapistore.RootFolderID {
			var count int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM folders WHERE id = ?`, int64(parent)).Scan(&count); err != nil {
				return mapistore.NewLookupError(Name, parent, mapistore.ResourceUnavailable, err)
			}
			if count == 0 {
				return mapistore.NewLookupError(Name, parent, mapistore.InvalidFolderID, errors.New("parent folder does not exist"))
			}
			parentID = int64(parent)
		} else {
			// NULL parents are distinct in UNIQUE constraints.
			var count int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM folders WHERE parent_id IS NULL AND name = ?`, name).Scan(&count); err != nil {
				return mapistore.NewLookupError(Name, parent, mapistore.ResourceUnavailable, err)
			}
			if count > 0 {
				return mapistore.NewLookupError(Name, parent, mapistore.MalformedInput, fmt.Errorf("folder %q already exists", name))
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO folders(parent_id, name, created_at) VALUES(?, ?, ?)`,
			parentID, name, time.Now().UTC(),
		)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return mapistore.NewLookupError(Name, parent, mapistore.MalformedInput, fmt.Errorf("folder %q already exists", name))
			}
			return mapistore.NewLookupError(Name, parent, mapistore.ResourceUnavailable, err)
		}

		newID, err = res.LastInsertId()
		if err != nil {
			return mapistore.NewLookupError(Name, parent, mapistore.ResourceUnavailable, err)
		}
		if !mapistore.FolderID(newID).Valid() {
			return mapistore.NewLookupError(Name, mapistore.FolderID(newID), mapistore.ResourceExhausted, errors.New("folder id space exhausted"))
		}
		return nil
	})
	if err != nil {
		var lookupErr *mapistore.LookupError
		if errors.As(err, &lookupErr) {
			return mapistore.FolderHandle{}, lookupErr
		}
		return mapistore.FolderHandle{}, mapistore.NewLookupError(Name, parent, mapistore.ResourceUnavailable, err)
	}

	if parent == mapistore.RootFolderID {
		s.cache.Remove(mapistore.RootFolderID)
	}

	handle := mapistore.FolderHandle{Mount: s.mount, ID: mapistore.FolderID(newID), Name: name}
	b.cfg.Logger.Debug("Created folder", "uri", s.mount, "parent", parent, "id", handle.ID, "name", name)
	return handle, nil
}

// ListFolders returns the direct children of parent ordered by id.
// RootFolderID lists the top-level folders.
func (b *Backend) ListFolders(ctx context.Context, mc *mapistore.MountContext, parent mapistore.FolderID) ([]mapistore.FolderHandle, error) {
	s, err := b.contexts.Lookup(mc, parent)
	if err != nil {
		return nil, err
	}
	if !parent.Valid() {
		return nil, mapistore.NewLookupError(Name, parent, mapistore.InvalidFolderID, nil)
	}

	var rows *sql.Rows
	if parent == mapistore.RootFolderID {
		rows, err = s.db.QueryContext(ctx, `SELECT id, name FROM folders WHERE parent_id IS NULL ORDER BY id`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, name FROM folders WHERE parent_id = ? ORDER BY id`, int64(parent))
	}
	if err != nil {
		return nil, mapistore.NewLookupError(Name, parent, mapistore.ResourceUnavailable, err)
	}
	defer rows.Close()

	folders := make([]mapistore.FolderHandle, 0)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, mapistore.NewLookupError(Name, parent, mapistore.ResourceUnavailable, err)
		}
		folders = append(folders, mapistore.FolderHandle{Mount: s.mount, ID: mapistore.FolderID(id), Name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, mapistore.NewLookupError(Name, parent, mapistore.ResourceUnavailable, err)
	}
	return folders, nil
}

func (b *Backend) ReleaseContext(ctx context.Context, mc *mapistore.MountContext) error {
	return b.contexts.Release(mc)
}

// Close releases every live context.
func (b *Backend) Close() error {
	return b.contexts.CloseAll()
}
