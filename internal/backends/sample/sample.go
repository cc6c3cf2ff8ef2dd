// Package sample is a minimal in-memory backend. It performs no I/O and is
// useful as a reference implementation of the backend contract and as a test
// double for hosts.
package sample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eteran/mapistore/internal/mapistore"
)

const (
	Name        = "sample"
	Description = "Sample backend"
	Namespace   = "sample://"
)

type root struct {
	id   mapistore.FolderID
	name string
}

type Config struct {
	Logger *slog.Logger

	// roots preconfigures the root folder of mounts by uri.
	roots map[string]root
}

type ConfigOption func(*Config)

func WithLogger(logger *slog.Logger) ConfigOption {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithRoot configures the root folder every new context for uri starts with.
func WithRoot(uri string, id mapistore.FolderID, name string) ConfigOption {
	return func(cfg *Config) {
		if cfg.roots == nil {
			cfg.roots = make(map[string]root)
		}
		cfg.roots[uri] = root{id: id, name: name}
	}
}

// session holds the per-mount state. Each context gets its own copy of the
// configured root.
type session struct {
	mu   sync.RWMutex
	root *root
}

func (s *session) Close() error { return nil }

type Backend struct {
	cfg         Config
	initialized atomic.Bool
	contexts    *mapistore.ContextTable[*session]
}

var _ mapistore.Backend = (*Backend)(nil)

// New creates a sample backend.
func New(opts ...ConfigOption) *Backend {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = mapistore.DiscardLogger()
	}

	return &Backend{
		cfg:      cfg,
		contexts: mapistore.NewContextTable[*session](Name, 0),
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
	b.cfg.Logger.Info("Init for sample backend")
	b.initialized.Store(true)
	return nil
}

func (b *Backend) CreateContext(ctx context.Context, uri string) (*mapistore.MountContext, error) {
	if err := mapistore.CheckURI(b.Descriptor(), uri); err != nil {
		return nil, err
	}
	if !b.initialized.Load() {
		return nil, mapistore.NewContextError(Name, uri, mapistore.NotInitialized, nil)
	}

	s := &session{}
	if r, ok := b.cfg.roots[uri]; ok {
		s.root = &root{id: r.id, name: r.name}
	}

	mc, err := b.contexts.Issue(uri, s)
	if err != nil {
		return nil, err
	}

	b.cfg.Logger.Debug("Created sample context", "uri", uri, "context", mc.ID())
	return mc, nil
}

// RootFolder resolves the well-known root or the configured root id. Any
// other id inside the id space is recognized but has no folder.
func (b *Backend) RootFolder(ctx context.Context, mc *mapistore.MountContext, id mapistore.FolderID) (mapistore.FolderHandle, bool, error) {
	s, err := b.contexts.Lookup(mc, id)
	if err != nil {
		return mapistore.FolderHandle{}, false, err
	}
	if !id.Valid() {
		return mapistore.FolderHandle{}, false, mapistore.NewLookupError(Name, id, mapistore.InvalidFolderID, nil)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.root == nil {
		return mapistore.FolderHandle{}, false, nil
	}
	if id != mapistore.RootFolderID && id != s.root.id {
		return mapistore.FolderHandle{}, false, nil
	}

	return mapistore.FolderHandle{Mount: mc.URI(), ID: s.root.id, Name: s.root.name}, true, nil
}

// SetRoot replaces the root folder of a single mount.
func (b *Backend) SetRoot(mc *mapistore.MountContext, id mapistore.FolderID, name string) error {
	s, err := b.contexts.Lookup(mc, id)
	if err != nil {
		return err
	}
	if id == mapistore.RootFolderID || !id.Valid() {
		return mapistore.NewLookupError(Name, id, mapistore.InvalidFolderID, errors.New("root folder needs a concrete id"))
	}
	if name == "" {
		return mapistore.NewLookupError(Name, id, mapistore.MalformedInput, fmt.Errorf("empty folder name"))
	}

	s.mu.Lock()
	s.root = &root{id: id, name: name}
	s.mu.Unlock()
	return nil
}

func (b *Backend) ReleaseContext(ctx context.Context, mc *mapistore.MountContext) error {
	return b.contexts.Release(mc)
}

// Live returns the number of live contexts.
func (b *Backend) Live() int {
	return b.contexts.Len()
}
