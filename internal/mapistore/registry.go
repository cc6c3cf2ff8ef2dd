package mapistore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

type backendState int

const (
	stateRegistered backendState = iota
	stateInitializing
	stateInitialized
	stateFailed
)

type registration struct {
	backend Backend
	desc    Descriptor
	state   backendState
	err     error
}

// Registry routes mount requests to backends by namespace. It is the host
// side of the contract and is safe for concurrent use.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	ordered []*registration
	byName  map[string]*registration
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...ConfigOption) *Registry {
	return &Registry{
		cfg:    NewConfig(opts...),
		byName: make(map[string]*registration),
	}
}

// Register adds a backend. Names and namespaces must be unique.
func (r *Registry) Register(b Backend) error {
	desc := b.Descriptor()
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[desc.Name]; exists {
		return fmt.Errorf("backend %s is already registered", desc.Name)
	}
	for _, reg := range r.ordered {
		if reg.desc.Namespace == desc.Namespace {
			return fmt.Errorf("namespace %q is already claimed by backend %s", desc.Namespace, reg.desc.Name)
		}
	}

	reg := &registration{backend: b, desc: desc}
	r.ordered = append(r.ordered, reg)
	r.byName[desc.Name] = reg

	r.cfg.Logger.Debug("Registered backend", "name", desc.Name, "namespace", desc.Namespace)
	return nil
}

// Backends returns the descriptors of all registered backends in
// registration order.
func (r *Registry) Backends() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]Descriptor, 0, len(r.ordered))
	for _, reg := range r.ordered {
		descs = append(descs, reg.desc)
	}
	return descs
}

// Backend returns the backend registered under name.
func (r *Registry) Backend(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return reg.backend, true
}

// Resolve returns the backend whose namespace is the longest prefix of uri.
func (r *Registry) Resolve(uri string) (Backend, error) {
	reg, err := r.resolve(uri)
	if err != nil {
		return nil, err
	}
	return reg.backend, nil
}

func (r *Registry) resolve(uri string) (*registration, error) {
	if uri == "" {
		return nil, NewContextError("", uri, MalformedInput, errors.New("empty uri"))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *registration
	for _, reg := range r.ordered {
		if !strings.HasPrefix(uri, reg.desc.Namespace) {
			continue
		}
		if best == nil || len(reg.desc.Namespace) > len(best.desc.Namespace) {
			best = reg
		}
	}

	if best == nil {
		return nil, NewContextError("", uri, NamespaceMismatch, errors.New("no backend claims this uri"))
	}
	return best, nil
}

// InitAll initializes every backend that has not yet been initialized. Each
// backend is initialized at most once; a backend whose Init failed stays
// unmountable and is not retried. All failures are returned joined.
func (r *Registry) InitAll(ctx context.Context) error {
	r.mu.Lock()
	pending := make([]*registration, 0, len(r.ordered))
	for _, reg := range r.ordered {
		if reg.state == stateRegistered {
			reg.state = stateInitializing
			pending = append(pending, reg)
		}
	}
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)

	// The group only bounds concurrency. Every failure is collected into errs
	// so one bad backend does not hide the others.
	eg := errgroup.Group{}
	eg.SetLimit(r.cfg.InitConcurrency)

	for _, reg := range pending {
		eg.Go(func() error {
			err := reg.backend.Init(ctx)

			r.mu.Lock()
			if err != nil {
				reg.state = stateFailed
				reg.err = err
			} else {
				reg.state = stateInitialized
			}
			r.mu.Unlock()

			if err != nil {
				r.cfg.Logger.Error("Backend init failed", "name", reg.desc.Name, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}

			r.cfg.Logger.Info("Backend initialized", "name", reg.desc.Name, "namespace", reg.desc.Namespace)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// Mount resolves uri to a backend and creates a mount context on it.
func (r *Registry) Mount(ctx context.Context, uri string) (*Mount, error) {
	reg, err := r.resolve(uri)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	state, initErr := reg.state, reg.err
	r.mu.RUnlock()

	if state != stateInitialized {
		return nil, NewContextError(reg.desc.Name, uri, NotInitialized, initErr)
	}

	mc, err := reg.backend.CreateContext(ctx, uri)
	if err != nil {
		return nil, err
	}

	r.cfg.Logger.Debug("Mounted", "backend", reg.desc.Name, "uri", uri, "context", mc.ID())
	return &Mount{Backend: reg.backend, Context: mc, logger: r.cfg.Logger}, nil
}

// Mount pairs a live mount context with the backend that issued it.
type Mount struct {
	Backend Backend
	Context *MountContext

	logger *slog.Logger
}

// RootFolder resolves id against the mount's context.
func (m *Mount) RootFolder(ctx context.Context, id FolderID) (FolderHandle, bool, error) {
	return m.Backend.RootFolder(ctx, m.Context, id)
}

// Release tears the mount down.
func (m *Mount) Release(ctx context.Context) error {
	if err := m.Backend.ReleaseContext(ctx, m.Context); err != nil {
		return err
	}
	m.logger.Debug("Unmounted", "backend", m.Context.Backend(), "uri", m.Context.URI())
	return nil
}
