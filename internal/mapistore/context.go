package mapistore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the backend-specific state owned by a mount context, such as
// database handles or caches. Close is called exactly once when the context
// is released.
type Session interface {
	Close() error
}

// MountContext is the per-mount state returned by Backend.CreateContext. It is
// owned by the host from creation until ReleaseContext and must not be shared
// across mounts.
type MountContext struct {
	id        uuid.UUID
	uri       string
	backend   string
	createdAt time.Time
}

// ID returns the identifier assigned to the context when it was issued.
func (mc *MountContext) ID() uuid.UUID { return mc.id }

// URI returns the mount uri the context was created for.
func (mc *MountContext) URI() string { return mc.uri }

// Backend returns the name of the backend that issued the context.
func (mc *MountContext) Backend() string { return mc.backend }

// CreatedAt returns the time the context was issued.
func (mc *MountContext) CreatedAt() time.Time { return mc.createdAt }

func (mc *MountContext) String() string {
	if mc == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s[%s]", mc.uri, mc.id)
}

type contextEntry[S Session] struct {
	mc      *MountContext
	session S
}

// ContextTable tracks the live mount contexts of one backend instance and maps
// them back to their typed session state. The table itself is safe for
// concurrent use, but a resolved session is used after the lock is dropped:
// the host must not release a context while another call on that same
// context is in flight. Calls on different contexts may run concurrently.
type ContextTable[S Session] struct {
	backend string
	limit   int

	mu   sync.Mutex
	live map[uuid.UUID]contextEntry[S]
}

// NewContextTable returns an empty table for the named backend. A positive
// limit bounds the number of live contexts.
func NewContextTable[S Session](backend string, limit int) *ContextTable[S] {
	return &ContextTable[S]{
		backend: backend,
		limit:   limit,
		live:    make(map[uuid.UUID]contextEntry[S]),
	}
}

// Issue registers session under a new mount context for uri.
func (t *ContextTable[S]) Issue(uri string, session S) (*MountContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit > 0 && len(t.live) >= t.limit {
		return nil, NewContextError(t.backend, uri, ResourceExhausted, fmt.Errorf("%d live contexts", len(t.live)))
	}

	mc := &MountContext{
		id:        uuid.New(),
		uri:       uri,
		backend:   t.backend,
		createdAt: time.Now().UTC(),
	}
	t.live[mc.id] = contextEntry[S]{mc: mc, session: session}
	return mc, nil
}

// Resolve returns the session of a live context issued by this table. Copies
// of a context and contexts issued elsewhere do not resolve.
func (t *ContextTable[S]) Resolve(mc *MountContext) (S, bool) {
	var zero S
	if mc == nil {
		return zero, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.live[mc.id]
	if !ok || entry.mc != mc {
		return zero, false
	}
	return entry.session, true
}

// Lookup is Resolve for folder lookups; it reports a foreign or released
// context as a LookupError.
func (t *ContextTable[S]) Lookup(mc *MountContext, id FolderID) (S, error) {
	session, ok := t.Resolve(mc)
	if !ok {
		return session, NewLookupError(t.backend, id, InvalidContext, fmt.Errorf("context %s is not live", mc))
	}
	return session, nil
}

// Release removes mc from the table and closes its session.
func (t *ContextTable[S]) Release(mc *MountContext) error {
	if mc == nil {
		return NewContextError(t.backend, "", InvalidContext, errors.New("nil context"))
	}

	t.mu.Lock()
	entry, ok := t.live[mc.id]
	if ok && entry.mc == mc {
		delete(t.live, mc.id)
	}
	t.mu.Unlock()

	if !ok || entry.mc != mc {
		return NewContextError(t.backend, mc.uri, InvalidContext, fmt.Errorf("context %s is not live", mc))
	}

	if err := entry.session.Close(); err != nil {
		return NewContextError(t.backend, mc.uri, ResourceUnavailable, err)
	}
	return nil
}

// Len returns the number of live contexts.
func (t *ContextTable[S]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// CloseAll releases every live context, returning all close failures joined.
func (t *ContextTable[S]) CloseAll() error {
	t.mu.Lock()
	entries := t.live
	t.live = make(map[uuid.UUID]contextEntry[S])
	t.mu.Unlock()

	var errs []error
	for _, entry := range entries {
		if err := entry.session.Close(); err != nil {
			errs = append(errs, NewContextError(t.backend, entry.mc.uri, ResourceUnavailable, err))
		}
	}
	return errors.Join(errs...)
}
