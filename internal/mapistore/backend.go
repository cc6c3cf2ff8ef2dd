// Package mapistore defines the contract between a mail/object store proxy and
// its pluggable storage backends.
//
// A host reads each backend's Descriptor, calls Init once per process, and
// then calls CreateContext for every mount request whose URI falls inside the
// backend's namespace. Folder navigation starts from RootFolder against the
// returned MountContext, and ReleaseContext tears the mount down.
package mapistore

import (
	"context"
	"fmt"
	"strings"
)

// Descriptor is the immutable identity of a backend.
type Descriptor struct {
	// Name is a unique short name, e.g. "sample".
	Name string
	// Description is human readable text.
	Description string
	// Namespace is the URI prefix the backend claims for mount routing,
	// e.g. "sample://".
	Namespace string
}

// Validate reports whether the descriptor can be registered.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("backend name must not be empty")
	}
	if d.Namespace == "" {
		return fmt.Errorf("backend %s: namespace must not be empty", d.Name)
	}
	return nil
}

// FolderID identifies a folder within a mount. The identifier space is
// defined by each backend, bounded by MaxFolderID.
type FolderID uint64

const (
	// RootFolderID asks a backend for its well-known root folder.
	RootFolderID FolderID = 0

	// MaxFolderID is the largest identifier any backend accepts. Folder ids
	// carry a 48-bit global counter.
	MaxFolderID FolderID = 1<<48 - 1
)

// Valid reports whether id is inside the shared identifier space.
func (id FolderID) Valid() bool {
	return id <= MaxFolderID
}

func (id FolderID) String() string {
	return fmt.Sprintf("0x%012x", uint64(id))
}

// FolderHandle identifies a resolved folder in a mount's hierarchy. Handles
// are comparable values.
type FolderHandle struct {
	// Mount is the URI of the mount the folder was resolved in.
	Mount string
	ID    FolderID
	Name  string
}

// Backend is implemented by every pluggable storage backend.
//
// Implementations must be safe for use by multiple goroutines. Descriptor must
// not perform I/O.
type Backend interface {
	// Descriptor returns the backend's identity.
	Descriptor() Descriptor

	// Init performs one-time, process-wide setup. It returns an *InitError
	// if required resources are unavailable, in which case the host must not
	// mount this backend.
	Init(ctx context.Context) error

	// CreateContext creates an isolated mount context for uri. It returns a
	// *ContextError if uri is empty, outside the backend's namespace, or
	// cannot be mounted.
	CreateContext(ctx context.Context, uri string) (*MountContext, error)

	// RootFolder resolves the root anchor identified by id within mc. The
	// boolean is false when id is recognized but currently has no folder.
	// It returns a *LookupError for foreign or released contexts, ids outside
	// the backend's id space and medium failures.
	RootFolder(ctx context.Context, mc *MountContext, id FolderID) (FolderHandle, bool, error)

	// ReleaseContext tears down mc and releases its resources. Releasing a
	// context twice returns a *ContextError.
	ReleaseContext(ctx context.Context, mc *MountContext) error
}

// CheckURI performs the mandatory mount URI checks shared by all backends:
// the uri must be non-empty and prefixed by the descriptor's namespace.
func CheckURI(d Descriptor, uri string) error {
	if uri == "" {
		return NewContextError(d.Name, uri, MalformedInput, fmt.Errorf("empty uri"))
	}
	if !strings.HasPrefix(uri, d.Namespace) {
		return NewContextError(d.Name, uri, NamespaceMismatch, fmt.Errorf("uri is not within namespace %q", d.Namespace))
	}
	return nil
}

// MountPath returns the part of uri that follows the namespace prefix.
func MountPath(d Descriptor, uri string) string {
	return strings.TrimPrefix(uri, d.Namespace)
}
