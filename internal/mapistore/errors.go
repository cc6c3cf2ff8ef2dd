package mapistore

import "fmt"

// Cause is the closed set of reasons a backend operation can fail. Each Cause
// is itself an error so callers can match it with errors.Is regardless of
// which operation reported it.
type Cause int

const (
	// ResourceUnavailable means an external resource the backend depends on
	// could not be reached or used.
	ResourceUnavailable Cause = iota + 1

	// ResourceExhausted means the backend ran out of a bounded resource such
	// as handles or connections.
	ResourceExhausted

	// MalformedInput means an argument could not be parsed or was empty.
	MalformedInput

	// NamespaceMismatch means a mount URI is not prefixed by the backend's
	// declared namespace.
	NamespaceMismatch

	// InvalidContext means the mount context was never issued by this backend
	// instance or has already been released.
	InvalidContext

	// InvalidFolderID means a folder identifier is outside the backend's id
	// space.
	InvalidFolderID

	// NotInitialized means the backend has not completed Init.
	NotInitialized
)

var causeNames = map[Cause]string{
	ResourceUnavailable: "resource unavailable",
	ResourceExhausted:   "resource exhausted",
	MalformedInput:      "malformed input",
	NamespaceMismatch:   "namespace mismatch",
	InvalidContext:      "invalid context",
	InvalidFolderID:     "invalid folder id",
	NotInitialized:      "not initialized",
}

func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

func (c Cause) Error() string {
	return c.String()
}

// InitError is returned by Backend.Init.
type InitError struct {
	Backend string
	Cause   Cause
	Err     error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: init: %s: %v", e.Backend, e.Cause, e.Err)
	}
	return fmt.Sprintf("%s: init: %s", e.Backend, e.Cause)
}

func (e *InitError) Unwrap() []error {
	return unwrapCause(e.Cause, e.Err)
}

// ContextError is returned by operations that create or release a mount
// context.
type ContextError struct {
	Backend string
	URI     string
	Cause   Cause
	Err     error
}

func (e *ContextError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: context %q: %s: %v", e.Backend, e.URI, e.Cause, e.Err)
	}
	return fmt.Sprintf("%s: context %q: %s", e.Backend, e.URI, e.Cause)
}

func (e *ContextError) Unwrap() []error {
	return unwrapCause(e.Cause, e.Err)
}

// LookupError is returned by folder lookups against a mount context.
type LookupError struct {
	Backend  string
	FolderID FolderID
	Cause    Cause
	Err      error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: lookup folder %s: %s: %v", e.Backend, e.FolderID, e.Cause, e.Err)
	}
	return fmt.Sprintf("%s: lookup folder %s: %s", e.Backend, e.FolderID, e.Cause)
}

func (e *LookupError) Unwrap() []error {
	return unwrapCause(e.Cause, e.Err)
}

func unwrapCause(cause Cause, err error) []error {
	if err == nil {
		return []error{cause}
	}
	return []error{cause, err}
}

// NewInitError builds an InitError for the named backend.
func NewInitError(backend string, cause Cause, err error) *InitError {
	return &InitError{Backend: backend, Cause: cause, Err: err}
}

// NewContextError builds a ContextError for the named backend and uri.
func NewContextError(backend string, uri string, cause Cause, err error) *ContextError {
	return &ContextError{Backend: backend, URI: uri, Cause: cause, Err: err}
}

// NewLookupError builds a LookupError for the named backend and folder.
func NewLookupError(backend string, id FolderID, cause Cause, err error) *LookupError {
	return &LookupError{Backend: backend, FolderID: id, Cause: cause, Err: err}
}
