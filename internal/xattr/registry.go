package xattr

import (
	"strings"
	"sync"

	"github.com/xattrfs/xattrfs/internal/volume"
	xerrors "github.com/xattrfs/xattrfs/pkg/errors"
	"github.com/xattrfs/xattrfs/pkg/types"
)

// Handler routes attribute names with a given prefix to type-specific
// logic. Handlers are registered at store construction and may also be
// registered or removed at runtime.
type Handler struct {
	// Prefix is the leading name substring this handler claims, e.g.
	// "user." or "system.posix_acl_access".
	Prefix string

	// Get reads the attribute value. A nil buf requests the value length.
	Get func(s *Store, obj volume.Handle, name string, buf []byte) (int, error)

	// Set writes the attribute value.
	Set func(s *Store, obj volume.Handle, name string, value []byte, flags types.SetFlags) error

	// Delete, when non-nil, runs before the attribute file is removed.
	// A failure aborts the removal without touching storage.
	Delete func(s *Store, obj volume.Handle, name string) error

	// List, when non-nil, decides how the attribute appears in listings:
	// it returns the visible name and whether to show the entry at all.
	// A nil List shows every entry under the prefix as-is.
	List func(s *Store, obj volume.Handle, name string) (string, bool)

	// registered guards against double registration.
	registered bool
}

// Registry is the prefix-ordered handler table. Lookup scans in
// registration order, so the first registered matching prefix wins.
type Registry struct {
	mu       sync.RWMutex
	handlers []*Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends h to the table. It fails with Invalid for a nil or
// prefix-less handler and with Busy when h is already registered or another
// handler claims the same prefix.
func (r *Registry) Register(h *Handler) error {
	if h == nil || h.Prefix == "" {
		return xerrors.New(xerrors.CodeInvalid, "register", "nil or prefix-less handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.registered {
		return xerrors.New(xerrors.CodeBusy, "register", "handler already registered")
	}
	for _, existing := range r.handlers {
		if existing.Prefix == h.Prefix {
			return xerrors.New(xerrors.CodeBusy, "register", "prefix already claimed: "+h.Prefix)
		}
	}
	h.registered = true
	r.handlers = append(r.handlers, h)
	return nil
}

// Unregister removes h from the table. It fails with Invalid when h is not
// registered.
func (r *Registry) Unregister(h *Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.handlers {
		if existing == h {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			h.registered = false
			return nil
		}
	}
	return xerrors.New(xerrors.CodeInvalid, "unregister", "handler not registered")
}

// FindPrefix returns the first registered handler whose prefix leads name,
// or nil when no handler matches.
func (r *Registry) FindPrefix(name string) *Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if strings.HasPrefix(name, h.Prefix) {
			return h
		}
	}
	return nil
}
