// Package xattr implements extended-attribute and POSIX-ACL storage by
// mapping each object's named attributes onto files within a hidden,
// per-object private directory tree built from ordinary filesystem
// primitives.
//
// Layout, relative to the volume root:
//
//	/.xattrfs_priv/xattrs/<HEX-ID>.<HEX-GEN>/<attribute name>
//
// so for object id 0xC0FFEE generation 0 there could be:
//
//	/.xattrfs_priv/xattrs/C0FFEE.0/system.posix_acl_access
//	/.xattrfs_priv/xattrs/C0FFEE.0/user.Content-Type
//
// Each attribute file holds an 8-byte header (magic plus checksum) followed
// by the raw value bytes, and the private root is excluded from ordinary
// directory listings.
package xattr

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xattrfs/xattrfs/internal/config"
	"github.com/xattrfs/xattrfs/internal/metrics"
	"github.com/xattrfs/xattrfs/internal/volume"
	xerrors "github.com/xattrfs/xattrfs/pkg/errors"
	"github.com/xattrfs/xattrfs/pkg/types"
)

// Store is the attribute storage engine for one filesystem instance.
//
// Locking: Store carries the global attribute-tree lock guarding all
// structural changes to the attribute tree; public reads take its read
// side, public writes the write side. Serializing attribute operations on
// the same object is the caller's job: every public per-object operation
// documents that the object's own lock must already be held.
type Store struct {
	vol      volume.Volume
	caps     types.Capabilities
	log      *slog.Logger
	metrics  *metrics.Collector
	registry *Registry
	aclCache *aclCache

	// mu is the attribute-tree lock.
	mu sync.RWMutex

	// rootMu guards the cached root handles below.
	rootMu     sync.Mutex
	privRoot   volume.Handle
	attrRoot   volume.Handle
	privRootID types.ObjectID

	gets     atomic.Uint64
	sets     atomic.Uint64
	removes  atomic.Uint64
	lists    atomic.Uint64
	cascades atomic.Uint64
	errs     atomic.Uint64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Store) { s.metrics = c }
}

// New bootstraps attribute support on vol: it negotiates the capability
// flags from cfg, then locates or creates the private root directory. On a
// writable mount, failure to establish the private root while attributes
// are requested fails the bootstrap with Unsupported. On a read-only mount
// a missing private root just means no attributes exist yet; the
// capability flags are cleared and the store operates disabled.
func New(vol volume.Volume, cfg *config.Config, opts ...Option) (*Store, error) {
	s := &Store{
		vol:      vol,
		caps:     config.Negotiate(cfg),
		log:      slog.Default().With("component", "xattr-store"),
		registry: NewRegistry(),
		aclCache: newACLCache(cfg.Attributes.ACLCacheEntries),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.caps.Xattrs {
		if err := s.bootstrapPrivRoot(); err != nil {
			return nil, err
		}
	}

	for _, h := range defaultHandlers() {
		if err := s.registry.Register(h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// bootstrapPrivRoot locates or creates the private root and caches a
// reference for the store's lifetime.
func (s *Store) bootstrapPrivRoot() error {
	root := s.vol.Root()
	defer root.Close()

	priv, err := s.vol.Lookup(root, privRootName)
	if errors.Is(err, volume.ErrNotExist) && !s.caps.ReadOnly {
		priv, err = s.vol.Mkdir(root, privRootName, dirMode)
		if err == nil {
			s.log.Info("created private directory reserved for attribute storage",
				"name", privRootName)
		}
	}
	if err != nil {
		if !s.caps.ReadOnly {
			s.log.Warn("attributes enabled but private root unavailable", "error", err)
			return xerrors.Wrap(xerrors.CodeUnsupported, "bootstrap", err)
		}
		// Read-only without a private root: the directory simply hasn't
		// been created yet. No attributes on this filesystem until it goes
		// read-write.
		s.caps.Xattrs = false
		s.caps.UserXattrs = false
		s.caps.PosixACLs = false
		return nil
	}

	priv.MarkPrivate()
	s.rootMu.Lock()
	s.privRoot = priv
	s.privRootID = priv.ID()
	s.rootMu.Unlock()
	return nil
}

// Close releases the store's cached directory references.
func (s *Store) Close() error {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	if s.attrRoot != nil {
		s.attrRoot.Close()
		s.attrRoot = nil
	}
	if s.privRoot != nil {
		s.privRoot.Close()
		s.privRoot = nil
	}
	return nil
}

// Capabilities returns the settled capability flags.
func (s *Store) Capabilities() types.Capabilities { return s.caps }

// RegisterHandler adds a handler at runtime.
func (s *Store) RegisterHandler(h *Handler) error { return s.registry.Register(h) }

// UnregisterHandler removes a handler at runtime.
func (s *Store) UnregisterHandler(h *Handler) error { return s.registry.Unregister(h) }

// dispatchable returns the handler for name, or Unsupported when no
// handler matches, attributes are disabled, or the object predates
// generation numbers.
func (s *Store) dispatchable(obj volume.Handle, name string) (*Handler, error) {
	h := s.registry.FindPrefix(name)
	if h == nil || !s.caps.Xattrs || obj.Format() == types.FormatLegacy {
		return nil, xerrors.ErrUnsupported.WithName(name)
	}
	return h, nil
}

// GetXattr reads the attribute value for name into buf and returns the
// value length. A nil buf returns the length alone. The caller must hold
// the object's lock.
func (s *Store) GetXattr(obj volume.Handle, name string, buf []byte) (int, error) {
	h, err := s.dispatchable(obj, name)
	if err != nil {
		s.observe("get", 0, err)
		return 0, err
	}
	s.mu.RLock()
	n, err := h.Get(s, obj, name, buf)
	s.mu.RUnlock()
	s.gets.Add(1)
	s.observe("get", n, err)
	return n, err
}

// SetXattr stores value under name for obj. SetCreate fails when the
// attribute exists; SetReplace fails when it does not. The caller must
// hold the object's lock.
func (s *Store) SetXattr(obj volume.Handle, name string, value []byte, flags types.SetFlags) error {
	h, err := s.dispatchable(obj, name)
	if err != nil {
		s.observe("set", 0, err)
		return err
	}
	s.mu.Lock()
	err = h.Set(s, obj, name, value, flags)
	s.mu.Unlock()
	s.sets.Add(1)
	s.observe("set", len(value), err)
	return err
}

// RemoveXattr deletes the attribute name from obj. The handler's pre-delete
// hook runs first and its failure aborts the removal before storage is
// touched. The caller must hold the object's lock.
func (s *Store) RemoveXattr(obj volume.Handle, name string) error {
	h, err := s.dispatchable(obj, name)
	if err != nil {
		s.observe("remove", 0, err)
		return err
	}
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.removes.Add(1)
		s.observe("remove", 0, err)
	}()
	if h.Delete != nil {
		if err = h.Delete(s, obj, name); err != nil {
			return err
		}
	}
	err = s.deleteAttr(obj, name)
	return err
}

// ListXattrs writes the concatenation of null-terminated attribute names
// for obj into buf and returns the byte count. A nil buf computes the
// required size without copying; a too-small non-nil buf fails with Range.
// Names without a registered handler are omitted, and a handler's List
// hook may suppress or rename its entries. The caller must hold the
// object's lock.
func (s *Store) ListXattrs(obj volume.Handle, buf []byte) (n int, err error) {
	defer func() {
		s.lists.Add(1)
		s.observe("list", n, err)
	}()

	if !s.caps.Xattrs || obj.Format() == types.FormatLegacy {
		return 0, xerrors.ErrUnsupported
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.objectDir(obj, flagReadOnly)
	if xerrors.Is(err, xerrors.ErrNoAttribute) {
		// No attribute directory means an empty list, not an error.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer dir.Close()

	pos := 0
	err = s.forEachReverse(dir, func(e Entry) error {
		h := s.registry.FindPrefix(e.Name)
		if h == nil {
			return nil
		}
		visible := e.Name
		if h.List != nil {
			var ok bool
			if visible, ok = h.List(s, obj, e.Name); !ok {
				return nil
			}
		}
		if buf != nil && pos+len(visible)+1 <= len(buf) {
			copy(buf[pos:], visible)
			buf[pos+len(visible)] = 0
		}
		pos += len(visible) + 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	if buf != nil && pos > len(buf) {
		return 0, xerrors.ErrRange
	}
	return pos, nil
}

// Stats returns a snapshot of operation counters.
func (s *Store) Stats() types.StoreStats {
	return types.StoreStats{
		Gets:     s.gets.Load(),
		Sets:     s.sets.Load(),
		Removes:  s.removes.Load(),
		Lists:    s.lists.Load(),
		Cascades: s.cascades.Load(),
		Errors:   s.errs.Load(),
	}
}

func (s *Store) observe(op string, bytes int, err error) {
	if err != nil && !xerrors.Is(err, xerrors.ErrNoAttribute) {
		s.errs.Add(1)
	}
	if s.metrics != nil {
		s.metrics.ObserveOp(op, bytes, err)
	}
}
