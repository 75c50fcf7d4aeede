package xattr

import (
	"errors"
	"fmt"

	"github.com/xattrfs/xattrfs/internal/volume"
	xerrors "github.com/xattrfs/xattrfs/pkg/errors"
	"github.com/xattrfs/xattrfs/pkg/types"
)

// On-disk literals. These are part of the persistent layout and must not
// change.
const (
	// privRootName is the hidden per-filesystem directory holding the
	// entire attribute tree.
	privRootName = ".xattrfs_priv"
	// attrRootName is the child of the private root containing one
	// subdirectory per attribute-bearing object.
	attrRootName = "xattrs"
)

// dirMode is the restrictive mode for every directory in the attribute
// tree, preventing cross-user tampering when the tree is reachable.
const dirMode = 0o700

// objectDirName builds the attribute directory name for an object:
// uppercase-hex object id, dot, uppercase-hex generation. The generation
// pairing keeps reused object ids from colliding.
func objectDirName(id types.ObjectID, gen types.Generation) string {
	return fmt.Sprintf("%X.%X", uint64(id), uint32(gen))
}

// privateRoot returns a new reference to the cached private root. It fails
// with Unsupported when bootstrap did not produce one (attributes disabled
// or unavailable on this filesystem).
func (s *Store) privateRoot() (volume.Handle, error) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	if s.privRoot == nil {
		return nil, xerrors.ErrUnsupported
	}
	return s.privRoot.Acquire(), nil
}

// attrRootDir returns a new reference to the attribute root, creating it
// under the private root when create is set and it does not exist yet. The
// reference is cached for the store's lifetime on first success. Absence
// without create surfaces as NoAttribute.
func (s *Store) attrRootDir(create bool) (volume.Handle, error) {
	s.rootMu.Lock()
	if s.attrRoot != nil {
		h := s.attrRoot.Acquire()
		s.rootMu.Unlock()
		return h, nil
	}
	s.rootMu.Unlock()

	priv, err := s.privateRoot()
	if err != nil {
		return nil, err
	}
	defer priv.Close()

	root, err := s.vol.Lookup(priv, attrRootName)
	if errors.Is(err, volume.ErrNotExist) {
		if !create {
			return nil, xerrors.ErrNoAttribute
		}
		root, err = s.vol.Mkdir(priv, attrRootName, dirMode)
		if errors.Is(err, volume.ErrExist) {
			// Lost a creation race; the existing directory serves.
			root, err = s.vol.Lookup(priv, attrRootName)
		}
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIO, "attr-root", err)
	}
	root.MarkPrivate()

	s.rootMu.Lock()
	if s.attrRoot == nil {
		s.attrRoot = root.Acquire()
	}
	s.rootMu.Unlock()
	return root, nil
}

// objectDir resolves the attribute directory for an object. Unless flags
// forbid creation, missing path components are created with restrictive
// permissions. When creation is forbidden and the directory is absent the
// result is NoAttribute.
func (s *Store) objectDir(obj volume.Handle, flags resolveFlags) (volume.Handle, error) {
	create := flags.allowsCreate()
	root, err := s.attrRootDir(create)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	name := objectDirName(obj.ID(), obj.Generation())
	dir, err := s.vol.Lookup(root, name)
	if errors.Is(err, volume.ErrNotExist) {
		if !create {
			return nil, xerrors.ErrNoAttribute
		}
		// Another object with the same directory name cannot exist, but a
		// concurrent first-write to this object can race us here.
		dir, err = s.vol.Mkdir(root, name, dirMode)
		if errors.Is(err, volume.ErrExist) {
			dir, err = s.vol.Lookup(root, name)
		}
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIO, "object-dir", err)
	}
	return dir, nil
}
