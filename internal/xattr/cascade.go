package xattr

import (
	"time"

	"github.com/xattrfs/xattrfs/internal/volume"
	xerrors "github.com/xattrfs/xattrfs/pkg/errors"
	"github.com/xattrfs/xattrfs/pkg/types"
)

// skipCascade reports whether a lifecycle hook has nothing to do for obj:
// objects inside the private tree carry no attributes of their own, legacy
// objects cannot have any, and a disabled subsystem has none to touch.
func (s *Store) skipCascade(obj volume.Handle) bool {
	return obj.Private() || obj.Format() == types.FormatLegacy || !s.caps.Xattrs
}

// DeleteAllXattrs removes every attribute stored for obj and, when the
// attribute directory is left empty, the directory itself. It is invoked on
// object deletion. Leftover entries after the sweep are logged but do not
// fail the operation; the filesystem stays usable around a harmless
// leftover directory.
//
// The caller must hold the object's lock.
func (s *Store) DeleteAllXattrs(obj volume.Handle) error {
	if s.skipCascade(obj) {
		return nil
	}
	s.cascades.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.objectDir(obj, flagReadOnly)
	if xerrors.Is(err, xerrors.ErrNoAttribute) {
		return nil
	}
	if err != nil {
		return err
	}
	defer dir.Close()

	err = s.forEachReverse(dir, func(e Entry) error {
		if e.IsDir {
			return nil
		}
		return s.deleteAttrIn(dir, e.Name)
	})
	if err != nil {
		return err
	}

	count, err := s.vol.EntryCount(dir)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeIO, "delete-xattrs", err)
	}
	if count > 0 {
		s.log.Warn("leftover entries in attribute directory after cascade delete",
			"object", uint64(obj.ID()), "generation", uint32(obj.Generation()), "leftover", count)
		return nil
	}

	root, err := s.attrRootDir(false)
	if err != nil {
		return err
	}
	defer root.Close()
	if err := s.vol.Rmdir(root, objectDirName(obj.ID(), obj.Generation())); err != nil {
		return xerrors.Wrap(xerrors.CodeIO, "delete-xattrs", err)
	}
	return nil
}

// PropagateChown applies an ownership change to every attribute file of
// obj and then to the attribute directory itself. It is invoked on chown.
// Only the uid, gid, and change-time fields of ch are applied; ch is
// restored to its original field set before returning regardless of
// outcome, since the caller continues using it.
//
// The caller must hold the object's lock.
func (s *Store) PropagateChown(obj volume.Handle, ch *types.AttrChange) error {
	if s.skipCascade(obj) {
		return nil
	}

	origValid := ch.Valid
	defer func() { ch.Valid = origValid }()

	s.cascades.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.objectDir(obj, flagReadOnly)
	if xerrors.Is(err, xerrors.ErrNoAttribute) {
		return nil
	}
	if err != nil {
		return err
	}
	defer dir.Close()

	restricted := ch.Restrict(types.AttrUID | types.AttrGID | types.AttrCTime)
	if restricted.Valid&types.AttrCTime != 0 && restricted.CTime.IsZero() {
		restricted.CTime = time.Now()
	}

	err = s.forEachReverse(dir, func(e Entry) error {
		if e.IsDir {
			return nil
		}
		file, err := s.vol.Lookup(dir, e.Name)
		if err != nil {
			return xerrors.ErrNoAttribute.WithName(e.Name)
		}
		defer file.Close()
		if err := s.vol.SetAttr(file, restricted); err != nil {
			return xerrors.Wrap(xerrors.CodeIO, "chown-xattrs", err).WithName(e.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.vol.SetAttr(dir, restricted); err != nil {
		return xerrors.Wrap(xerrors.CodeIO, "chown-xattrs", err)
	}
	return nil
}
