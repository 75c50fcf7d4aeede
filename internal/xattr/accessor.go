package xattr

import (
	"errors"

	"github.com/xattrfs/xattrfs/internal/volume"
	xerrors "github.com/xattrfs/xattrfs/pkg/errors"
	"github.com/xattrfs/xattrfs/pkg/types"
)

// resolveFlags control attribute file and directory resolution policy.
type resolveFlags int

const (
	// flagReadOnly forbids creating any missing path component or file.
	flagReadOnly resolveFlags = 1 << iota
	// flagCreate fails when the attribute file already exists.
	flagCreate
	// flagReplace fails when the attribute file does not exist.
	flagReplace
)

// allowsCreate reports whether missing tree components may be created:
// default mode and explicit-create mode build the tree, read-only and
// replace-only do not build directories that aren't already there.
func (f resolveFlags) allowsCreate() bool {
	return f == 0 || f&flagCreate != 0
}

// fileMode is the mode for attribute files themselves.
const fileMode = 0o700

// resolveAttrFlags maps public set flags onto resolution policy.
func resolveAttrFlags(flags types.SetFlags) resolveFlags {
	var rf resolveFlags
	if flags&types.SetCreate != 0 {
		rf |= flagCreate
	}
	if flags&types.SetReplace != 0 {
		rf |= flagReplace
	}
	return rf
}

// attrFileIn resolves the attribute file name within an already-open object
// directory. Policy by flags: create-only fails with AlreadyExists when the
// file is present; replace-only and read-only return NoAttribute without
// creating; the default creates the file when absent. The caller's
// per-object lock keeps two creators from racing on the same name.
func (s *Store) attrFileIn(objDir volume.Handle, name string, flags resolveFlags) (volume.Handle, error) {
	file, err := s.vol.Lookup(objDir, name)
	if err == nil {
		if flags&flagCreate != 0 {
			file.Close()
			return nil, xerrors.ErrExists.WithName(name)
		}
		return file, nil
	}
	if !errors.Is(err, volume.ErrNotExist) {
		return nil, xerrors.Wrap(xerrors.CodeIO, "attr-file", err).WithName(name)
	}
	if flags&(flagReplace|flagReadOnly) != 0 {
		return nil, xerrors.ErrNoAttribute.WithName(name)
	}
	file, err = s.vol.Create(objDir, name, fileMode)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIO, "attr-file", err).WithName(name)
	}
	return file, nil
}

// openAttrFile resolves the object's attribute directory and then the
// attribute file beneath it, applying the same creation policy to both.
func (s *Store) openAttrFile(obj volume.Handle, name string, flags resolveFlags) (volume.Handle, error) {
	dir, err := s.objectDir(obj, flags)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	return s.attrFileIn(dir, name, flags)
}
