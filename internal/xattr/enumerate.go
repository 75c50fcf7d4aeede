package xattr

import (
	"errors"

	"github.com/xattrfs/xattrfs/internal/volume"
	xerrors "github.com/xattrfs/xattrfs/pkg/errors"
	"github.com/xattrfs/xattrfs/pkg/types"
)

// Entry is one visible directory entry produced during enumeration.
type Entry struct {
	Name     string
	Position int64
	ID       types.ObjectID
	IsDir    bool
}

// Stop is returned by an enumeration consumer to end the pass early
// without error.
var Stop = errors.New("xattr: stop enumeration")

// forEachReverse visits dir's visible entries in strictly decreasing
// position order, invoking fn with a copy of each entry. The entry copy is
// taken before any volume traversal state is released, so fn is free to
// acquire locks or mutate the directory; entries added or removed behind
// the cursor are simply not revisited. When the directory's structure
// changes between locating an entry and snapshotting it, the same position
// is retried rather than advanced.
//
// Entries belonging to the private root itself and entries marked
// invisible are skipped. fn returning Stop ends the pass successfully; any
// other error aborts it.
func (s *Store) forEachReverse(dir volume.Handle, fn func(Entry) error) error {
	pos := volume.MaxEntryOffset
	for pos > volume.BaseOffset {
		version := s.vol.Version(dir)

		e, err := s.vol.EntryAtOrBefore(dir, pos)
		if errors.Is(err, volume.ErrNoEntry) {
			break
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeIO, "enumerate", err)
		}

		// The DirEntry is a value copy; once the version still matches we
		// know the copy is coherent and can drop out of the volume's
		// traversal entirely.
		if s.vol.Version(dir) != version {
			pos = e.Position
			continue
		}

		pos = e.Position - 1

		if !e.Visible {
			continue
		}
		if s.privRootID != 0 && e.ID == s.privRootID {
			continue
		}

		err = fn(Entry{Name: e.Name, Position: e.Position, ID: e.ID, IsDir: e.IsDir})
		if err != nil {
			if errors.Is(err, Stop) {
				return nil
			}
			return err
		}
	}
	return nil
}
