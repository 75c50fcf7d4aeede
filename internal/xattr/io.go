package xattr

import (
	"encoding/binary"
	"time"

	"github.com/xattrfs/xattrfs/internal/volume"
	xerrors "github.com/xattrfs/xattrfs/pkg/errors"
	"github.com/xattrfs/xattrfs/pkg/types"
)

// Attribute file layout: an 8-byte header followed by the raw value bytes.
// The header is a 4-byte little-endian magic constant and a 4-byte
// little-endian checksum of the whole value.
const (
	headerSize = 8

	// attrMagic spells "XATH" in the on-disk byte order.
	attrMagic uint32 = 0x48544158
)

// checksum is the Internet-style 16-bit-fold running sum over the whole
// value. It is computed once on write and recomputed over the fully
// assembled value on read, so any corruption of the stored value is caught
// regardless of chunking.
func checksum(data []byte) uint32 {
	var sum uint32
	i := 0
	for ; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
		if sum > 0xffff {
			sum = (sum & 0xffff) + (sum >> 16)
		}
	}
	if i < len(data) {
		sum += uint32(data[i]) << 8
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return sum
}

// writeAttr stores value under name for obj, creating or replacing the
// attribute file per flags. The caller must hold the object's lock and the
// attribute-tree write lock. A failure mid-transfer leaves a partially
// written file; no rollback is attempted.
func (s *Store) writeAttr(obj volume.Handle, name string, value []byte, flags types.SetFlags) error {
	if obj.Format() == types.FormatLegacy {
		return xerrors.ErrUnsupported
	}

	// Empty values are just empty files, checksum zero.
	var sum uint32
	if len(value) > 0 {
		sum = checksum(value)
	}

	rf := resolveAttrFlags(flags)
	file, err := s.openAttrFile(obj, name, rf)
	if err != nil {
		return err
	}

	// A shared attribute file must not be mutated in place: unlink it so
	// other referents keep the old bytes, then recreate. The old value is
	// gone at that point, so replace-only no longer applies.
	if file.LinkCount() > 1 {
		file.Close()
		if err := s.deleteAttr(obj, name); err != nil {
			return err
		}
		rf &^= flagReplace
		file, err = s.openAttrFile(obj, name, rf)
		if err != nil {
			return err
		}
	}
	defer file.Close()

	size := int64(headerSize + len(value))
	err = s.vol.SetAttr(file, types.AttrChange{
		Valid: types.AttrSize | types.AttrCTime,
		Size:  size,
		CTime: time.Now(),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeIO, "setxattr", err).WithName(name)
	}

	pageSize := s.vol.PageSize()
	filePos := int64(0)
	bufPos := 0
	for bufPos < len(value) || bufPos == 0 {
		chunk := len(value) - bufPos
		if chunk > pageSize {
			chunk = pageSize
		}
		pageOffset := int(filePos % int64(pageSize))

		page, err := s.vol.Page(file, filePos/int64(pageSize))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeIO, "setxattr", err).WithName(name)
		}

		skip := 0
		if filePos == 0 {
			// The first chunk is shortened by the header.
			skip = headerSize
			filePos = headerSize
			if chunk+skip > pageSize {
				chunk = pageSize - skip
			}
			data := page.Data()
			binary.LittleEndian.PutUint32(data[0:4], attrMagic)
			binary.LittleEndian.PutUint32(data[4:8], sum)
		}

		copy(page.Data()[pageOffset+skip:], value[bufPos:bufPos+chunk])
		err = page.Commit(pageOffset, pageOffset+skip+chunk)
		page.Release()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeIO, "setxattr", err).WithName(name)
		}

		bufPos += chunk
		filePos += int64(chunk)
		if len(value) == 0 {
			break
		}
	}
	return nil
}

// readAttr reads the attribute value into buf. A nil buf requests only the
// value length; no payload I/O happens beyond opening and sizing the file.
// The caller must hold the object's lock and the attribute-tree read lock.
func (s *Store) readAttr(obj volume.Handle, name string, buf []byte) (int, error) {
	if obj.Format() == types.FormatLegacy {
		return 0, xerrors.ErrUnsupported
	}

	file, err := s.openAttrFile(obj, name, flagReadOnly)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	isize := file.Size()
	if isize < headerSize {
		return 0, xerrors.New(xerrors.CodeIO, "getxattr", "attribute file shorter than header").WithName(name)
	}
	logical := int(isize) - headerSize

	if buf == nil {
		return logical, nil
	}
	if len(buf) < logical {
		return 0, xerrors.ErrRange.WithName(name)
	}

	pageSize := s.vol.PageSize()
	var stored uint32
	filePos := int64(0)
	bufPos := 0
	for filePos < isize {
		chunk := int(isize - filePos)
		if chunk > pageSize {
			chunk = pageSize
		}

		page, err := s.vol.Page(file, filePos/int64(pageSize))
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeIO, "getxattr", err).WithName(name)
		}
		data := page.Data()

		skip := 0
		if filePos == 0 {
			skip = headerSize
			filePos = headerSize
			chunk -= skip
			if magic := binary.LittleEndian.Uint32(data[0:4]); magic != attrMagic {
				page.Release()
				return 0, xerrors.New(xerrors.CodeIO, "getxattr", "attribute header magic mismatch").WithName(name)
			}
			stored = binary.LittleEndian.Uint32(data[4:8])
		}

		copy(buf[bufPos:], data[skip:skip+chunk])
		page.Release()
		filePos += int64(chunk)
		bufPos += chunk
	}

	if checksum(buf[:logical]) != stored {
		return 0, xerrors.New(xerrors.CodeIO, "getxattr", "attribute checksum mismatch").WithName(name)
	}
	return logical, nil
}

// deleteAttrIn removes the attribute file name from an already-open object
// directory. Directories under the name are skipped rather than removed,
// and a target outside the private attribute tree is refused: unlinking it
// would mean the tree escaped into user-visible namespace.
func (s *Store) deleteAttrIn(objDir volume.Handle, name string) error {
	file, err := s.vol.Lookup(objDir, name)
	if err != nil {
		return xerrors.ErrNoAttribute.WithName(name)
	}
	defer file.Close()

	if file.IsDir() {
		return nil
	}
	if !file.Private() {
		s.log.Warn("refusing to delete non-private object under attribute tree",
			"name", name, "object", uint64(file.ID()))
		return xerrors.New(xerrors.CodeIO, "removexattr", "target outside attribute tree").WithName(name)
	}
	if err := s.vol.Unlink(objDir, name); err != nil {
		return xerrors.Wrap(xerrors.CodeIO, "removexattr", err).WithName(name)
	}
	return nil
}

// deleteAttr resolves the object's attribute directory read-only and
// removes the named attribute file. Missing directory or file surfaces as
// NoAttribute.
func (s *Store) deleteAttr(obj volume.Handle, name string) error {
	dir, err := s.objectDir(obj, flagReadOnly)
	if err != nil {
		return err
	}
	defer dir.Close()
	return s.deleteAttrIn(dir, name)
}
