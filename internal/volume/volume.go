// Package volume defines the narrow interface the attribute store consumes
// from the underlying filesystem: name lookup, node creation and removal,
// metadata changes, page-granular I/O, and positional directory entries.
// The filesystem's own B-tree, block allocation, and page cache sit behind
// this boundary.
package volume

import (
	"errors"
	"os"
	"time"

	"github.com/xattrfs/xattrfs/pkg/types"
)

// Volume-level sentinel errors. These are the raw collaborator results; the
// attribute store maps them onto its public taxonomy.
var (
	// ErrNotExist indicates a name lookup found nothing.
	ErrNotExist = errors.New("volume: no such entry")
	// ErrExist indicates a create collided with an existing name.
	ErrExist = errors.New("volume: entry exists")
	// ErrNotEmpty indicates an rmdir of a non-empty directory.
	ErrNotEmpty = errors.New("volume: directory not empty")
	// ErrNotDir indicates a directory operation on a non-directory.
	ErrNotDir = errors.New("volume: not a directory")
	// ErrIsDir indicates a file operation on a directory.
	ErrIsDir = errors.New("volume: is a directory")
	// ErrNoEntry indicates a positional search passed the directory's base
	// sentinel offset with nothing left to return.
	ErrNoEntry = errors.New("volume: no entry at or before position")
)

// Directory entry positions. Offsets 0 and 1 are the "." and ".." sentinels;
// real entries are assigned strictly increasing positions starting at
// FirstEntryOffset. Enumeration cursors start at MaxEntryOffset.
const (
	BaseOffset       int64 = 1
	FirstEntryOffset int64 = 2
	MaxEntryOffset   int64 = 1<<62 - 1
)

// DirEntry is a positional directory entry.
type DirEntry struct {
	Name     string
	Position int64
	ID       types.ObjectID
	IsDir    bool
	// Visible is false for entries that are marked deleted or hidden and
	// must be skipped during enumeration.
	Visible bool
}

// Handle is a reference-counted reference to a live node. Every Handle
// returned by a Volume must be released with exactly one Close, including
// on error paths.
type Handle interface {
	ID() types.ObjectID
	Generation() types.Generation
	Format() types.FormatVersion
	Size() int64
	Mode() os.FileMode
	UID() uint32
	GID() uint32
	CTime() time.Time
	IsDir() bool
	LinkCount() int

	// Private reports whether the node belongs to the hidden attribute
	// tree. MarkPrivate tags it; the flag is inherited by children created
	// beneath it.
	Private() bool
	MarkPrivate()

	// Acquire takes an additional reference and returns the same handle.
	Acquire() Handle
	// Close releases one reference. Unbalanced releases are programming
	// errors and panic.
	Close() error
}

// Page is a mutable view of one page-sized span of a node's content.
// Writers modify Data and then Commit the touched byte range; readers just
// consume Data. Release must be called exactly once.
type Page interface {
	// Data is the page contents, always a full page in length; bytes past
	// the node's size read as zero.
	Data() []byte
	// Commit writes back the byte range [from, to) of the page.
	Commit(from, to int) error
	// Release drops the page reference.
	Release()
}

// Volume is the collaborator interface the attribute store is built on.
type Volume interface {
	// PageSize is the volume's page size, a power of two >= 4096.
	PageSize() int

	// Root returns a new reference to the volume root directory.
	Root() Handle

	// Lookup resolves name within dir. Returns ErrNotExist when absent.
	Lookup(dir Handle, name string) (Handle, error)

	// Create creates a regular file named name within dir.
	Create(dir Handle, name string, mode os.FileMode) (Handle, error)

	// Mkdir creates a directory named name within dir.
	Mkdir(dir Handle, name string, mode os.FileMode) (Handle, error)

	// Link adds a hard link to target under dir.
	Link(dir Handle, name string, target Handle) error

	// Unlink removes the file entry name from dir.
	Unlink(dir Handle, name string) error

	// Rmdir removes the empty directory entry name from dir.
	Rmdir(dir Handle, name string) error

	// SetAttr applies the valid fields of ch to the node. A size change
	// truncates or zero-extends the content.
	SetAttr(h Handle, ch types.AttrChange) error

	// Page returns the page at the given page index of a file node.
	Page(h Handle, index int64) (Page, error)

	// EntryAtOrBefore returns the directory entry with the greatest
	// position <= pos, or ErrNoEntry when only the "."/".." sentinels
	// remain at or below pos.
	EntryAtOrBefore(dir Handle, pos int64) (DirEntry, error)

	// EntryCount returns the number of real entries in dir, excluding the
	// "." and ".." sentinels.
	EntryCount(dir Handle) (int, error)

	// Version returns dir's structure version. It changes whenever an
	// entry is added to or removed from dir, enabling optimistic
	// concurrency checks during enumeration.
	Version(dir Handle) uint64
}
