// Package fuse exposes a volume and its attribute store as a FUSE
// filesystem. Regular file and directory operations go straight to the
// volume; extended attribute operations are routed through the store, and
// object lifecycle events (last unlink, ownership change) trigger the
// store's cascading hooks.
package fuse

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/xattrfs/xattrfs/internal/volume"
	"github.com/xattrfs/xattrfs/internal/xattr"
	xerrors "github.com/xattrfs/xattrfs/pkg/errors"
	"github.com/xattrfs/xattrfs/pkg/types"
)

// setxattr(2) flag values, stable across platforms.
const (
	xattrCreate  = 0x1
	xattrReplace = 0x2
)

// Config represents FUSE gateway configuration.
type Config struct {
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`

	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// Gateway binds one volume and its attribute store to a FUSE mount.
type Gateway struct {
	vol    volume.Volume
	store  *xattr.Store
	config *Config
	log    *slog.Logger

	// objLocks serializes operations per object; the attribute store
	// requires the object's lock to be held across its calls.
	mu       sync.Mutex
	objLocks map[types.ObjectID]*sync.Mutex
}

// NewGateway creates a gateway over vol and store.
func NewGateway(vol volume.Volume, store *xattr.Store, config *Config, logger *slog.Logger) *Gateway {
	if config == nil {
		config = &Config{
			FSName:       "xattrfs",
			Subtype:      "volume",
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		vol:      vol,
		store:    store,
		config:   config,
		log:      logger.With("component", "fuse-gateway"),
		objLocks: make(map[types.ObjectID]*sync.Mutex),
	}
}

// Root returns the root inode embedder for mounting.
func (g *Gateway) Root() fs.InodeEmbedder {
	return &node{gw: g, h: g.vol.Root()}
}

// objLock returns the per-object mutex for id, creating it on first use.
func (g *Gateway) objLock(id types.ObjectID) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.objLocks[id]
	if !ok {
		l = &sync.Mutex{}
		g.objLocks[id] = l
	}
	return l
}

// errnoFromStore maps the store's error taxonomy onto FUSE errnos.
func errnoFromStore(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNoAttribute:
		return syscall.ENODATA
	case xerrors.CodeUnsupported:
		return syscall.EOPNOTSUPP
	case xerrors.CodeRange:
		return syscall.ERANGE
	case xerrors.CodeExists:
		return syscall.EEXIST
	case xerrors.CodeInvalid:
		return syscall.EINVAL
	case xerrors.CodeBusy:
		return syscall.EBUSY
	case xerrors.CodeExhausted:
		return syscall.ENOSPC
	default:
		return syscall.EIO
	}
}

// errnoFromVolume maps volume sentinel errors onto FUSE errnos.
func errnoFromVolume(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case xerrors.Is(err, volume.ErrNotExist):
		return syscall.ENOENT
	case xerrors.Is(err, volume.ErrExist):
		return syscall.EEXIST
	case xerrors.Is(err, volume.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case xerrors.Is(err, volume.ErrNotDir):
		return syscall.ENOTDIR
	case xerrors.Is(err, volume.ErrIsDir):
		return syscall.EISDIR
	default:
		return syscall.EIO
	}
}

// node is one live object exposed through the mount. It owns a volume
// handle for as long as the kernel knows the inode.
type node struct {
	fs.Inode
	gw *Gateway
	h  volume.Handle
}

func (n *node) stableAttr() fs.StableAttr {
	mode := uint32(fuse.S_IFREG)
	if n.h.IsDir() {
		mode = fuse.S_IFDIR
	}
	return fs.StableAttr{
		Mode: mode,
		Ino:  uint64(n.h.ID()),
		Gen:  uint64(n.h.Generation()),
	}
}

func (n *node) fillAttr(out *fuse.Attr) {
	mode := uint32(n.h.Mode().Perm())
	if n.h.IsDir() {
		mode |= fuse.S_IFDIR
	} else {
		mode |= fuse.S_IFREG
	}
	out.Mode = mode
	out.Size = uint64(n.h.Size())
	out.Uid = n.h.UID()
	out.Gid = n.h.GID()
	ctime := n.h.CTime()
	if !ctime.IsZero() {
		out.SetTimes(nil, &ctime, &ctime)
	}
	out.Nlink = uint32(n.h.LinkCount())
}

// Getattr fills file attributes from the volume handle.
func (n *node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fillAttr(&out.Attr)
	return 0
}

// Lookup resolves a child by name. Entries inside the private attribute
// tree never resolve; the tree is invisible to the mount.
func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child, err := n.gw.vol.Lookup(n.h, name)
	if err != nil {
		return nil, errnoFromVolume(err)
	}
	if child.Private() {
		child.Close()
		return nil, syscall.ENOENT
	}
	childNode := &node{gw: n.gw, h: child}
	childNode.fillAttr(&out.Attr)
	return n.NewInode(ctx, childNode, childNode.stableAttr()), 0
}

// Readdir lists the directory's visible entries in position order,
// excluding anything belonging to the private attribute tree.
func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	pos := volume.MaxEntryOffset
	for pos > volume.BaseOffset {
		e, err := n.gw.vol.EntryAtOrBefore(n.h, pos)
		if xerrors.Is(err, volume.ErrNoEntry) {
			break
		}
		if err != nil {
			n.gw.log.Warn("readdir scan failed", "error", err)
			return nil, syscall.EIO
		}
		pos = e.Position - 1
		if !e.Visible {
			continue
		}
		child, err := n.gw.vol.Lookup(n.h, e.Name)
		if err != nil {
			continue
		}
		private := child.Private()
		child.Close()
		if private {
			continue
		}
		mode := uint32(fuse.S_IFREG)
		if e.IsDir {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{
			Name: e.Name,
			Ino:  uint64(e.ID),
			Mode: mode,
		})
	}
	// The scan runs from the highest position down; present entries in
	// the order they were created.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a child directory.
func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.gw.config.ReadOnly {
		return nil, syscall.EROFS
	}
	child, err := n.gw.vol.Mkdir(n.h, name, toFileMode(mode, true))
	if err != nil {
		return nil, errnoFromVolume(err)
	}
	childNode := &node{gw: n.gw, h: child}
	childNode.fillAttr(&out.Attr)
	return n.NewInode(ctx, childNode, childNode.stableAttr()), 0
}

// Create creates a child file and opens it.
func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.gw.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	child, err := n.gw.vol.Create(n.h, name, toFileMode(mode, false))
	if err != nil {
		return nil, nil, 0, errnoFromVolume(err)
	}
	childNode := &node{gw: n.gw, h: child}
	childNode.fillAttr(&out.Attr)
	return n.NewInode(ctx, childNode, childNode.stableAttr()), nil, 0, 0
}

// Link adds a hard link to an existing file.
func (n *node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.gw.config.ReadOnly {
		return nil, syscall.EROFS
	}
	tn, ok := target.(*node)
	if !ok {
		return nil, syscall.EXDEV
	}
	if err := n.gw.vol.Link(n.h, name, tn.h); err != nil {
		return nil, errnoFromVolume(err)
	}
	child, err := n.gw.vol.Lookup(n.h, name)
	if err != nil {
		return nil, errnoFromVolume(err)
	}
	childNode := &node{gw: n.gw, h: child}
	childNode.fillAttr(&out.Attr)
	return n.NewInode(ctx, childNode, childNode.stableAttr()), 0
}

// Unlink removes a child file. When the last link goes away, every
// attribute stored for the object is removed first.
func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.gw.config.ReadOnly {
		return syscall.EROFS
	}
	child, err := n.gw.vol.Lookup(n.h, name)
	if err != nil {
		return errnoFromVolume(err)
	}
	defer child.Close()

	if child.LinkCount() == 1 {
		l := n.gw.objLock(child.ID())
		l.Lock()
		err = n.gw.store.DeleteAllXattrs(child)
		l.Unlock()
		if err != nil {
			n.gw.log.Warn("attribute cleanup on unlink failed",
				"name", name, "object", uint64(child.ID()), "error", err)
			return errnoFromStore(err)
		}
	}
	return errnoFromVolume(n.gw.vol.Unlink(n.h, name))
}

// Rmdir removes an empty child directory.
func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.gw.config.ReadOnly {
		return syscall.EROFS
	}
	return errnoFromVolume(n.gw.vol.Rmdir(n.h, name))
}

// Setattr applies metadata changes. An ownership change is propagated to
// the object's attribute files before the object itself is updated, so the
// private tree never disagrees with the object about its owner.
func (n *node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.gw.config.ReadOnly {
		return syscall.EROFS
	}

	var ch types.AttrChange
	if uid, ok := in.GetUID(); ok {
		ch.Valid |= types.AttrUID
		ch.UID = uid
	}
	if gid, ok := in.GetGID(); ok {
		ch.Valid |= types.AttrGID
		ch.GID = gid
	}
	if size, ok := in.GetSize(); ok {
		ch.Valid |= types.AttrSize
		ch.Size = int64(size)
	}
	if mode, ok := in.GetMode(); ok {
		ch.Valid |= types.AttrMode
		ch.Mode = mode & 0o777
	}
	if ctime, ok := in.GetCTime(); ok {
		ch.Valid |= types.AttrCTime
		ch.CTime = ctime
	}
	if ch.Valid == 0 {
		n.fillAttr(&out.Attr)
		return 0
	}

	if ch.Valid&(types.AttrUID|types.AttrGID) != 0 {
		l := n.gw.objLock(n.h.ID())
		l.Lock()
		err := n.gw.store.PropagateChown(n.h, &ch)
		l.Unlock()
		if err != nil {
			return errnoFromStore(err)
		}
	}

	if err := n.gw.vol.SetAttr(n.h, ch); err != nil {
		return errnoFromVolume(err)
	}
	n.fillAttr(&out.Attr)
	return 0
}

// Open admits the file for I/O. Reads and writes go through the node
// itself, so no per-open state is needed.
func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.gw.config.ReadOnly && flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, 0, 0
}

// Read copies file content out of the volume's pages.
func (n *node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	size := n.h.Size()
	if off >= size {
		return fuse.ReadResultData(nil), 0
	}
	want := int64(len(dest))
	if off+want > size {
		want = size - off
	}

	pageSize := int64(n.gw.vol.PageSize())
	var copied int64
	for copied < want {
		at := off + copied
		pg, err := n.gw.vol.Page(n.h, at/pageSize)
		if err != nil {
			return nil, syscall.EIO
		}
		start := at % pageSize
		nc := copy(dest[copied:want], pg.Data()[start:])
		pg.Release()
		if nc == 0 {
			break
		}
		copied += int64(nc)
	}
	return fuse.ReadResultData(dest[:copied]), 0
}

// Write stores data into the volume's pages, extending the file first when
// the write reaches past the current end.
func (n *node) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if n.gw.config.ReadOnly {
		return 0, syscall.EROFS
	}

	end := off + int64(len(data))
	if end > n.h.Size() {
		ch := types.AttrChange{Valid: types.AttrSize, Size: end}
		if err := n.gw.vol.SetAttr(n.h, ch); err != nil {
			return 0, errnoFromVolume(err)
		}
	}

	pageSize := int64(n.gw.vol.PageSize())
	var written int64
	for written < int64(len(data)) {
		at := off + written
		pg, err := n.gw.vol.Page(n.h, at/pageSize)
		if err != nil {
			return 0, syscall.EIO
		}
		start := at % pageSize
		nc := copy(pg.Data()[start:], data[written:])
		if err := pg.Commit(int(start), int(start)+nc); err != nil {
			pg.Release()
			return 0, syscall.EIO
		}
		pg.Release()
		written += int64(nc)
	}
	return uint32(written), 0
}

// Getxattr reads an extended attribute through the store.
func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	l := n.gw.objLock(n.h.ID())
	l.Lock()
	defer l.Unlock()

	// A zero-length dest is a size probe.
	buf := dest
	if len(buf) == 0 {
		buf = nil
	}
	sz, err := n.gw.store.GetXattr(n.h, attr, buf)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeRange {
			// The kernel expects the needed size alongside ERANGE.
			if need, nerr := n.gw.store.GetXattr(n.h, attr, nil); nerr == nil {
				return uint32(need), syscall.ERANGE
			}
		}
		return 0, errnoFromStore(err)
	}
	return uint32(sz), 0
}

// Setxattr stores an extended attribute through the store.
func (n *node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	if n.gw.config.ReadOnly {
		return syscall.EROFS
	}
	var sf types.SetFlags
	if flags&xattrCreate != 0 {
		sf |= types.SetCreate
	}
	if flags&xattrReplace != 0 {
		sf |= types.SetReplace
	}
	l := n.gw.objLock(n.h.ID())
	l.Lock()
	defer l.Unlock()
	return errnoFromStore(n.gw.store.SetXattr(n.h, attr, data, sf))
}

// Removexattr deletes an extended attribute through the store.
func (n *node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	if n.gw.config.ReadOnly {
		return syscall.EROFS
	}
	l := n.gw.objLock(n.h.ID())
	l.Lock()
	defer l.Unlock()
	return errnoFromStore(n.gw.store.RemoveXattr(n.h, attr))
}

// Listxattr enumerates extended attribute names through the store.
func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	l := n.gw.objLock(n.h.ID())
	l.Lock()
	defer l.Unlock()

	buf := dest
	if len(buf) == 0 {
		buf = nil
	}
	sz, err := n.gw.store.ListXattrs(n.h, buf)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeRange {
			if need, nerr := n.gw.store.ListXattrs(n.h, nil); nerr == nil {
				return uint32(need), syscall.ERANGE
			}
		}
		return 0, errnoFromStore(err)
	}
	return uint32(sz), 0
}

func toFileMode(mode uint32, dir bool) os.FileMode {
	fm := os.FileMode(mode & 0o777)
	if dir {
		fm |= os.ModeDir
	}
	return fm
}
