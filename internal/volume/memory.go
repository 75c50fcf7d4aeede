package volume

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/xattrfs/xattrfs/pkg/types"
)

// Memory is an in-memory Volume. It backs the test suite and serves as the
// in-core state for the S3-persisted volume.
type Memory struct {
	mu       sync.Mutex
	pageSize int
	root     *memNode
	nextID   types.ObjectID
	live     int64

	// onMutate and onRemove, when set, observe mutations so a persistence
	// layer can write them through. Called with mu held.
	onMutate func(n *memNode)
	onRemove func(id types.ObjectID, gen types.Generation)
}

type memNode struct {
	id      types.ObjectID
	gen     types.Generation
	format  types.FormatVersion
	mode    os.FileMode
	uid     uint32
	gid     uint32
	ctime   time.Time
	isDir   bool
	private bool
	nlink   int
	refs    int

	// File state.
	content []byte

	// Directory state.
	entries map[string]*memEntry
	nextPos int64
	version uint64
}

type memEntry struct {
	node    *memNode
	pos     int64
	visible bool
}

// NewMemory creates an in-memory volume with the given page size. A page
// size of 0 selects the 4096-byte default.
func NewMemory(pageSize int) *Memory {
	if pageSize == 0 {
		pageSize = 4096
	}
	if pageSize < 4096 || pageSize&(pageSize-1) != 0 {
		panic(fmt.Sprintf("volume: invalid page size %d", pageSize))
	}
	m := &Memory{pageSize: pageSize, nextID: 3}
	m.root = &memNode{
		id:      2,
		format:  types.FormatCurrent,
		mode:    os.ModeDir | 0o755,
		isDir:   true,
		nlink:   2,
		ctime:   time.Now(),
		entries: make(map[string]*memEntry),
		nextPos: FirstEntryOffset,
	}
	return m
}

// PageSize implements Volume.
func (m *Memory) PageSize() int { return m.pageSize }

// OpenHandles returns the number of outstanding handle references. Tests
// use it to verify acquire/release balance.
func (m *Memory) OpenHandles() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// handle takes a reference on n. Callers hold m.mu.
func (m *Memory) handle(n *memNode) *memHandle {
	n.refs++
	m.live++
	return &memHandle{vol: m, n: n}
}

// Root implements Volume.
func (m *Memory) Root() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle(m.root)
}

// Lookup implements Volume. Hidden entries still resolve by name; hiding
// only affects enumeration.
func (m *Memory) Lookup(dir Handle, name string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.dirNode(dir)
	if err != nil {
		return nil, err
	}
	e, ok := d.entries[name]
	if !ok {
		return nil, ErrNotExist
	}
	return m.handle(e.node), nil
}

// Create implements Volume.
func (m *Memory) Create(dir Handle, name string, mode os.FileMode) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.dirNode(dir)
	if err != nil {
		return nil, err
	}
	if _, ok := d.entries[name]; ok {
		return nil, ErrExist
	}
	n := &memNode{
		id:      m.allocID(),
		format:  types.FormatCurrent,
		mode:    mode &^ os.ModeDir,
		ctime:   time.Now(),
		nlink:   1,
		private: d.private,
	}
	m.insert(d, name, n)
	return m.handle(n), nil
}

// Mkdir implements Volume.
func (m *Memory) Mkdir(dir Handle, name string, mode os.FileMode) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.dirNode(dir)
	if err != nil {
		return nil, err
	}
	if _, ok := d.entries[name]; ok {
		return nil, ErrExist
	}
	n := &memNode{
		id:      m.allocID(),
		format:  types.FormatCurrent,
		mode:    mode | os.ModeDir,
		ctime:   time.Now(),
		isDir:   true,
		nlink:   2,
		private: d.private,
		entries: make(map[string]*memEntry),
		nextPos: FirstEntryOffset,
	}
	d.nlink++
	m.insert(d, name, n)
	return m.handle(n), nil
}

// Link implements Volume.
func (m *Memory) Link(dir Handle, name string, target Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.dirNode(dir)
	if err != nil {
		return err
	}
	t, err := m.node(target)
	if err != nil {
		return err
	}
	if t.isDir {
		return ErrIsDir
	}
	if _, ok := d.entries[name]; ok {
		return ErrExist
	}
	t.nlink++
	m.insert(d, name, t)
	return nil
}

// Unlink implements Volume.
func (m *Memory) Unlink(dir Handle, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.dirNode(dir)
	if err != nil {
		return err
	}
	e, ok := d.entries[name]
	if !ok {
		return ErrNotExist
	}
	if e.node.isDir {
		return ErrIsDir
	}
	e.node.nlink--
	delete(d.entries, name)
	d.version++
	m.mutated(d)
	if e.node.nlink == 0 {
		m.removed(e.node)
	}
	return nil
}

// Rmdir implements Volume.
func (m *Memory) Rmdir(dir Handle, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.dirNode(dir)
	if err != nil {
		return err
	}
	e, ok := d.entries[name]
	if !ok {
		return ErrNotExist
	}
	if !e.node.isDir {
		return ErrNotDir
	}
	if len(e.node.entries) > 0 {
		return ErrNotEmpty
	}
	delete(d.entries, name)
	d.nlink--
	d.version++
	m.mutated(d)
	m.removed(e.node)
	return nil
}

// SetAttr implements Volume.
func (m *Memory) SetAttr(h Handle, ch types.AttrChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.node(h)
	if err != nil {
		return err
	}
	if ch.Valid&types.AttrSize != 0 {
		if n.isDir {
			return ErrIsDir
		}
		if ch.Size < 0 {
			return fmt.Errorf("volume: negative size %d", ch.Size)
		}
		if int64(len(n.content)) > ch.Size {
			n.content = n.content[:ch.Size]
		} else {
			n.content = append(n.content, make([]byte, ch.Size-int64(len(n.content)))...)
		}
	}
	if ch.Valid&types.AttrUID != 0 {
		n.uid = ch.UID
	}
	if ch.Valid&types.AttrGID != 0 {
		n.gid = ch.GID
	}
	if ch.Valid&types.AttrCTime != 0 {
		n.ctime = ch.CTime
	}
	if ch.Valid&types.AttrMode != 0 {
		n.mode = (n.mode & os.ModeDir) | os.FileMode(ch.Mode)&^os.ModeDir
	}
	m.mutated(n)
	return nil
}

// Page implements Volume.
func (m *Memory) Page(h Handle, index int64) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.node(h)
	if err != nil {
		return nil, err
	}
	if n.isDir {
		return nil, ErrIsDir
	}
	if index < 0 {
		return nil, fmt.Errorf("volume: negative page index %d", index)
	}
	buf := make([]byte, m.pageSize)
	off := index * int64(m.pageSize)
	if off < int64(len(n.content)) {
		copy(buf, n.content[off:])
	}
	return &memPage{vol: m, n: n, off: off, buf: buf}, nil
}

// EntryAtOrBefore implements Volume.
func (m *Memory) EntryAtOrBefore(dir Handle, pos int64) (DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.dirNode(dir)
	if err != nil {
		return DirEntry{}, err
	}
	var best *memEntry
	var bestName string
	for name, e := range d.entries {
		if e.pos > pos {
			continue
		}
		if best == nil || e.pos > best.pos {
			best = e
			bestName = name
		}
	}
	if best == nil {
		return DirEntry{}, ErrNoEntry
	}
	return DirEntry{
		Name:     bestName,
		Position: best.pos,
		ID:       best.node.id,
		IsDir:    best.node.isDir,
		Visible:  best.visible,
	}, nil
}

// EntryCount implements Volume.
func (m *Memory) EntryCount(dir Handle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.dirNode(dir)
	if err != nil {
		return 0, err
	}
	return len(d.entries), nil
}

// Version implements Volume.
func (m *Memory) Version(dir Handle) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.dirNode(dir)
	if err != nil {
		return 0
	}
	return d.version
}

// CreateWithIdentity creates a node with an explicit identity, used when the
// outer filesystem dictates object numbering (and by tests that pin ids,
// generations, or legacy formats). A directory is created when mode has
// os.ModeDir set.
func (m *Memory) CreateWithIdentity(dir Handle, name string, mode os.FileMode, id types.ObjectID, gen types.Generation, format types.FormatVersion) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.dirNode(dir)
	if err != nil {
		return nil, err
	}
	if _, ok := d.entries[name]; ok {
		return nil, ErrExist
	}
	n := &memNode{
		id:      id,
		gen:     gen,
		format:  format,
		mode:    mode,
		ctime:   time.Now(),
		nlink:   1,
		private: d.private,
	}
	if mode&os.ModeDir != 0 {
		n.isDir = true
		n.nlink = 2
		n.entries = make(map[string]*memEntry)
		n.nextPos = FirstEntryOffset
		d.nlink++
	}
	if id >= m.nextID {
		m.nextID = id + 1
	}
	m.insert(d, name, n)
	return m.handle(n), nil
}

// HideEntry marks a directory entry invisible without removing it. Tests
// use it to model deleted-but-present entries.
func (m *Memory) HideEntry(dir Handle, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.dirNode(dir)
	if err != nil {
		return err
	}
	e, ok := d.entries[name]
	if !ok {
		return ErrNotExist
	}
	e.visible = false
	return nil
}

func (m *Memory) allocID() types.ObjectID {
	id := m.nextID
	m.nextID++
	return id
}

// insert adds an entry at the directory's next position. Callers hold m.mu.
func (m *Memory) insert(d *memNode, name string, n *memNode) {
	d.entries[name] = &memEntry{node: n, pos: d.nextPos, visible: true}
	d.nextPos++
	d.version++
	m.mutated(d)
	m.mutated(n)
}

func (m *Memory) mutated(n *memNode) {
	if m.onMutate != nil {
		m.onMutate(n)
	}
}

func (m *Memory) removed(n *memNode) {
	if m.onRemove != nil {
		m.onRemove(n.id, n.gen)
	}
}

func (m *Memory) node(h Handle) (*memNode, error) {
	mh, ok := h.(*memHandle)
	if !ok || mh.vol != m {
		return nil, fmt.Errorf("volume: foreign handle")
	}
	if mh.closed {
		panic("volume: use of closed handle")
	}
	return mh.n, nil
}

func (m *Memory) dirNode(h Handle) (*memNode, error) {
	n, err := m.node(h)
	if err != nil {
		return nil, err
	}
	if !n.isDir {
		return nil, ErrNotDir
	}
	return n, nil
}

type memHandle struct {
	vol    *Memory
	n      *memNode
	closed bool
}

func (h *memHandle) ID() types.ObjectID           { return h.n.id }
func (h *memHandle) Generation() types.Generation { return h.n.gen }
func (h *memHandle) Format() types.FormatVersion  { return h.n.format }
func (h *memHandle) IsDir() bool                  { return h.n.isDir }

func (h *memHandle) Size() int64 {
	h.vol.mu.Lock()
	defer h.vol.mu.Unlock()
	return int64(len(h.n.content))
}

func (h *memHandle) Mode() os.FileMode {
	h.vol.mu.Lock()
	defer h.vol.mu.Unlock()
	return h.n.mode
}

func (h *memHandle) UID() uint32 {
	h.vol.mu.Lock()
	defer h.vol.mu.Unlock()
	return h.n.uid
}

func (h *memHandle) GID() uint32 {
	h.vol.mu.Lock()
	defer h.vol.mu.Unlock()
	return h.n.gid
}

func (h *memHandle) CTime() time.Time {
	h.vol.mu.Lock()
	defer h.vol.mu.Unlock()
	return h.n.ctime
}

func (h *memHandle) LinkCount() int {
	h.vol.mu.Lock()
	defer h.vol.mu.Unlock()
	return h.n.nlink
}

func (h *memHandle) Private() bool {
	h.vol.mu.Lock()
	defer h.vol.mu.Unlock()
	return h.n.private
}

func (h *memHandle) MarkPrivate() {
	h.vol.mu.Lock()
	defer h.vol.mu.Unlock()
	h.n.private = true
}

func (h *memHandle) Acquire() Handle {
	h.vol.mu.Lock()
	defer h.vol.mu.Unlock()
	if h.closed {
		panic("volume: acquire on closed handle")
	}
	return h.vol.handle(h.n)
}

func (h *memHandle) Close() error {
	h.vol.mu.Lock()
	defer h.vol.mu.Unlock()
	if h.closed {
		panic("volume: handle closed twice")
	}
	h.closed = true
	h.n.refs--
	h.vol.live--
	if h.n.refs < 0 {
		panic("volume: negative handle refcount")
	}
	return nil
}

type memPage struct {
	vol      *Memory
	n        *memNode
	off      int64
	buf      []byte
	released bool
}

func (p *memPage) Data() []byte { return p.buf }

func (p *memPage) Commit(from, to int) error {
	if from < 0 || to > len(p.buf) || from > to {
		return fmt.Errorf("volume: commit range [%d,%d) out of page", from, to)
	}
	p.vol.mu.Lock()
	defer p.vol.mu.Unlock()
	start := p.off + int64(from)
	end := p.off + int64(to)
	if end > int64(len(p.n.content)) {
		return fmt.Errorf("volume: commit past end of node (size %d, end %d)", len(p.n.content), end)
	}
	copy(p.n.content[start:end], p.buf[from:to])
	p.vol.mutated(p.n)
	return nil
}

func (p *memPage) Release() {
	if p.released {
		panic("volume: page released twice")
	}
	p.released = true
}
