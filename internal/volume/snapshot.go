package volume

import (
	"fmt"
	"os"
	"time"

	"github.com/xattrfs/xattrfs/pkg/types"
)

// NodeSnapshot is a self-contained copy of one node's state, keyed by the
// (object id, generation) pair. Persistence layers serialize snapshots on
// mutation and feed them back through Restore at mount.
type NodeSnapshot struct {
	ID      types.ObjectID      `json:"id"`
	Gen     types.Generation    `json:"gen"`
	Format  types.FormatVersion `json:"format"`
	Mode    os.FileMode         `json:"mode"`
	UID     uint32              `json:"uid"`
	GID     uint32              `json:"gid"`
	CTime   time.Time           `json:"ctime"`
	IsDir   bool                `json:"is_dir"`
	NLink   int                 `json:"nlink"`
	Private bool                `json:"private"`

	// Content is the file payload; nil for directories.
	Content []byte `json:"content,omitempty"`

	// Entries are the directory's children; nil for files.
	Entries []SnapshotEntry `json:"entries,omitempty"`
}

// SnapshotEntry is one directory entry within a NodeSnapshot, referencing
// its child by identity rather than by pointer.
type SnapshotEntry struct {
	Name     string           `json:"name"`
	Position int64            `json:"position"`
	Visible  bool             `json:"visible"`
	ChildID  types.ObjectID   `json:"child_id"`
	ChildGen types.Generation `json:"child_gen"`
}

// SetMutationHooks installs write-through observers: onUpsert fires with a
// snapshot after any metadata, content, or structural change to a node;
// onRemove fires when a node's last link is removed. Hooks run with the
// volume lock held and must not call back into the volume.
func (m *Memory) SetMutationHooks(onUpsert func(NodeSnapshot), onRemove func(types.ObjectID, types.Generation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if onUpsert != nil {
		m.onMutate = func(n *memNode) { onUpsert(m.snapshot(n)) }
	} else {
		m.onMutate = nil
	}
	m.onRemove = onRemove
}

// snapshot copies n into a NodeSnapshot. Callers hold m.mu.
func (m *Memory) snapshot(n *memNode) NodeSnapshot {
	s := NodeSnapshot{
		ID:      n.id,
		Gen:     n.gen,
		Format:  n.format,
		Mode:    n.mode,
		UID:     n.uid,
		GID:     n.gid,
		CTime:   n.ctime,
		IsDir:   n.isDir,
		NLink:   n.nlink,
		Private: n.private,
	}
	if n.isDir {
		for name, e := range n.entries {
			s.Entries = append(s.Entries, SnapshotEntry{
				Name:     name,
				Position: e.pos,
				Visible:  e.visible,
				ChildID:  e.node.id,
				ChildGen: e.node.gen,
			})
		}
	} else {
		s.Content = append([]byte(nil), n.content...)
	}
	return s
}

// Restore rebuilds the volume's tree from snapshots. The snapshot set must
// include the root directory (object id 2) and be internally consistent;
// entries referencing absent nodes are an error. Restore replaces all
// existing state and requires that no handles are outstanding.
func (m *Memory) Restore(snaps []NodeSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != 0 {
		return fmt.Errorf("volume: restore with %d open handles", m.live)
	}

	type key struct {
		id  types.ObjectID
		gen types.Generation
	}
	nodes := make(map[key]*memNode, len(snaps))
	index := make(map[key]NodeSnapshot, len(snaps))
	nextID := types.ObjectID(3)
	for _, s := range snaps {
		n := &memNode{
			id:      s.ID,
			gen:     s.Gen,
			format:  s.Format,
			mode:    s.Mode,
			uid:     s.UID,
			gid:     s.GID,
			ctime:   s.CTime,
			isDir:   s.IsDir,
			nlink:   s.NLink,
			private: s.Private,
		}
		if s.IsDir {
			n.entries = make(map[string]*memEntry, len(s.Entries))
			n.nextPos = FirstEntryOffset
		} else {
			n.content = append([]byte(nil), s.Content...)
		}
		k := key{s.ID, s.Gen}
		nodes[k] = n
		index[k] = s
		if s.ID >= nextID {
			nextID = s.ID + 1
		}
	}

	for k, s := range index {
		if !s.IsDir {
			continue
		}
		n := nodes[k]
		for _, e := range s.Entries {
			child, ok := nodes[key{e.ChildID, e.ChildGen}]
			if !ok {
				return fmt.Errorf("volume: entry %q references missing node %X.%X", e.Name, uint64(e.ChildID), uint32(e.ChildGen))
			}
			n.entries[e.Name] = &memEntry{node: child, pos: e.Position, visible: e.Visible}
			if e.Position >= n.nextPos {
				n.nextPos = e.Position + 1
			}
		}
	}

	root, ok := nodes[key{2, 0}]
	if !ok || !root.isDir {
		return fmt.Errorf("volume: snapshot set has no root directory")
	}
	m.root = root
	m.nextID = nextID
	return nil
}
