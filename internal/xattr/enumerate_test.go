package xattr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xattrfs/xattrfs/internal/volume"
)

func TestForEachReverseOrder(t *testing.T) {
	s, vol := newTestStore(t, nil)

	root := vol.Root()
	dir, err := vol.Mkdir(root, "d", 0o700)
	require.NoError(t, err)
	require.NoError(t, root.Close())
	defer dir.Close()

	for _, name := range []string{"a", "b", "c"} {
		h, err := vol.Create(dir, name, 0o600)
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}

	var visited []string
	err = s.forEachReverse(dir, func(e Entry) error {
		visited = append(visited, e.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, visited)
}

func TestForEachReverseEmptyDirectory(t *testing.T) {
	s, vol := newTestStore(t, nil)

	root := vol.Root()
	dir, err := vol.Mkdir(root, "d", 0o700)
	require.NoError(t, err)
	require.NoError(t, root.Close())
	defer dir.Close()

	calls := 0
	err = s.forEachReverse(dir, func(e Entry) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestForEachReverseStop(t *testing.T) {
	s, vol := newTestStore(t, nil)

	root := vol.Root()
	dir, err := vol.Mkdir(root, "d", 0o700)
	require.NoError(t, err)
	require.NoError(t, root.Close())
	defer dir.Close()

	for _, name := range []string{"a", "b", "c"} {
		h, err := vol.Create(dir, name, 0o600)
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}

	var visited []string
	err = s.forEachReverse(dir, func(e Entry) error {
		visited = append(visited, e.Name)
		return Stop
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, visited)
}

func TestForEachReverseSkipsHidden(t *testing.T) {
	s, vol := newTestStore(t, nil)

	root := vol.Root()
	dir, err := vol.Mkdir(root, "d", 0o700)
	require.NoError(t, err)
	require.NoError(t, root.Close())
	defer dir.Close()

	for _, name := range []string{"a", "ghost", "c"} {
		h, err := vol.Create(dir, name, 0o600)
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}
	require.NoError(t, vol.HideEntry(dir, "ghost"))

	var visited []string
	err = s.forEachReverse(dir, func(e Entry) error {
		visited = append(visited, e.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, visited)
}

func TestForEachReverseSkipsPrivateRoot(t *testing.T) {
	s, vol := newTestStore(t, nil)

	// Enumerating the volume root must never surface the attribute tree.
	root := vol.Root()
	defer root.Close()
	h, err := vol.Create(root, "visible", 0o644)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	var visited []string
	err = s.forEachReverse(root, func(e Entry) error {
		visited = append(visited, e.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"visible"}, visited)
}

func TestForEachReverseSurvivesConcurrentDelete(t *testing.T) {
	s, vol := newTestStore(t, nil)

	root := vol.Root()
	dir, err := vol.Mkdir(root, "d", 0o700)
	require.NoError(t, err)
	require.NoError(t, root.Close())
	defer dir.Close()

	for _, name := range []string{"a", "b", "c", "d"} {
		h, err := vol.Create(dir, name, 0o600)
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}

	// Remove a not-yet-visited entry while the cursor is ahead of it; the
	// pass continues and simply never sees it.
	var visited []string
	err = s.forEachReverse(dir, func(e Entry) error {
		visited = append(visited, e.Name)
		if e.Name == "d" {
			require.NoError(t, vol.Unlink(dir, "b"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "a"}, visited)
}

func TestForEachReverseDeleteVisitedEntry(t *testing.T) {
	s, vol := newTestStore(t, nil)

	root := vol.Root()
	dir, err := vol.Mkdir(root, "d", 0o700)
	require.NoError(t, err)
	require.NoError(t, root.Close())
	defer dir.Close()

	for _, name := range []string{"a", "b", "c"} {
		h, err := vol.Create(dir, name, 0o600)
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}

	// Deleting the entry just handed to the callback is the cascade-delete
	// pattern; the cursor has already moved past it.
	var visited []string
	err = s.forEachReverse(dir, func(e Entry) error {
		visited = append(visited, e.Name)
		return vol.Unlink(dir, e.Name)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, visited)

	count, err := vol.EntryCount(dir)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestForEachReverseEntryCopyIsStable(t *testing.T) {
	s, vol := newTestStore(t, nil)

	root := vol.Root()
	dir, err := vol.Mkdir(root, "d", 0o700)
	require.NoError(t, err)
	require.NoError(t, root.Close())
	defer dir.Close()

	h, err := vol.Create(dir, "only", 0o600)
	require.NoError(t, err)
	id := h.ID()
	require.NoError(t, h.Close())

	err = s.forEachReverse(dir, func(e Entry) error {
		assert.Equal(t, "only", e.Name)
		assert.Equal(t, id, e.ID)
		assert.Equal(t, volume.FirstEntryOffset, e.Position)
		assert.False(t, e.IsDir)
		return nil
	})
	require.NoError(t, err)
}
