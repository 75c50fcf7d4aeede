package xattr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xattrfs/xattrfs/internal/config"
	"github.com/xattrfs/xattrfs/internal/volume"
	"github.com/xattrfs/xattrfs/pkg/types"
)

func TestDeleteAllXattrs(t *testing.T) {
	s, vol := newTestStore(t, nil)
	obj := newObject(t, vol, "f", 0x60, 0, types.FormatCurrent)

	for _, name := range []string{"user.a", "trusted.b", NameACLAccess} {
		require.NoError(t, s.SetXattr(obj, name, pattern(20), 0))
	}

	require.NoError(t, s.DeleteAllXattrs(obj))

	// The attribute directory itself is gone.
	attrRoot := walk(t, vol, ".xattrfs_priv", "xattrs")
	_, err := vol.Lookup(attrRoot, "60.0")
	assert.ErrorIs(t, err, volume.ErrNotExist)
	require.NoError(t, attrRoot.Close())

	n, err := s.ListXattrs(obj, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteAllXattrsWithoutDirectory(t *testing.T) {
	s, vol := newTestStore(t, nil)
	obj := newObject(t, vol, "f", 0x61, 0, types.FormatCurrent)

	// Nothing was ever stored; the cascade is a no-op.
	require.NoError(t, s.DeleteAllXattrs(obj))
	// And it stays idempotent after a real delete.
	require.NoError(t, s.SetXattr(obj, "user.a", []byte("v"), 0))
	require.NoError(t, s.DeleteAllXattrs(obj))
	require.NoError(t, s.DeleteAllXattrs(obj))
}

func TestDeleteAllXattrsToleratesLeftovers(t *testing.T) {
	s, vol := newTestStore(t, nil)
	obj := newObject(t, vol, "f", 0x62, 0, types.FormatCurrent)
	require.NoError(t, s.SetXattr(obj, "user.a", []byte("v"), 0))

	// A foreign subdirectory inside the object's attribute directory is
	// skipped by the sweep and keeps the directory from being removed.
	objDir := walk(t, vol, ".xattrfs_priv", "xattrs", "62.0")
	sub, err := vol.Mkdir(objDir, "leftover", 0o700)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, objDir.Close())

	// The cascade still succeeds; the leftover is logged, not fatal.
	require.NoError(t, s.DeleteAllXattrs(obj))

	objDir = walk(t, vol, ".xattrfs_priv", "xattrs", "62.0")
	count, err := vol.EntryCount(objDir)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, objDir.Close())
}

func TestDeleteAllXattrsSkips(t *testing.T) {
	s, vol := newTestStore(t, nil)

	legacy := newObject(t, vol, "legacy", 0x63, 0, types.FormatLegacy)
	require.NoError(t, s.DeleteAllXattrs(legacy))

	private := newObject(t, vol, "private", 0x64, 0, types.FormatCurrent)
	private.MarkPrivate()
	require.NoError(t, s.DeleteAllXattrs(private))
}

func TestPropagateChown(t *testing.T) {
	s, vol := newTestStore(t, nil)
	obj := newObject(t, vol, "f", 0x70, 0, types.FormatCurrent)

	require.NoError(t, s.SetXattr(obj, "user.a", pattern(10), 0))
	require.NoError(t, s.SetXattr(obj, "trusted.b", pattern(20), 0))

	when := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ch := types.AttrChange{
		Valid: types.AttrUID | types.AttrGID | types.AttrCTime | types.AttrSize,
		UID:   1234,
		GID:   5678,
		CTime: when,
		Size:  9999,
	}
	origValid := ch.Valid
	require.NoError(t, s.PropagateChown(obj, &ch))

	// The caller's change set is handed back intact.
	assert.Equal(t, origValid, ch.Valid)

	objDir := walk(t, vol, ".xattrfs_priv", "xattrs", "70.0")
	assert.Equal(t, uint32(1234), objDir.UID())
	assert.Equal(t, uint32(5678), objDir.GID())

	for _, name := range []string{"user.a", "trusted.b"} {
		file, err := vol.Lookup(objDir, name)
		require.NoError(t, err)
		assert.Equal(t, uint32(1234), file.UID(), name)
		assert.Equal(t, uint32(5678), file.GID(), name)
		assert.Equal(t, when, file.CTime(), name)
		// Only ownership and change time propagate; the size field was
		// filtered out.
		assert.NotEqual(t, int64(9999), file.Size(), name)
		require.NoError(t, file.Close())
	}
	require.NoError(t, objDir.Close())

	// The values themselves are untouched.
	buf := make([]byte, 32)
	n, err := s.GetXattr(obj, "user.a", buf)
	require.NoError(t, err)
	assert.Equal(t, pattern(10), buf[:n])
}

func TestPropagateChownDefaultsCTime(t *testing.T) {
	s, vol := newTestStore(t, nil)
	obj := newObject(t, vol, "f", 0x71, 0, types.FormatCurrent)
	require.NoError(t, s.SetXattr(obj, "user.a", []byte("v"), 0))

	before := time.Now()
	ch := types.AttrChange{
		Valid: types.AttrUID | types.AttrGID | types.AttrCTime,
		UID:   1,
		GID:   2,
	}
	require.NoError(t, s.PropagateChown(obj, &ch))

	file := walk(t, vol, ".xattrfs_priv", "xattrs", "71.0", "user.a")
	assert.False(t, file.CTime().Before(before))
	require.NoError(t, file.Close())
}

func TestPropagateChownWithoutDirectory(t *testing.T) {
	s, vol := newTestStore(t, nil)
	obj := newObject(t, vol, "f", 0x72, 0, types.FormatCurrent)

	ch := types.AttrChange{Valid: types.AttrUID, UID: 42}
	require.NoError(t, s.PropagateChown(obj, &ch))
	assert.Equal(t, types.AttrUID, ch.Valid)
}

func TestPropagateChownSkips(t *testing.T) {
	s, vol := newTestStore(t, nil)

	legacy := newObject(t, vol, "legacy", 0x73, 0, types.FormatLegacy)
	ch := types.AttrChange{Valid: types.AttrUID, UID: 1}
	require.NoError(t, s.PropagateChown(legacy, &ch))

	private := newObject(t, vol, "private", 0x74, 0, types.FormatCurrent)
	private.MarkPrivate()
	require.NoError(t, s.PropagateChown(private, &ch))
}

func TestCascadeDisabledSubsystem(t *testing.T) {
	s, vol := newTestStore(t, func(c *config.Config) {
		c.Attributes.UserXattrs = false
		c.Attributes.PosixACLs = false
	})
	obj := newObject(t, vol, "f", 0x75, 0, types.FormatCurrent)

	require.NoError(t, s.DeleteAllXattrs(obj))
	ch := types.AttrChange{Valid: types.AttrUID, UID: 1}
	require.NoError(t, s.PropagateChown(obj, &ch))

	stats := s.Stats()
	assert.Zero(t, stats.Cascades)
}
