package xattr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/xattrfs/xattrfs/pkg/errors"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(passthroughHandler("user.")))

	err := r.Register(nil)
	assert.Equal(t, xerrors.CodeInvalid, xerrors.CodeOf(err))

	err = r.Register(&Handler{})
	assert.Equal(t, xerrors.CodeInvalid, xerrors.CodeOf(err))
}

func TestRegistryDoubleRegister(t *testing.T) {
	r := NewRegistry()
	h := passthroughHandler("user.")

	require.NoError(t, r.Register(h))
	err := r.Register(h)
	assert.Equal(t, xerrors.CodeBusy, xerrors.CodeOf(err))
}

func TestRegistryDuplicatePrefix(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(passthroughHandler("user.")))
	err := r.Register(passthroughHandler("user."))
	assert.Equal(t, xerrors.CodeBusy, xerrors.CodeOf(err))
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	h := passthroughHandler("user.")

	require.NoError(t, r.Register(h))
	require.NoError(t, r.Unregister(h))
	assert.Nil(t, r.FindPrefix("user.a"))

	err := r.Unregister(h)
	assert.Equal(t, xerrors.CodeInvalid, xerrors.CodeOf(err))

	// A removed handler may be registered again.
	require.NoError(t, r.Register(h))
}

func TestRegistryFindPrefix(t *testing.T) {
	r := NewRegistry()
	user := passthroughHandler("user.")
	acl := passthroughHandler(NameACLAccess)
	require.NoError(t, r.Register(user))
	require.NoError(t, r.Register(acl))

	tests := []struct {
		name string
		want *Handler
	}{
		{"user.anything", user},
		{"user.", user},
		{NameACLAccess, acl},
		{NameACLAccess + ".suffix", acl},
		{"trusted.a", nil},
		{"use", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got := r.FindPrefix(tt.name)
		if tt.want == nil {
			assert.Nil(t, got, "lookup %q", tt.name)
		} else {
			assert.Same(t, tt.want, got, "lookup %q", tt.name)
		}
	}
}

func TestRegistryFirstMatchWins(t *testing.T) {
	r := NewRegistry()
	broad := passthroughHandler("user.")
	narrow := passthroughHandler("user.special.")
	require.NoError(t, r.Register(broad))
	require.NoError(t, r.Register(narrow))

	// Registration order decides; the broad prefix was registered first.
	assert.Same(t, broad, r.FindPrefix("user.special.key"))
}
