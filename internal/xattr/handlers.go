package xattr

import (
	"github.com/xattrfs/xattrfs/internal/volume"
	xerrors "github.com/xattrfs/xattrfs/pkg/errors"
	"github.com/xattrfs/xattrfs/pkg/types"
)

// Attribute name prefixes served by the default handlers.
const (
	PrefixUser     = "user."
	PrefixTrusted  = "trusted."
	PrefixSecurity = "security."

	// POSIX ACL names are fixed full names, not open-ended prefixes.
	NameACLAccess  = "system.posix_acl_access"
	NameACLDefault = "system.posix_acl_default"
)

// defaultHandlers returns the handler family every store registers: user
// attributes (gated on the user-xattr capability), trusted and security
// attributes, and the two POSIX ACL names (gated on the ACL capability,
// with value caching).
func defaultHandlers() []*Handler {
	return []*Handler{
		userHandler(),
		trustedHandler(),
		securityHandler(),
		aclHandler(NameACLAccess),
		aclHandler(NameACLDefault),
	}
}

// passthroughHandler stores and fetches values without interpretation.
func passthroughHandler(prefix string) *Handler {
	return &Handler{
		Prefix: prefix,
		Get: func(s *Store, obj volume.Handle, name string, buf []byte) (int, error) {
			return s.readAttr(obj, name, buf)
		},
		Set: func(s *Store, obj volume.Handle, name string, value []byte, flags types.SetFlags) error {
			return s.writeAttr(obj, name, value, flags)
		},
	}
}

func userHandler() *Handler {
	return &Handler{
		Prefix: PrefixUser,
		Get: func(s *Store, obj volume.Handle, name string, buf []byte) (int, error) {
			if !s.caps.UserXattrs {
				return 0, xerrors.ErrUnsupported.WithName(name)
			}
			return s.readAttr(obj, name, buf)
		},
		Set: func(s *Store, obj volume.Handle, name string, value []byte, flags types.SetFlags) error {
			if !s.caps.UserXattrs {
				return xerrors.ErrUnsupported.WithName(name)
			}
			return s.writeAttr(obj, name, value, flags)
		},
		List: func(s *Store, obj volume.Handle, name string) (string, bool) {
			return name, s.caps.UserXattrs
		},
	}
}

func trustedHandler() *Handler {
	return passthroughHandler(PrefixTrusted)
}

func securityHandler() *Handler {
	return passthroughHandler(PrefixSecurity)
}

// aclHandler serves one of the two fixed POSIX ACL names. Fetched ACL
// values are positively cached per object so repeated permission checks
// avoid tree walks; the pre-delete hook invalidates the cache before the
// stored value disappears.
func aclHandler(name string) *Handler {
	return &Handler{
		Prefix: name,
		Get: func(s *Store, obj volume.Handle, name string, buf []byte) (int, error) {
			if !s.caps.PosixACLs {
				return 0, xerrors.ErrUnsupported.WithName(name)
			}
			if cached, ok := s.aclCache.get(obj.ID(), obj.Generation(), name); ok {
				if buf == nil {
					return len(cached), nil
				}
				if len(buf) < len(cached) {
					return 0, xerrors.ErrRange.WithName(name)
				}
				return copy(buf, cached), nil
			}
			n, err := s.readAttr(obj, name, buf)
			if err == nil && buf != nil {
				s.aclCache.put(obj.ID(), obj.Generation(), name, buf[:n])
			}
			return n, err
		},
		Set: func(s *Store, obj volume.Handle, name string, value []byte, flags types.SetFlags) error {
			if !s.caps.PosixACLs {
				return xerrors.ErrUnsupported.WithName(name)
			}
			err := s.writeAttr(obj, name, value, flags)
			if err == nil {
				s.aclCache.put(obj.ID(), obj.Generation(), name, value)
			}
			return err
		},
		Delete: func(s *Store, obj volume.Handle, name string) error {
			if !s.caps.PosixACLs {
				return xerrors.ErrUnsupported.WithName(name)
			}
			s.aclCache.invalidate(obj.ID(), obj.Generation(), name)
			return nil
		},
		List: func(s *Store, obj volume.Handle, name string) (string, bool) {
			return name, s.caps.PosixACLs
		},
	}
}
