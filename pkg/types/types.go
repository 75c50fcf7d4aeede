// Package types defines the shared data types used across the attribute
// store: object identity, set flags, attribute-change sets, and capability
// flags derived at mount time.
package types

import "time"

// ObjectID is a filesystem object identifier. Identifiers may be reused
// after deletion; the pairing with a Generation disambiguates reuse.
type ObjectID uint64

// Generation is an object's generation number, incremented when an object
// identifier is reused.
type Generation uint32

// FormatVersion describes an object's on-disk stat format. Legacy objects
// lack generation numbers and cannot carry attributes.
type FormatVersion int

const (
	// FormatLegacy predates generation numbers.
	FormatLegacy FormatVersion = 1
	// FormatCurrent supports generation numbers.
	FormatCurrent FormatVersion = 2
)

// SetFlags control attribute creation policy on set operations.
type SetFlags int

const (
	// SetCreate fails if the attribute already exists.
	SetCreate SetFlags = 1 << iota
	// SetReplace fails if the attribute does not exist.
	SetReplace
)

// AttrField identifies a field in an AttrChange set.
type AttrField uint

const (
	AttrUID AttrField = 1 << iota
	AttrGID
	AttrSize
	AttrCTime
	AttrMode
)

// AttrChange describes a metadata change to apply to a node. Valid is a
// bitmask of the fields that carry meaning; unset fields are ignored.
type AttrChange struct {
	Valid AttrField
	UID   uint32
	GID   uint32
	Size  int64
	CTime time.Time
	Mode  uint32
}

// Restrict returns a copy of ch limited to the given fields.
func (ch AttrChange) Restrict(fields AttrField) AttrChange {
	c := ch
	c.Valid &= fields
	return c
}

// Capabilities are the filesystem-wide attribute capability flags settled
// during bootstrap.
type Capabilities struct {
	// Xattrs is true when the attribute subsystem is enabled at all. It is
	// derived: at least one optional attribute family must be enabled.
	Xattrs bool
	// UserXattrs enables the user. namespace.
	UserXattrs bool
	// PosixACLs enables the system.posix_acl_* names.
	PosixACLs bool
	// ReadOnly mirrors the mount's read-only state.
	ReadOnly bool
}

// StoreStats is a point-in-time snapshot of attribute-store activity.
type StoreStats struct {
	Gets      uint64
	Sets      uint64
	Removes   uint64
	Lists     uint64
	Cascades  uint64
	Errors    uint64
	BytesRead uint64
	BytesSet  uint64
}
