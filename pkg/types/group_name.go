// Package types holds the data model shared by every layer of the closed
// process group engine: group names, members, views, delivery units,
// guarantees and the error taxonomy.
package types

import (
	"fmt"
)

// MaxGroupNameLength is the capacity of a GroupName in bytes.
const MaxGroupNameLength = 128

// GroupName identifies a closed process group. It is a fixed-capacity byte
// buffer with an explicit length; names are compared by exact byte
// equality, so a GroupName is usable as a map key.
type GroupName struct { // A
	length uint32
	value  [MaxGroupNameLength]byte
}

// NewGroupName copies name into a GroupName. Names longer than
// MaxGroupNameLength fail with ErrTooBig.
func NewGroupName(name []byte) (GroupName, error) { // A
	var g GroupName
	if len(name) > MaxGroupNameLength {
		return g, fmt.Errorf(
			"group name of %d bytes exceeds %d: %w",
			len(name), MaxGroupNameLength, ErrTooBig,
		)
	}
	g.length = uint32(len(name)) // #nosec G115 -- bounded above.
	copy(g.value[:], name)
	return g, nil
}

// MustGroupName is NewGroupName for names known to be valid.
func MustGroupName(name string) GroupName { // A
	g, err := NewGroupName([]byte(name))
	if err != nil {
		panic(err)
	}
	return g
}

// Bytes returns a copy of the significant bytes of the name.
func (g GroupName) Bytes() []byte { // A
	out := make([]byte, g.length)
	copy(out, g.value[:g.length])
	return out
}

// Len returns the length of the name in bytes.
func (g GroupName) Len() int { // A
	return int(g.length)
}

// String returns the name for logging.
func (g GroupName) String() string { // A
	return string(g.value[:g.length])
}
