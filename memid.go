package memlink

import (
	"fmt"
	"strconv"
	"strings"
)

// MemID identifies one exported or imported region within a node.
type MemID uint64

// InvalidMemID is the reserved "no handle" value.
const InvalidMemID MemID = 0

// Valid reports whether id is not the reserved invalid value.
func (id MemID) Valid() bool {
	return id != InvalidMemID
}

// ParseMemID parses a MemID in decimal or 0x-prefixed hex. Zero is
// rejected.
func ParseMemID(s string) (MemID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return InvalidMemID, fmt.Errorf("%w: memid cannot be empty", ErrInvalidRequest)
	}
	var n uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		n, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return InvalidMemID, fmt.Errorf("%w: invalid memid %q: %v", ErrInvalidRequest, s, err)
	}
	id := MemID(n)
	if !id.Valid() {
		return InvalidMemID, fmt.Errorf("%w: memid 0 is reserved", ErrInvalidRequest)
	}
	return id, nil
}

// CheckMemID returns an invalid-request error for the reserved id.
func CheckMemID(id MemID) error {
	if !id.Valid() {
		return fmt.Errorf("%w: memid 0 is reserved", ErrInvalidRequest)
	}
	return nil
}
