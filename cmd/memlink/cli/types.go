// Package cli provides the Kong-based command-line interface for memlink.
package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Size is a byte count given with an optional unit ("128MiB", "4G",
// "4096").
type Size struct {
	Value uint64
}

// ParseSize parses a size using go-humanize units. Zero is allowed;
// callers that need a non-empty size check for it.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Size{}, fmt.Errorf("size cannot be empty")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return Size{}, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size{Value: n}, nil
}

func (s Size) String() string {
	return humanize.IBytes(s.Value)
}

// Address is a 64-bit physical or virtual address, decimal or
// 0x-prefixed hex.
type Address struct {
	Value uint64
}

// ParseAddress parses an address. Octal and binary prefixes are not
// accepted.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("address cannot be empty")
	}

	var val uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		val, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		val, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address{Value: val}, nil
}

func (a Address) String() string {
	return "0x" + strconv.FormatUint(a.Value, 16)
}
