// Package memlink defines the domain types shared by every memlink
// component: memory handles, flag sets, endpoint identities and the
// portable memory descriptor.
package memlink

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// flagSeparator joins rendered flag names.
const flagSeparator = " | "

// flagName binds a single bit to its rendered name.
type flagName struct {
	bit  uint64
	name string
}

// renderFlags renders v as the names of its known bits in ascending
// bit order. Bits without a name are collected into one trailing hex
// token so that every value has a rendering that parses back to itself.
func renderFlags(v uint64, names []flagName) string {
	if v == 0 {
		return ""
	}
	var parts []string
	rest := v
	for _, n := range names {
		if v&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(rest, 16))
	}
	return strings.Join(parts, flagSeparator)
}

// parseFlags is the inverse of renderFlags. Names are case-sensitive.
// A numeric token (decimal or 0x hex) contributes its bits verbatim;
// any other unrecognised token is an error.
func parseFlags(kind, s string, names []flagName, width int) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	var v uint64
	for _, tok := range strings.Split(s, "|") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return 0, fmt.Errorf("%w: empty %s flag in %q", ErrInvalidRequest, kind, s)
		}
		if bit, ok := lookupFlag(tok, names); ok {
			v |= bit
			continue
		}
		n, err := strconv.ParseUint(tok, 0, width)
		if err != nil {
			return 0, fmt.Errorf("%w: unknown %s flag %q", ErrInvalidRequest, kind, tok)
		}
		v |= n
	}
	return v, nil
}

func lookupFlag(tok string, names []flagName) (uint64, bool) {
	for _, n := range names {
		if n.name == tok {
			return n.bit, true
		}
	}
	return 0, false
}

// unmarshalFlagsJSON accepts either the rendered string form or the raw
// integer form.
func unmarshalFlagsJSON(kind string, data []byte, names []flagName, width int) (uint64, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return parseFlags(kind, s, names, width)
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return 0, fmt.Errorf("%s flags must be a string or an unsigned integer: %w", kind, err)
	}
	if width < 64 && bits.Len64(n) > width {
		return 0, fmt.Errorf("%w: %s flags value %d exceeds %d bits", ErrInvalidRequest, kind, n, width)
	}
	return n, nil
}

// ExportFlags controls how a region is exported and imported.
type ExportFlags uint64

const (
	// ExportAllowMmap allows importers to memory-map the region.
	ExportAllowMmap ExportFlags = 1 << 0
	// ExportRemoteNUMA allows placement on NUMA nodes other than the caller's.
	ExportRemoteNUMA ExportFlags = 1 << 1
)

var exportFlagNames = []flagName{
	{uint64(ExportAllowMmap), "ALLOWMMAP"},
	{uint64(ExportRemoteNUMA), "REMOTENUMA"},
}

// ParseExportFlags parses the rendering produced by ExportFlags.String.
func ParseExportFlags(s string) (ExportFlags, error) {
	v, err := parseFlags("export", s, exportFlagNames, 64)
	return ExportFlags(v), err
}

func (f ExportFlags) String() string {
	return renderFlags(uint64(f), exportFlagNames)
}

func (f ExportFlags) Has(o ExportFlags) bool {
	return f&o == o
}

func (f ExportFlags) IsEmpty() bool {
	return f == 0
}

func (f ExportFlags) Union(o ExportFlags) ExportFlags {
	return f | o
}

func (f ExportFlags) Intersect(o ExportFlags) ExportFlags {
	return f & o
}

func (f ExportFlags) Difference(o ExportFlags) ExportFlags {
	return f &^ o
}

func (f ExportFlags) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *ExportFlags) UnmarshalText(text []byte) error {
	v, err := ParseExportFlags(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func (f ExportFlags) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *ExportFlags) UnmarshalJSON(data []byte) error {
	v, err := unmarshalFlagsJSON("export", data, exportFlagNames, 64)
	if err != nil {
		return err
	}
	*f = ExportFlags(v)
	return nil
}

// UnexportFlags controls teardown of an exported region.
type UnexportFlags uint64

// UnexportForce tears the region down even if importers still hold it.
const UnexportForce UnexportFlags = 1 << 0

var unexportFlagNames = []flagName{
	{uint64(UnexportForce), "FORCE"},
}

// ParseUnexportFlags parses the rendering produced by UnexportFlags.String.
func ParseUnexportFlags(s string) (UnexportFlags, error) {
	v, err := parseFlags("unexport", s, unexportFlagNames, 64)
	return UnexportFlags(v), err
}

func (f UnexportFlags) String() string {
	return renderFlags(uint64(f), unexportFlagNames)
}

func (f UnexportFlags) Has(o UnexportFlags) bool {
	return f&o == o
}

func (f UnexportFlags) IsEmpty() bool {
	return f == 0
}

func (f UnexportFlags) Union(o UnexportFlags) UnexportFlags {
	return f | o
}

func (f UnexportFlags) Intersect(o UnexportFlags) UnexportFlags {
	return f & o
}

func (f UnexportFlags) Difference(o UnexportFlags) UnexportFlags {
	return f &^ o
}

func (f UnexportFlags) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *UnexportFlags) UnmarshalText(text []byte) error {
	v, err := ParseUnexportFlags(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func (f UnexportFlags) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *UnexportFlags) UnmarshalJSON(data []byte) error {
	v, err := unmarshalFlagsJSON("unexport", data, unexportFlagNames, 64)
	if err != nil {
		return err
	}
	*f = UnexportFlags(v)
	return nil
}

// PrivData is the privilege and caching attribute set carried in a
// descriptor's private payload. Bits 0 to 4 are reserved.
type PrivData uint16

const (
	// PrivOwnerChip marks the region as owned by the exporting chip.
	PrivOwnerChip PrivData = 1 << 5
	// PrivCacheable allows importers to map the region cacheable.
	PrivCacheable PrivData = 1 << 6
)

// privDataLen is the payload size of a non-empty PrivData.
const privDataLen = 2

var privDataNames = []flagName{
	{uint64(PrivOwnerChip), "OCHIP"},
	{uint64(PrivCacheable), "CACHEABLE"},
}

// ParsePrivData parses the rendering produced by PrivData.String.
func ParsePrivData(s string) (PrivData, error) {
	v, err := parseFlags("priv", s, privDataNames, 16)
	return PrivData(v), err
}

func (p PrivData) String() string {
	return renderFlags(uint64(p), privDataNames)
}

func (p PrivData) Has(o PrivData) bool {
	return p&o == o
}

func (p PrivData) IsEmpty() bool {
	return p == 0
}

func (p PrivData) Union(o PrivData) PrivData {
	return p | o
}

func (p PrivData) Intersect(o PrivData) PrivData {
	return p & o
}

func (p PrivData) Difference(o PrivData) PrivData {
	return p &^ o
}

// PrivLen reports the payload length: zero for the empty set, two
// bytes otherwise.
func (p PrivData) PrivLen() uint16 {
	if p == 0 {
		return 0
	}
	return privDataLen
}

// AppendPriv appends the little-endian payload.
func (p PrivData) AppendPriv(b []byte) []byte {
	if p == 0 {
		return b
	}
	return append(b, byte(p), byte(p>>8))
}

func (p PrivData) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PrivData) UnmarshalText(text []byte) error {
	v, err := ParsePrivData(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p PrivData) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *PrivData) UnmarshalJSON(data []byte) error {
	v, err := unmarshalFlagsJSON("priv", data, privDataNames, 16)
	if err != nil {
		return err
	}
	*p = PrivData(v)
	return nil
}
