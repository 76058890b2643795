package memlink

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EIDLen is the size of an endpoint identity.
const EIDLen = 16

// EID is a 128-bit endpoint identity, stored little-endian. Its JSON
// form is an array of exactly 16 byte values.
type EID [EIDLen]byte

// IsZero reports whether every byte is zero.
func (e EID) IsZero() bool {
	return e == EID{}
}

// String renders the identity as hex in storage order.
func (e EID) String() string {
	return hex.EncodeToString(e[:])
}

// ParseEID parses 32 hex digits, optionally 0x-prefixed.
func ParseEID(s string) (EID, error) {
	var e EID
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return e, fmt.Errorf("%w: invalid eid %q: %v", ErrInvalidRequest, s, err)
	}
	if len(b) != EIDLen {
		return e, fmt.Errorf("%w: eid must be %d bytes, got %d", ErrInvalidRequest, EIDLen, len(b))
	}
	copy(e[:], b)
	return e, nil
}

// MarshalJSON encodes the identity as an array of numbers. Arrays of
// bytes, unlike byte slices, are not base64 encoded.
func (e EID) MarshalJSON() ([]byte, error) {
	return json.Marshal([EIDLen]byte(e))
}

// UnmarshalJSON rejects arrays that are not exactly 16 values in
// [0,255].
func (e *EID) UnmarshalJSON(data []byte) error {
	var vals []int
	if err := json.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("eid must be an array of %d bytes: %w", EIDLen, err)
	}
	if len(vals) != EIDLen {
		return fmt.Errorf("%w: eid must have %d elements, got %d", ErrInvalidRequest, EIDLen, len(vals))
	}
	for i, v := range vals {
		if v < 0 || v > 0xff {
			return fmt.Errorf("%w: eid element %d out of byte range: %d", ErrInvalidRequest, i, v)
		}
		e[i] = byte(v)
	}
	return nil
}

// Attrs is the constraint on a descriptor's attribute payload. An
// implementation must be comparable, report the byte length of its
// payload and append that payload in provider byte order. Its JSON
// form is whatever its own marshalling methods produce.
type Attrs interface {
	comparable
	PrivLen() uint16
	AppendPriv(b []byte) []byte
}

// MemDesc is the portable descriptor of an exported region. The
// attribute payload type is a parameter so deployments can plug in
// their own vocabulary.
type MemDesc[T Attrs] struct {
	Addr     uint64 `json:"addr"`
	Length   uint64 `json:"length"`
	SEID     EID    `json:"seid"`
	DEID     EID    `json:"deid"`
	TokenID  uint32 `json:"tokenid"`
	SCNA     uint32 `json:"scna"`
	DCNA     uint32 `json:"dcna"`
	PrivLen  uint16 `json:"priv_len"`
	PrivData T      `json:"priv_data"`
}

// NewMemDesc returns the scratch descriptor for attrs, with every
// provider-populated field zero and priv_len consistent.
func NewMemDesc[T Attrs](attrs T) MemDesc[T] {
	return MemDesc[T]{PrivLen: attrs.PrivLen(), PrivData: attrs}
}

// Validate checks the invariants that can be verified without the
// provider.
func (d MemDesc[T]) Validate() error {
	if want := d.PrivData.PrivLen(); d.PrivLen != want {
		return fmt.Errorf("%w: priv_len %d does not match attribute payload length %d", ErrInvalidRequest, d.PrivLen, want)
	}
	return nil
}

// Priv returns the raw attribute payload.
func (d MemDesc[T]) Priv() []byte {
	return d.PrivData.AppendPriv(nil)
}

// Wire returns the provider-facing form of the descriptor.
func (d MemDesc[T]) Wire() WireDesc {
	return WireDesc{
		Addr:    d.Addr,
		Length:  d.Length,
		SEID:    d.SEID,
		DEID:    d.DEID,
		TokenID: d.TokenID,
		SCNA:    d.SCNA,
		DCNA:    d.DCNA,
		Priv:    d.Priv(),
	}
}

// WithWire copies the provider-populated fields of w into d. The
// attribute payload is left untouched.
func (d MemDesc[T]) WithWire(w WireDesc) MemDesc[T] {
	d.Addr = w.Addr
	d.Length = w.Length
	d.SEID = w.SEID
	d.DEID = w.DEID
	d.TokenID = w.TokenID
	d.SCNA = w.SCNA
	d.DCNA = w.DCNA
	return d
}

// WireDesc is the descriptor as the provider sees it: the attribute
// payload is opaque bytes.
type WireDesc struct {
	Addr    uint64
	Length  uint64
	SEID    EID
	DEID    EID
	TokenID uint32
	SCNA    uint32
	DCNA    uint32
	Priv    []byte
}
