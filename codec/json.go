// Package codec converts memory descriptors to and from their portable
// text form and keeps them on disk keyed by MemID.
//
// The text form is a JSON object whose fields appear in a fixed order:
//
//	addr, length, seid, deid, tokenid, scna, dcna, priv_len, priv_data
//
// Encoding an unchanged descriptor always yields the same bytes, so the
// xxhash digest of the text (see Digest) identifies a descriptor.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/frobware/go-memlink"
)

var api = jsoniter.ConfigCompatibleWithStandardLibrary

// descFields lists the required fields of the text form in encoding
// order.
var descFields = []string{
	"addr",
	"length",
	"seid",
	"deid",
	"tokenid",
	"scna",
	"dcna",
	"priv_len",
	"priv_data",
}

var (
	errMissingField = errors.New("missing field")
	errNullField    = errors.New("field is null")
)

// DecodeError reports malformed descriptor text. Field names the
// offending field, or is empty when the text is not a JSON object.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode descriptor: %v", e.Err)
	}
	return fmt.Sprintf("decode descriptor: field %q: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode renders d in compact form. Descriptors that fail Validate are
// not encoded.
func Encode[T memlink.Attrs](d memlink.MemDesc[T]) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return api.Marshal(d)
}

// EncodeIndent renders d in the indented form used for persisted
// records.
func EncodeIndent[T memlink.Attrs](d memlink.MemDesc[T]) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return api.MarshalIndent(d, "", "  ")
}

// Decode parses descriptor text. Every field must be present; unknown
// fields are ignored. The decoded descriptor is validated before it is
// returned.
func Decode[T memlink.Attrs](data []byte) (memlink.MemDesc[T], error) {
	var d memlink.MemDesc[T]

	var raw map[string]jsoniter.RawMessage
	if err := api.Unmarshal(data, &raw); err != nil {
		return d, &DecodeError{Err: err}
	}
	if raw == nil {
		return d, &DecodeError{Err: errors.New("descriptor is not a JSON object")}
	}

	targets := []any{
		&d.Addr,
		&d.Length,
		&d.SEID,
		&d.DEID,
		&d.TokenID,
		&d.SCNA,
		&d.DCNA,
		&d.PrivLen,
		&d.PrivData,
	}
	for i, name := range descFields {
		msg, ok := raw[name]
		if !ok {
			return memlink.MemDesc[T]{}, &DecodeError{Field: name, Err: errMissingField}
		}
		// Unmarshal leaves the target untouched on null.
		if bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
			return memlink.MemDesc[T]{}, &DecodeError{Field: name, Err: errNullField}
		}
		if err := api.Unmarshal(msg, targets[i]); err != nil {
			return memlink.MemDesc[T]{}, &DecodeError{Field: name, Err: err}
		}
	}

	if err := d.Validate(); err != nil {
		return memlink.MemDesc[T]{}, &DecodeError{Field: "priv_len", Err: err}
	}
	return d, nil
}

// Digest returns the xxhash64 of encoded descriptor text.
func Digest(text []byte) uint64 {
	return xxhash.Sum64(text)
}
