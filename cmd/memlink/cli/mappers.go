package cli

import (
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-memlink"
)

// parseMapper creates a Kong mapper from a parse function. The
// placeholder names the value in scan errors.
func parseMapper[T any](placeholder string, parse func(string) (T, error)) kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto(placeholder, &s); err != nil {
			return err
		}
		v, err := parse(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(v))
		return nil
	}
}

func typeMapper[T any](placeholder string, parse func(string) (T, error)) kong.Option {
	return kong.TypeMapper(reflect.TypeFor[T](), parseMapper(placeholder, parse))
}

// ptrTypeMapper maps *T for optional flags, so an unset flag stays
// nil and can fall back to the config file.
func ptrTypeMapper[T any](placeholder string, parse func(string) (T, error)) kong.Option {
	return typeMapper(placeholder, func(s string) (*T, error) {
		v, err := parse(s)
		if err != nil {
			return nil, err
		}
		return &v, nil
	})
}

// typeMappers registers parsers for the domain types used as flags
// and arguments.
func typeMappers() []kong.Option {
	return []kong.Option{
		typeMapper("memid", memlink.ParseMemID),
		typeMapper("eid", memlink.ParseEID),
		typeMapper("flags", memlink.ParseExportFlags),
		typeMapper("flags", memlink.ParseUnexportFlags),
		typeMapper("attrs", memlink.ParsePrivData),
		ptrTypeMapper("flags", memlink.ParseExportFlags),
		ptrTypeMapper("attrs", memlink.ParsePrivData),
		typeMapper("size", ParseSize),
		typeMapper("address", ParseAddress),
	}
}
