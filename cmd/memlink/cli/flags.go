package cli

import (
	"strings"

	"github.com/frobware/go-memlink"
)

// OutputFormat represents the output format type.
type OutputFormat string

const (
	OutputFormatTable    OutputFormat = "table"
	OutputFormatJSON     OutputFormat = "json"
	OutputFormatJSONPath OutputFormat = "jsonpath"
)

const jsonPathPrefix = "jsonpath="

// OutputFlags provides output formatting flags.
type OutputFlags struct {
	Output string `short:"o" help:"Output format: table, json, jsonpath=EXPR." default:"table"`
}

// Format returns the base format type.
func (f *OutputFlags) Format() OutputFormat {
	switch {
	case f.Output == "json":
		return OutputFormatJSON
	case strings.HasPrefix(f.Output, jsonPathPrefix) && len(f.Output) > len(jsonPathPrefix):
		return OutputFormatJSONPath
	default:
		return OutputFormatTable
	}
}

// JSONPathExpr returns the JSONPath expression if format is jsonpath=EXPR.
func (f *OutputFlags) JSONPathExpr() string {
	if f.Format() == OutputFormatJSONPath {
		return strings.TrimPrefix(f.Output, jsonPathPrefix)
	}
	return ""
}

// AttrFlags are the export flag and attribute options shared by the
// export commands. Unset values fall back to the config file.
type AttrFlags struct {
	Flags *memlink.ExportFlags `name:"flags" help:"Export flags, e.g. 'ALLOWMMAP | REMOTENUMA' (default from config)."`
	Priv  *memlink.PrivData    `name:"priv" help:"Attribute set, e.g. 'OCHIP | CACHEABLE' (default from config)."`
	DEID  memlink.EID          `name:"deid" help:"Destination endpoint id as 32 hex digits."`
	Owner string               `name:"owner" help:"Owner tag recorded with the handle."`
}

func (f *AttrFlags) flags(def memlink.ExportFlags) memlink.ExportFlags {
	if f.Flags != nil {
		return *f.Flags
	}
	return def
}

func (f *AttrFlags) priv(def memlink.PrivData) memlink.PrivData {
	if f.Priv != nil {
		return *f.Priv
	}
	return def
}

// ImportFlags are the placement options shared by import and
// preimport. Unset values fall back to the config file.
type ImportFlags struct {
	Flags    *memlink.ExportFlags `name:"flags" help:"Import flags, e.g. 'ALLOWMMAP | REMOTENUMA' (default from config)."`
	BaseDist *int                 `name:"base-dist" help:"Base NUMA distance in [0,255] (default from config)."`
	NUMA     int                  `name:"numa" default:"-1" help:"Local NUMA node to place the region on; -1 lets the provider choose."`
}

func (f *ImportFlags) flags(def memlink.ExportFlags) memlink.ExportFlags {
	if f.Flags != nil {
		return *f.Flags
	}
	return def
}

func (f *ImportFlags) baseDist(def int) int {
	if f.BaseDist != nil {
		return *f.BaseDist
	}
	return def
}
