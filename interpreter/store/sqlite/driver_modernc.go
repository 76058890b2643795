//go:build !cgo_sqlite

package sqlite

import (
	"strings"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// dsn builds a modernc.org/sqlite DSN. Each pragma becomes a
// _pragma=name(value) query parameter.
func dsn(path string, pragmas ...pragma) string {
	if len(pragmas) == 0 {
		return path
	}
	params := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		params = append(params, "_pragma="+p.name+"("+p.value+")")
	}
	return path + "?" + strings.Join(params, "&")
}
