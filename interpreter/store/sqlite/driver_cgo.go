//go:build cgo_sqlite

package sqlite

import (
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

// dsn builds a mattn/go-sqlite3 DSN. Each pragma becomes a _name=value
// query parameter.
func dsn(path string, pragmas ...pragma) string {
	if len(pragmas) == 0 {
		return path
	}
	params := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		params = append(params, "_"+p.name+"="+p.value)
	}
	return path + "?" + strings.Join(params, "&")
}
