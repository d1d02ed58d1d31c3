package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// FS holds the Postgres schema migrations applied by cmd/migrate.
//
//go:embed *.sql
var FS embed.FS

//go:embed scylla/*.cql
var scyllaFS embed.FS

// CQLStatements returns the Scylla schema statements in file order. Files are
// split on ';' and blank statements are dropped.
func CQLStatements() ([]string, error) {
	names, err := fs.Glob(scyllaFS, "scylla/*.cql")
	if err != nil {
		return nil, fmt.Errorf("migrations: list cql files: %w", err)
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		raw, err := fs.ReadFile(scyllaFS, name)
		if err != nil {
			return nil, fmt.Errorf("migrations: read %s: %w", name, err)
		}
		out = append(out, splitStatements(string(raw))...)
	}
	return out, nil
}

func splitStatements(src string) []string {
	var out []string
	for _, stmt := range strings.Split(src, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
