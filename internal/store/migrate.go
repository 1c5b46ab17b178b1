package store

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// migrationScript is one embedded .sql file. Scripts apply in name order and
// each backend records applied names in its schema_migrations table, so a
// script runs at most once per database. This is a simple forward-only
// runner for development and testing; production should use a dedicated
// migration tool.
type migrationScript struct {
	Name string
	SQL  string
}

// migrationScripts loads the ordered migration scripts from fsys.
func migrationScripts(fsys fs.FS) ([]migrationScript, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("store: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var scripts []migrationScript
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("store: read migration %s: %w", entry.Name(), err)
		}
		scripts = append(scripts, migrationScript{Name: entry.Name(), SQL: string(content)})
	}
	return scripts, nil
}
