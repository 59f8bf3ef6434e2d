// Package migrations upgrades the journal schema.
//
// Scripts live under scripts/ as NNN_description.sql. Each script is applied
// in its own transaction together with the schema_version row recording it.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed scripts/*.sql
var scriptFS embed.FS

// Script is one schema upgrade step.
type Script struct {
	Version int
	Name    string
	body    string
}

// Status describes the schema of an open journal.
type Status struct {
	// Current is the highest applied version, 0 for an empty database.
	Current int
	// Latest is the highest version shipped with this build.
	Latest  int
	Pending []Script
}

// UpToDate reports whether no script is waiting to be applied.
func (s Status) UpToDate() bool {
	return len(s.Pending) == 0
}

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Scripts returns the embedded scripts ordered by version.
func Scripts() ([]Script, error) {
	return load(scriptFS)
}

func load(fsys fs.FS) ([]Script, error) {
	names, err := fs.Glob(fsys, "scripts/*.sql")
	if err != nil {
		return nil, err
	}

	scripts := make([]Script, 0, len(names))
	seen := make(map[int]string, len(names))
	for _, path := range names {
		name := strings.TrimPrefix(path, "scripts/")
		version, err := versionOf(name)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("scripts %s and %s share version %d", prev, name, version)
		}
		seen[version] = name

		body, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		scripts = append(scripts, Script{Version: version, Name: name, body: string(body)})
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Version < scripts[j].Version })
	return scripts, nil
}

func versionOf(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("script %s: missing version prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("script %s: bad version prefix %q", name, prefix)
	}
	return v, nil
}

// Inspect reports the schema state without changing it.
func Inspect(db *sql.DB) (Status, error) {
	scripts, err := Scripts()
	if err != nil {
		return Status{}, err
	}
	return inspect(db, scripts)
}

func inspect(db *sql.DB, scripts []Script) (Status, error) {
	if _, err := db.Exec(createVersionTable); err != nil {
		return Status{}, fmt.Errorf("create schema_version: %w", err)
	}

	rows, err := db.Query("SELECT version FROM schema_version")
	if err != nil {
		return Status{}, fmt.Errorf("read schema_version: %w", err)
	}
	defer rows.Close()

	var st Status
	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return Status{}, err
		}
		applied[v] = true
		if v > st.Current {
			st.Current = v
		}
	}
	if err := rows.Err(); err != nil {
		return Status{}, err
	}

	for _, s := range scripts {
		if s.Version > st.Latest {
			st.Latest = s.Version
		}
		if !applied[s.Version] {
			st.Pending = append(st.Pending, s)
		}
	}
	return st, nil
}

// Apply runs every pending script in version order and returns the
// resulting status. A failing script leaves earlier ones applied.
func Apply(db *sql.DB) (Status, error) {
	scripts, err := Scripts()
	if err != nil {
		return Status{}, err
	}
	return apply(db, scripts)
}

func apply(db *sql.DB, scripts []Script) (Status, error) {
	st, err := inspect(db, scripts)
	if err != nil {
		return Status{}, err
	}

	for _, s := range st.Pending {
		if err := applyOne(db, s); err != nil {
			return Status{}, err
		}
		if s.Version > st.Current {
			st.Current = s.Version
		}
	}
	st.Pending = nil
	return st, nil
}

func applyOne(db *sql.DB, s Script) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(s.body); err != nil {
		return fmt.Errorf("apply %s: %w", s.Name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version, name) VALUES (?, ?)", s.Version, s.Name); err != nil {
		return fmt.Errorf("record %s: %w", s.Name, err)
	}
	return tx.Commit()
}
