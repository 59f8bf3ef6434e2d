// Package storage persists the run journal in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"agentdesk/internal/config"
	"agentdesk/internal/storage/migrations"

	_ "modernc.org/sqlite"
)

// ErrNotFound means the record does not exist.
var ErrNotFound = errors.New("not found")

// journalPragmas are applied to every connection opened by Open.
var journalPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// DB is an open run journal.
type DB struct {
	*sql.DB
	path string
}

// Open opens the journal at path, creating the file and its directory when
// missing, and upgrades the schema to the latest version.
func Open(path string) (*DB, error) {
	db, err := openRaw(path)
	if err != nil {
		return nil, err
	}
	if _, err := migrations.Apply(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade schema: %w", err)
	}
	return db, nil
}

func openRaw(path string) (*DB, error) {
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", expanded)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	for _, pragma := range journalPragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &DB{DB: sqlDB, path: expanded}, nil
}

// Path returns the journal file path with ~ expanded.
func (db *DB) Path() string {
	return db.path
}

// Schema reports the applied schema version and any scripts still pending.
func (db *DB) Schema() (migrations.Status, error) {
	return migrations.Inspect(db.DB)
}

// Tx is a journal transaction.
type Tx struct {
	*sql.Tx
}

// WithTx runs fn in a transaction. It commits when fn returns nil.
func (db *DB) WithTx(fn func(*Tx) error) error {
	sqlTx, err := db.DB.Begin()
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{Tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}
