package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"foreign_keys(1)",
}

// DSN builds the modernc connection string for path with the pragmas every
// connection needs. Foreign keys must be on for message rows to cascade.
func DSN(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}

// OpenDB opens the database at path, creating its parent directory.
// Writes are serialized through a single connection.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("cannot create database directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, wrapOpenError(path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapOpenError(path, err)
	}

	return db, nil
}

func wrapOpenError(path string, err error) error {
	if IsCantOpenError(err) {
		return DiagnoseDBOpenError(path, err)
	}
	return err
}

// IsCantOpenError reports whether err is SQLITE_CANTOPEN.
func IsCantOpenError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CANTOPEN
	}
	return false
}

// DiagnoseDBOpenError explains why the database file at path could not be
// opened or created.
func DiagnoseDBOpenError(path string, originalErr error) error {
	dir := filepath.Dir(path)

	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("cannot open database %q: directory %q does not exist", path, dir)
	case err != nil:
		return fmt.Errorf("cannot open database %q: %w", path, err)
	case !info.IsDir():
		return fmt.Errorf("cannot open database %q: %q is not a directory", path, dir)
	}

	return fmt.Errorf("cannot open database %q: file cannot be created in %q: %w", path, dir, originalErr)
}
