package runlog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// openDB opens the log database with pragmas for safe concurrent use and a
// pool configured for SQLite's single-writer model.
func openDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %q: %w", dir, err)
	}

	// busy_timeout(5000): wait up to 5 seconds when the database is locked.
	// journal_mode(WAL): readers do not block the writer.
	// foreign_keys(1): enforce references.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		if isCantOpenError(err) {
			return nil, diagnoseOpenError(path, err)
		}
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		if isCantOpenError(err) {
			return nil, diagnoseOpenError(path, err)
		}
		return nil, err
	}

	return db, nil
}

// isCantOpenError checks for the SQLite CANTOPEN error (code 14).
func isCantOpenError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CANTOPEN
	}
	return false
}

// diagnoseOpenError turns SQLite's opaque open failure into something
// actionable.
func diagnoseOpenError(path string, originalErr error) error {
	dir := filepath.Dir(path)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("cannot create run log at %q: directory %q does not exist", path, dir)
		}
		return fmt.Errorf("cannot create run log at %q: %w", path, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("cannot create run log at %q: %q is not a directory", path, dir)
	}

	return fmt.Errorf("cannot create run log at %q: permission denied or file cannot be created in %q (original error: %v)", path, dir, originalErr)
}
