// Package persist snapshots store and case state into a single sqlite
// artifact. Snapshots are opaque: named msgpack blobs, written and read in
// whole, with no queryable structure beyond the name.
package persist

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrSnapshotNotFound is returned when loading a name that was never saved.
var ErrSnapshotNotFound = errors.New("persist: snapshot not found")

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	name       TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	payload    BLOB NOT NULL
);`

// Archive is one artifact file holding named snapshots.
type Archive struct {
	conn *sql.DB
	path string
	log  zerolog.Logger
}

// Open creates or opens an artifact file. The parent directory is created
// when missing.
func Open(path string, log zerolog.Logger) (*Archive, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	conn, err := sql.Open("sqlite", buildConnectionString(absPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	// A snapshot artifact is written by one process at a time.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to apply artifact schema: %w", err)
	}

	return &Archive{
		conn: conn,
		path: absPath,
		log:  log.With().Str("component", "persist").Logger(),
	}, nil
}

// buildConnectionString sets the artifact pragmas: WAL with checkpoint
// durability, foreign keys on.
func buildConnectionString(path string) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=temp_store(MEMORY)"
	return connStr
}

// Close closes the artifact.
func (a *Archive) Close() error {
	return a.conn.Close()
}

// Path returns the artifact file path.
func (a *Archive) Path() string { return a.path }

// Snapshots lists saved snapshot names, oldest first.
func (a *Archive) Snapshots() ([]string, error) {
	rows, err := a.conn.Query("SELECT name FROM snapshots ORDER BY created_at, name")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes a snapshot. Deleting an absent name is not an error.
func (a *Archive) Delete(name string) error {
	if _, err := a.conn.Exec("DELETE FROM snapshots WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", name, err)
	}
	return nil
}

// withTransaction runs fn inside a transaction, rolling back on error or
// panic.
func (a *Archive) withTransaction(fn func(*sql.Tx) error) (err error) {
	tx, err := a.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	return fn(tx)
}

// writePayload upserts one snapshot blob.
func (a *Archive) writePayload(name string, payload []byte) error {
	return a.withTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO snapshots (name, created_at, payload) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET created_at = excluded.created_at, payload = excluded.payload`,
			// Fixed-width timestamp so the listing's lexicographic order is
			// chronological (RFC3339Nano trims trailing zeros).
			name, time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z"), payload,
		)
		return err
	})
}

// readPayload fetches one snapshot blob.
func (a *Archive) readPayload(name string) ([]byte, error) {
	var payload []byte
	err := a.conn.QueryRow("SELECT payload FROM snapshots WHERE name = ?", name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", name, err)
	}
	return payload, nil
}
