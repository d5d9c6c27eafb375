// Package statedb is a thin key-value shim over an embedded SQL engine,
// persisting each zone's requested_state and provisioning declarations
// under keys prefixed "zone.<id>.", the way spec.md §6 describes. It is
// grounded on the teacher's own embedded-SQL choice (mattn/go-sqlite3,
// used throughout lxd/db) rather than a hand-rolled flat file.
package statedb

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// DB wraps a sqlite-backed key-value store.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the sqlite database at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("statedb: open %s: %w", path, err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("statedb: create schema: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Put upserts key=value.
func (d *DB) Put(key, value string) error {
	_, err := d.conn.Exec(
		`INSERT INTO kv(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("statedb: put %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key and whether it was present.
func (d *DB) Get(key string) (string, bool, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("statedb: get %s: %w", key, err)
	}
	return value, true, nil
}

// Delete removes key, if present.
func (d *DB) Delete(key string) error {
	if _, err := d.conn.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("statedb: delete %s: %w", key, err)
	}
	return nil
}

// ListPrefix returns every key/value pair whose key has the given
// prefix, e.g. "zone.myzone." to read back one zone's persisted state.
func (d *DB) ListPrefix(prefix string) (map[string]string, error) {
	rows, err := d.conn.Query(`SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("statedb: list prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("statedb: scan row: %w", err)
		}
		out[k] = v
	}

	return out, rows.Err()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c == '%' || c == '_' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
