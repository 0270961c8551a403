// Package store provides the variable store backends and the typed repository over them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS variables (
	namespace  TEXT NOT NULL,
	name       TEXT NOT NULL,
	device_id  TEXT NOT NULL DEFAULT '',
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, name, device_id)
)`

// SQLite is a VariableStore persisted in a single SQLite file.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply store schema: %w", err)
	}

	s := &SQLite{
		db:     db,
		logger: log.With().Str("component", "store").Str("driver", "sqlite").Logger(),
	}
	s.logger.Debug().Str("path", path).Msg("Variable store opened")
	return s, nil
}

// Get returns the stored value and whether it exists.
func (s *SQLite) Get(ctx context.Context, namespace, name, deviceID string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM variables WHERE namespace = ? AND name = ? AND device_id = ?",
		namespace, name, deviceID,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s/%s: %w", namespace, name, err)
	}
	return value, true, nil
}

// Set writes value unconditionally.
func (s *SQLite) Set(ctx context.Context, namespace, name, value, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO variables (namespace, name, device_id, value, updated_at) VALUES (?, ?, ?, ?, ?) "+
			"ON CONFLICT (namespace, name, device_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		namespace, name, deviceID, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", namespace, name, err)
	}
	return nil
}

// List returns every variable of a namespace and device.
func (s *SQLite) List(ctx context.Context, namespace, deviceID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, value FROM variables WHERE namespace = ? AND device_id = ?",
		namespace, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", namespace, err)
	}
	defer rows.Close()

	vars := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		vars[name] = value
	}
	return vars, rows.Err()
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
