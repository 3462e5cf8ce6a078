package admin

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History persists model-update lines to a local SQLite database, giving
// an operator a record of document lifecycle events across server
// restarts instead of only the in-memory sliding windows.
type History struct {
	db *sql.DB
}

// OpenHistory opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("admin: open history db: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at DATETIME NOT NULL,
		line TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("admin: create schema: %w", err)
	}
	return &History{db: db}, nil
}

// Record inserts one model-update line, timestamped now.
func (h *History) Record(line string) error {
	_, err := h.db.Exec(`INSERT INTO events (at, line) VALUES (?, ?)`, time.Now(), line)
	if err != nil {
		return fmt.Errorf("admin: record event: %w", err)
	}
	return nil
}

// Recent returns up to limit of the most recently recorded lines, newest
// first.
func (h *History) Recent(ctx context.Context, limit int) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT line FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("admin: query recent events: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("admin: scan event: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Close closes the underlying database handle.
func (h *History) Close() error {
	return h.db.Close()
}
