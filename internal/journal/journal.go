// Package journal keeps a sqlite history of viewer connections.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	client_id       TEXT PRIMARY KEY,
	remote_addr     TEXT NOT NULL,
	connected_at    TEXT NOT NULL,
	disconnected_at TEXT,
	inputs          INTEGER NOT NULL DEFAULT 0,
	malformed       INTEGER NOT NULL DEFAULT 0,
	reason          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS clients_connected_at ON clients(connected_at);
`

// Entry is one recorded connection.
type Entry struct {
	ClientID       string     `json:"clientId"`
	RemoteAddr     string     `json:"remoteAddr"`
	ConnectedAt    time.Time  `json:"connectedAt"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
	Inputs         int        `json:"inputs"`
	Malformed      int        `json:"malformed"`
	Reason         string     `json:"reason,omitempty"`
}

// Journal is a sqlite-backed connection log.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Connected records a new client.
func (j *Journal) Connected(ctx context.Context, clientID, remoteAddr string, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO clients(client_id, remote_addr, connected_at) VALUES (?, ?, ?)
ON CONFLICT(client_id) DO UPDATE SET remote_addr=excluded.remote_addr, connected_at=excluded.connected_at
`, clientID, remoteAddr, ts(at))
	if err != nil {
		return fmt.Errorf("record connect: %w", err)
	}
	return nil
}

// Disconnected closes the record for clientID.
func (j *Journal) Disconnected(ctx context.Context, clientID string, at time.Time, inputs, malformed int, reason string) error {
	res, err := j.db.ExecContext(ctx, `
UPDATE clients SET disconnected_at = ?, inputs = ?, malformed = ?, reason = ?
WHERE client_id = ?
`, ts(at), inputs, malformed, reason, clientID)
	if err != nil {
		return fmt.Errorf("record disconnect: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record disconnect: unknown client %s", clientID)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT client_id, remote_addr, connected_at, disconnected_at, inputs, malformed, reason
FROM clients ORDER BY connected_at DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e            Entry
			connected    string
			disconnected sql.NullString
		)
		if err := rows.Scan(&e.ClientID, &e.RemoteAddr, &connected, &disconnected, &e.Inputs, &e.Malformed, &e.Reason); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		if e.ConnectedAt, err = time.Parse(time.RFC3339Nano, connected); err != nil {
			return nil, fmt.Errorf("parse connected_at: %w", err)
		}
		if disconnected.Valid {
			t, err := time.Parse(time.RFC3339Nano, disconnected.String)
			if err != nil {
				return nil, fmt.Errorf("parse disconnected_at: %w", err)
			}
			e.DisconnectedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
