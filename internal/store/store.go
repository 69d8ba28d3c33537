// Package store persists known CM servers and their last advertised load.
package store

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Server sources.
const (
	SourceConfig = "config"
	SourceCMList = "cmlist"
)

// DB wraps the sqlite server cache.
type DB struct {
	*sql.DB
}

// Open opens db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS servers (
			addr TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			last_load INTEGER,
			failures INTEGER NOT NULL DEFAULT 0,
			last_seen_at TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_servers_load ON servers(last_load);
	`)
	return err
}

// Server is one cached CM endpoint.
type Server struct {
	Addr       string
	Source     string
	LastLoad   *uint32
	Failures   int
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// UpsertServer records addr, keeping any load history it already has.
func (db *DB) UpsertServer(addr, source string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(`
		INSERT INTO servers (addr, source, created_at) VALUES (?, ?, ?)
		ON CONFLICT(addr) DO UPDATE SET source = excluded.source`,
		addr, source, now)
	return err
}

// RecordChallenge stores the load addr advertised and resets its failures.
func (db *DB) RecordChallenge(addr string, load uint32) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(`
		INSERT INTO servers (addr, source, last_load, failures, last_seen_at, created_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(addr) DO UPDATE SET last_load = excluded.last_load, failures = 0, last_seen_at = excluded.last_seen_at`,
		addr, SourceConfig, load, now, now)
	return err
}

// RecordFailure counts a failed connect or negotiation against addr.
func (db *DB) RecordFailure(addr string) error {
	_, err := db.Exec("UPDATE servers SET failures = failures + 1 WHERE addr = ?", addr)
	return err
}

// Servers lists cached servers with fewer than maxFailures failures,
// lowest known load first. limit <= 0 means no limit.
func (db *DB) Servers(maxFailures, limit int) ([]Server, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT addr, source, last_load, failures, last_seen_at, created_at FROM servers
		WHERE failures < ?
		ORDER BY last_load IS NULL, last_load, last_seen_at DESC
		LIMIT ?`, maxFailures, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Server
	for rows.Next() {
		var s Server
		var load sql.NullInt64
		var seen sql.NullString
		var created string
		if err := rows.Scan(&s.Addr, &s.Source, &load, &s.Failures, &seen, &created); err != nil {
			return nil, err
		}
		if load.Valid {
			v := uint32(load.Int64)
			s.LastLoad = &v
		}
		if seen.Valid {
			t, _ := time.Parse(time.RFC3339, seen.String)
			s.LastSeenAt = &t
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339, created)
		list = append(list, s)
	}
	return list, rows.Err()
}
