// Package keystore provides the external, restart-durable backing store
// for the device key registry (spec §3: "persists across restarts
// (external store; core only provides the in-memory map and the
// lookup/install interface)"). It is grounded on the teacher's
// server/store/store.go: an embedded modernc.org/sqlite database,
// ordered migrations applied exactly once and tracked in a
// schema_migrations table, WAL mode, and a busy_timeout to avoid
// SQLITE_BUSY under concurrent access.
package keystore

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — pinned device public keys
	`CREATE TABLE IF NOT EXISTS device_keys (
		node_id    TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// SQLiteStore persists the nodeId -> public key map backing
// auth.KeyStore across Gateway restarts.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open device key store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[keystore] busy_timeout: %v (non-fatal)", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate device key store: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[keystore] applied migration v%d", v)
	}
	return nil
}

// LoadAll returns every pinned device key, for hydrating an in-memory
// auth.KeyStore at startup.
func (s *SQLiteStore) LoadAll() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT node_id, public_key FROM device_keys`)
	if err != nil {
		return nil, fmt.Errorf("load device keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var nodeID, key string
		if err := rows.Scan(&nodeID, &key); err != nil {
			return nil, fmt.Errorf("scan device key row: %w", err)
		}
		out[nodeID] = key
	}
	return out, rows.Err()
}

// Install persists a newly TOFU-pinned key. Intended to be wired as
// auth.KeyStore's OnInstall hook.
func (s *SQLiteStore) Install(nodeID, publicKey string) error {
	_, err := s.db.Exec(
		`INSERT INTO device_keys(node_id, public_key) VALUES(?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET public_key = excluded.public_key`,
		nodeID, publicKey,
	)
	if err != nil {
		return fmt.Errorf("install device key for %s: %w", nodeID, err)
	}
	return nil
}
