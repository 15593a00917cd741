package inventory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	hash BLOB PRIMARY KEY,
	payload BLOB NOT NULL,
	nonce INTEGER NOT NULL,
	expiration_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_expiration ON messages(expiration_time);
`

// openDB opens (creating if necessary) the SQLite-backed message store at
// path, with the WAL/single-writer configuration the rest of this codebase
// uses for its SQLite stores.
func openDB(path string) (*sql.DB, error) {
	expanded := expandPath(path)

	if dir := filepath.Dir(expanded); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("inventory: create data dir: %w", err)
		}
	}

	dsn := expanded + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("inventory: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("inventory: create schema: %w", err)
	}

	return db, nil
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
