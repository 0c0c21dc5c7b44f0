// Package sqlite provides the relational persistence backend. Tokens,
// scopes and callback states live in three tables plus a join table for
// the scope grants; scope membership is written once at creation and
// only ever replaced wholesale.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS esi_token (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL DEFAULT '',
	character_id   INTEGER NOT NULL,
	character_name TEXT NOT NULL,
	owner_hash     TEXT NOT NULL,
	token_type     TEXT NOT NULL DEFAULT 'Character',
	refresh_token  TEXT NOT NULL DEFAULT '',
	datasource     TEXT NOT NULL DEFAULT 'tranquility',
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_esi_token_owner     ON esi_token(owner_id);
CREATE INDEX IF NOT EXISTS idx_esi_token_character ON esi_token(character_id);

CREATE TABLE IF NOT EXISTS esi_scope (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS esi_token_scope (
	token_id   TEXT NOT NULL REFERENCES esi_token(id) ON DELETE CASCADE,
	scope_name TEXT NOT NULL REFERENCES esi_scope(name),
	PRIMARY KEY (token_id, scope_name)
);

CREATE TABLE IF NOT EXISTS esi_callback_state (
	state       TEXT PRIMARY KEY,
	session_key TEXT NOT NULL UNIQUE,
	url         TEXT NOT NULL DEFAULT '/',
	token_id    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);
`

// Open opens (and migrates) a SQLite database at the given path. The
// busy_timeout pragma must come first so the connection blocks on busy
// before WAL mode is applied.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return db, nil
}
