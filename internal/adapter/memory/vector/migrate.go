package vector

import "database/sql"

// migrate creates the schema if it doesn't exist. Vectors live in sibling
// tables keyed by the rowid of the row they describe so both are written in
// the same transaction.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS router_cache (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			query_text     TEXT NOT NULL,
			category       TEXT NOT NULL,
			enhanced_query TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS router_cache_vec (
			rowid     INTEGER PRIMARY KEY REFERENCES router_cache(id) ON DELETE CASCADE,
			embedding BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS documents (
			rowid      INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS documents_vec (
			rowid     INTEGER PRIMARY KEY REFERENCES documents(rowid) ON DELETE CASCADE,
			embedding BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at);

		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	`
	_, err := db.Exec(schema)
	return err
}
