package store

// schemaScript creates both of spec §6's persisted tables on first open.
// Column additions must only ever be appended as ALTER TABLE ... ADD
// COLUMN statements behind a schema_version bump — never drop or rename a
// column here.
const schemaScript = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id          TEXT PRIMARY KEY,
	timestamp   INTEGER NOT NULL,
	server      TEXT,
	tool        TEXT NOT NULL,
	args        TEXT,
	risk_level  TEXT NOT NULL,
	decision    TEXT NOT NULL,
	session_id  TEXT,
	duration    INTEGER,
	error       TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_entries_server ON audit_entries(server);
CREATE INDEX IF NOT EXISTS idx_audit_entries_risk_level ON audit_entries(risk_level);
CREATE INDEX IF NOT EXISTS idx_audit_entries_decision ON audit_entries(decision);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	scope         TEXT NOT NULL,
	pattern       TEXT NOT NULL,
	server        TEXT,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	approver      TEXT,
	tool_name     TEXT,
	tool_args     TEXT,
	risk_level    TEXT,
	reason        TEXT,
	source        TEXT,
	use_count     INTEGER NOT NULL DEFAULT 0,
	last_used_at  INTEGER,
	revoked_at    INTEGER,
	revoked_by    TEXT,
	revoke_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_server ON sessions(server);
CREATE INDEX IF NOT EXISTS idx_sessions_scope ON sessions(scope);
CREATE INDEX IF NOT EXISTS idx_sessions_approver ON sessions(approver);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);

PRAGMA user_version = 1;
`
