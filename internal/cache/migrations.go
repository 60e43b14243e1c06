package cache

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS views (
	session_id  TEXT PRIMARY KEY,
	last_update DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	session_id     TEXT NOT NULL,
	id             TEXT NOT NULL,
	sender         TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	snippet        TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT 'unknown',
	confidence     REAL NOT NULL DEFAULT 0,
	reasoning      TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending_review',
	draft          TEXT,
	created_at     DATETIME NOT NULL,
	sort_order     INTEGER NOT NULL,
	PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS emails (
	session_id TEXT NOT NULL,
	id         TEXT NOT NULL,
	thread_id  TEXT NOT NULL DEFAULT '',
	sender     TEXT NOT NULL DEFAULT '',
	recipient  TEXT NOT NULL DEFAULT '',
	subject    TEXT NOT NULL DEFAULT '',
	snippet    TEXT NOT NULL DEFAULT '',
	date       TEXT NOT NULL DEFAULT '',
	unread     INTEGER NOT NULL DEFAULT 1,
	sort_order INTEGER NOT NULL,
	PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	lead_id     TEXT NOT NULL,
	message     TEXT NOT NULL,
	read        INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_leads_session_order ON leads(session_id, sort_order);
CREATE INDEX IF NOT EXISTS idx_emails_session_order ON emails(session_id, sort_order);
CREATE INDEX IF NOT EXISTS idx_notifications_session ON notifications(session_id, read);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
