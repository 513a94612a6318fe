package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create sessions and results",
		SQL: `
			CREATE TABLE sessions (
				id              TEXT PRIMARY KEY,
				format_version  INTEGER NOT NULL,
				name            TEXT NOT NULL DEFAULT '',
				description     TEXT NOT NULL DEFAULT '',
				notes           TEXT NOT NULL DEFAULT '',
				targets         TEXT NOT NULL DEFAULT '[]',
				created_at      TEXT NOT NULL,
				updated_at      TEXT NOT NULL
			);

			CREATE INDEX idx_sessions_updated ON sessions (updated_at);

			CREATE TABLE results (
				session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				seq          INTEGER NOT NULL,
				plugin_id    TEXT NOT NULL,
				target       TEXT NOT NULL,
				status       TEXT NOT NULL,
				data         TEXT,
				error        TEXT,
				started_at   TEXT NOT NULL,
				finished_at  TEXT NOT NULL,
				duration_ns  INTEGER NOT NULL,
				PRIMARY KEY (session_id, seq)
			);

			CREATE INDEX idx_results_plugin ON results (plugin_id);
			CREATE INDEX idx_results_target ON results (target);
		`,
	},
	{
		Version: 2,
		Name:    "create findings FTS5 index",
		SQL: `
			CREATE VIRTUAL TABLE findings_fts USING fts5(
				plugin_id,
				target,
				data,
				error,
				content='results',
				content_rowid='rowid'
			);

			CREATE TRIGGER results_ai AFTER INSERT ON results BEGIN
				INSERT INTO findings_fts(rowid, plugin_id, target, data, error)
				VALUES (new.rowid, new.plugin_id, new.target, new.data, new.error);
			END;

			CREATE TRIGGER results_ad AFTER DELETE ON results BEGIN
				INSERT INTO findings_fts(findings_fts, rowid, plugin_id, target, data, error)
				VALUES ('delete', old.rowid, old.plugin_id, old.target, old.data, old.error);
			END;
		`,
	},
}
