package sqlite

// schema is applied on every open via CREATE TABLE IF NOT EXISTS, the same
// embedded-migration-less approach the teacher's sqlite schema used: the
// store is young enough that additive columns are handled by hand rather
// than a migration framework.
const schema = `
CREATE TABLE IF NOT EXISTS active_spaces (
	permanent_id     TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL,
	is_named         INTEGER NOT NULL DEFAULT 0,
	urls             TEXT NOT NULL DEFAULT '[]',
	window_id        INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	last_used        INTEGER NOT NULL,
	last_modified    INTEGER NOT NULL,
	version          INTEGER NOT NULL DEFAULT 1,
	source_window_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS closed_spaces (
	permanent_id     TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL,
	is_named         INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	last_used        INTEGER NOT NULL,
	last_modified    INTEGER NOT NULL,
	version          INTEGER NOT NULL DEFAULT 1,
	source_window_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tabs_by_space (
	tab_id       TEXT PRIMARY KEY,
	permanent_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	url          TEXT NOT NULL,
	idx          INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tabs_by_space_permanent_id ON tabs_by_space(permanent_id);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const (
	metaSchemaVersion  = "schema_version"
	metaBootstrapDone  = "bootstrap_done"
	metaMappingPrefix  = "mapping:"
	currentSchemaVersion = "1"
)
