package store

import "strings"

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// The calendars, events and schedules tables belong to the event-management
// side; they are created here so a standalone deployment has somewhere to
// read them from.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS calendars (
    id    TEXT PRIMARY KEY,
    name  TEXT NOT NULL DEFAULT '',
    local BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    calendar_id TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_calendar ON events (calendar_id, id);

CREATE TABLE IF NOT EXISTS schedules (
    id               TEXT PRIMARY KEY,
    event_id         TEXT NOT NULL,
    position         INTEGER NOT NULL DEFAULT 0,
    start_date       {{ts}},
    end_date         {{ts}},
    frequency        TEXT NOT NULL DEFAULT '',
    interval_n       INTEGER NOT NULL DEFAULT 0,
    count_n          INTEGER NOT NULL DEFAULT 0,
    by_day           TEXT NOT NULL DEFAULT '',
    duration_seconds BIGINT NOT NULL DEFAULT 0,
    is_exclusion     BOOLEAN NOT NULL DEFAULT FALSE,
    tzid             TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_schedules_event ON schedules (event_id, position);

CREATE TABLE IF NOT EXISTS instances (
    id          TEXT PRIMARY KEY,
    event_id    TEXT NOT NULL,
    calendar_id TEXT NOT NULL,
    start_at    {{ts}} NOT NULL,
    end_at      {{ts}}
);

CREATE INDEX IF NOT EXISTS idx_instances_event ON instances (event_id, start_at);
CREATE INDEX IF NOT EXISTS idx_instances_calendar ON instances (calendar_id, start_at);
`

// schemaFor renders the DDL for driver. go-sqlite3 only decodes columns
// declared exactly TIMESTAMP into time.Time.
func schemaFor(driver string) string {
	ts := "TIMESTAMP"
	if driver == DriverPostgres {
		ts = "TIMESTAMPTZ"
	}
	return strings.ReplaceAll(schemaTemplate, "{{ts}}", ts)
}

// statements splits the DDL so drivers that reject multi-statement Exec
// (pgx in extended protocol) can run it one statement at a time.
func statements(ddl string) []string {
	parts := strings.Split(ddl, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
