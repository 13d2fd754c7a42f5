package database

// Schema contains all SQL statements for creating tables and indexes
const Schema = `
-- One OAuth credential per integration. Token columns hold ciphertext.
CREATE TABLE IF NOT EXISTS credentials (
    integration TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,

    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    expires_at INTEGER NOT NULL,  -- Unix timestamp
    scope TEXT NOT NULL DEFAULT '',

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Cached statistics, one row per (integration, stat_kind)
CREATE TABLE IF NOT EXISTS cached_stats (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    integration TEXT NOT NULL,
    stat_kind TEXT NOT NULL,

    payload TEXT NOT NULL,  -- JSON
    fetched_at INTEGER NOT NULL,  -- Unix milliseconds

    UNIQUE (integration, stat_kind)
);

-- Strava activities synced in bulk, keyed by Strava activity id
CREATE TABLE IF NOT EXISTS strava_activities (
    id INTEGER PRIMARY KEY,

    name TEXT NOT NULL DEFAULT '',
    activity_type TEXT NOT NULL DEFAULT '',  -- e.g. "Run", "Ride"
    distance REAL NOT NULL DEFAULT 0,  -- metres
    moving_time INTEGER NOT NULL DEFAULT 0,  -- seconds
    elapsed_time INTEGER NOT NULL DEFAULT 0,
    total_elevation_gain REAL NOT NULL DEFAULT 0,
    average_speed REAL NOT NULL DEFAULT 0,  -- m/s
    max_speed REAL NOT NULL DEFAULT 0,

    start_date TEXT NOT NULL,  -- RFC 3339, UTC
    start_date_local TEXT NOT NULL DEFAULT '',
    year INTEGER NOT NULL,  -- from start_date_local

    updated_at INTEGER NOT NULL
);

-- Log of refresh runs, written once the run reaches a terminal state
CREATE TABLE IF NOT EXISTS refresh_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    integration TEXT NOT NULL,
    trigger TEXT NOT NULL,
    state TEXT NOT NULL,  -- committed | rolled_back
    kinds TEXT NOT NULL DEFAULT '',
    error TEXT,

    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_strava_activities_start_date ON strava_activities(start_date DESC);
CREATE INDEX IF NOT EXISTS idx_strava_activities_type_year ON strava_activities(activity_type, year);
CREATE INDEX IF NOT EXISTS idx_refresh_runs_integration ON refresh_runs(integration, finished_at DESC);
`
