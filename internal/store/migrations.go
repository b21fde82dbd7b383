package store

const schema = `
-- Known observables (devices), never deleted
CREATE TABLE IF NOT EXISTS observables (
    id              TEXT PRIMARY KEY,
    time_last_seen  INTEGER NOT NULL
) WITHOUT ROWID;

-- Observation events, one per (observable, time_seen)
CREATE TABLE IF NOT EXISTS events (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    box_id            TEXT    NOT NULL,
    observable_id     TEXT    NOT NULL,
    time_seen         INTEGER NOT NULL,
    value             REAL    NOT NULL DEFAULT 0,
    access_point_id   TEXT    NOT NULL DEFAULT '',
    total_packets     INTEGER NOT NULL DEFAULT 0,
    packets_captured  INTEGER NOT NULL DEFAULT 0,
    observations_json TEXT,
    UNIQUE (observable_id, time_seen),
    FOREIGN KEY (observable_id) REFERENCES observables(id)
);

-- Hourly "seen" counts
CREATE TABLE IF NOT EXISTS seen_by_hour (
    box_id                       TEXT    NOT NULL,
    hour_start                   INTEGER NOT NULL,
    seen                         INTEGER NOT NULL,
    seen_also_in_preceding_hour  INTEGER NOT NULL,
    computed_at                  INTEGER NOT NULL,
    PRIMARY KEY (box_id, hour_start)
) WITHOUT ROWID;

-- Daily "seen" counts
CREATE TABLE IF NOT EXISTS seen_by_day (
    box_id                      TEXT    NOT NULL,
    day_start                   INTEGER NOT NULL,
    seen                        INTEGER NOT NULL,
    seen_also_on_preceding_day  INTEGER NOT NULL,
    seen_also_a_week_earlier    INTEGER NOT NULL,
    computed_at                 INTEGER NOT NULL,
    PRIMARY KEY (box_id, day_start)
) WITHOUT ROWID;

-- Sensing process health checks (append-only)
CREATE TABLE IF NOT EXISTS process_status (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    box_id         TEXT    NOT NULL,
    sensor_status  INTEGER NOT NULL,
    time_stamp     INTEGER NOT NULL,
    UNIQUE (box_id, time_stamp)
);

-- Box-side settings and upload cursors; at most one row
CREATE TABLE IF NOT EXISTS box_settings (
    singleton                    INTEGER PRIMARY KEY CHECK (singleton = 1),
    box_id                       TEXT    NOT NULL,
    server_url                   TEXT    NOT NULL,
    upload_token                 TEXT    NOT NULL,
    events_uploaded_until        INTEGER,
    aggregations_uploaded_until  INTEGER,
    status_uploaded_until        INTEGER
);

-- Server-side registry of boxes allowed to upload
CREATE TABLE IF NOT EXISTS boxes (
    box_id        TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    upload_token  TEXT NOT NULL
);

-- Secondary indexes
CREATE INDEX IF NOT EXISTS idx_events_box_time ON events(box_id, time_seen);
CREATE INDEX IF NOT EXISTS idx_events_observable ON events(observable_id, time_seen);
CREATE INDEX IF NOT EXISTS idx_status_box_time ON process_status(box_id, time_stamp);
`
