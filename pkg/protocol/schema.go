package protocol

// SchemaDDL defines the SQLite schema for the warden runtime database.
// Tables: ledger, events, records, approvals, loop_sessions, escalations.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Dedup ledger: fingerprint -> first observation. Rows older than the
-- retention window are compacted away.
CREATE TABLE IF NOT EXISTS ledger (
    fingerprint TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    first_seen TEXT NOT NULL
);

-- Immutable detected events. id is the content fingerprint.
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    kind TEXT NOT NULL,
    priority TEXT NOT NULL,
    payload TEXT,
    detected_at TEXT NOT NULL,
    created_at TEXT NOT NULL
);

-- Mutable pipeline state, exactly one row per event.
CREATE TABLE IF NOT EXISTS records (
    event_id TEXT PRIMARY KEY REFERENCES events(id),
    state TEXT NOT NULL,
    state_entered_at TEXT NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    archived INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS records_state_idx ON records(state);

-- Approval requests for sensitive records. Immutable once decided.
CREATE TABLE IF NOT EXISTS approvals (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL REFERENCES events(id),
    risk_level TEXT NOT NULL,
    decision TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL,
    deadline_at TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    decided_at TEXT,
    decided_by TEXT,
    overdue_flagged INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS approvals_decision_idx ON approvals(decision);

-- Retry loop sessions, persisted on every iteration boundary so a crashed
-- controller resumes instead of starting over.
CREATE TABLE IF NOT EXISTS loop_sessions (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL REFERENCES events(id),
    iteration INTEGER NOT NULL DEFAULT 0,
    max_iterations INTEGER NOT NULL,
    started_at TEXT NOT NULL,
    max_duration_secs INTEGER NOT NULL,
    last_failure_signature TEXT,
    stuck_count INTEGER NOT NULL DEFAULT 0,
    outcome TEXT NOT NULL DEFAULT 'running',
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS loop_sessions_event_idx ON loop_sessions(event_id);

-- Operator alert queue: supervisor writes pending escalations, the operator
-- acks them from the CLI.
CREATE TABLE IF NOT EXISTS escalations (
    id INTEGER PRIMARY KEY,
    kind TEXT NOT NULL,
    event_id TEXT,
    worker TEXT,
    message TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL,
    acked_at TEXT
);
`
