package protocol

// SchemaDDL defines the SQLite schema for the coe ticket database.
// Tables: tickets, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Tickets: the shared, multi-writer source of truth. version guards every write.
CREATE TABLE IF NOT EXISTS tickets (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK (status IN ('open','in-progress','blocked','done','pending')),
    type TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 2 CHECK (priority BETWEEN 1 AND 3),
    creator TEXT NOT NULL DEFAULT '',
    assignee TEXT NOT NULL DEFAULT '',
    task_id TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    resolution TEXT,
    messages TEXT NOT NULL DEFAULT '[]',
    conversation_history TEXT NOT NULL DEFAULT '',
    depends_on TEXT NOT NULL DEFAULT '[]',
    escalated_from TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_status_created ON tickets(status, created_at);

-- Orchestrator audit log: picks, completions, failures, escalations
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    ticket_id TEXT,
    task_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
