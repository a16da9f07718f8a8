// Package eventlog provides read-only access to the orchestrator's SQLite
// audit log. It backs `coe logs` and the event counts in `coe status`.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// sqliteTime is the layout of SQLite's datetime('now').
const sqliteTime = "2006-01-02 15:04:05"

// ErrClosed is returned by queries on a closed Reader.
var ErrClosed = errors.New("event log reader closed")

// Event is a single row of the events table.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	TicketID  string    `json:"ticketId"`
	TaskID    string    `json:"taskId"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// QueryOpts specifies filter criteria. Zero fields match everything.
type QueryOpts struct {
	TicketID string
	TaskID   string

	// EventType filters to one type (e.g. "picked", "stalled", "escalated").
	EventType string
	Source    string

	// After and Before bound created_at, inclusive.
	After  *time.Time
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the event log.
type Reader struct {
	db    *sql.DB
	owned bool
}

// NewReader opens the database at dbPath read-only. The file must exist.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	// Read-only so `coe logs` never contends with a running server's writers.
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Reader{db: db, owned: true}, nil
}

// FromDB wraps an already open handle. Close leaves it open.
func FromDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Close releases the database connection if the Reader opened it.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db == nil || !r.owned {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	if err != nil {
		return fmt.Errorf("close event log: %w", err)
	}
	return nil
}

// Query returns matching events, newest first.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	if r.db == nil {
		return nil, ErrClosed
	}
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []Event{}
	for rows.Next() {
		var (
			e                         Event
			ticketID, taskID, payload sql.NullString
			createdAt                 string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &ticketID, &taskID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TicketID, e.TaskID, e.Payload = ticketID.String, taskID.String, payload.String
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CountByType returns the number of events of each type.
func (r *Reader) CountByType(ctx context.Context) (map[string]int, error) {
	if r.db == nil {
		return nil, ErrClosed
	}
	rows, err := r.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM events GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(sqliteTime, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created_at %q: %w", s, err)
	}
	return t.UTC(), nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	add := func(cond string, arg any) {
		conditions = append(conditions, cond)
		args = append(args, arg)
	}

	if opts.TicketID != "" {
		add("ticket_id = ?", opts.TicketID)
	}
	if opts.TaskID != "" {
		add("task_id = ?", opts.TaskID)
	}
	if opts.EventType != "" {
		add("type = ?", opts.EventType)
	}
	if opts.Source != "" {
		add("source = ?", opts.Source)
	}
	// created_at is stored in UTC.
	if opts.After != nil {
		add("created_at >= ?", opts.After.UTC().Format(sqliteTime))
	}
	if opts.Before != nil {
		add("created_at <= ?", opts.Before.UTC().Format(sqliteTime))
	}

	query := "SELECT id, type, source, ticket_id, task_id, payload, created_at FROM events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
