package ticketstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"coe/pkg/conflict"
	"coe/pkg/lock"
	"coe/pkg/protocol"
	"coe/pkg/txn"
)

// querier is satisfied by *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Options configures a SQLiteStore.
type Options struct {
	Locks        *lock.Manager // shared lock table (default: a private one)
	Policy       txn.Policy    // transient-error retry policy
	LockTimeout  time.Duration // per-resource lock lifetime (default lock.DefaultTimeout)
	Path         string        // database file, needed only by Watch
	PollInterval time.Duration // Watch fallback poll (default 30s)
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Locks == nil {
		o.Locks = lock.NewManager()
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = lock.DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// SQLiteStore is the Store backed by a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	opts Options

	mu      sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	// localWeight is the ticket weight this store has written (see
	// ticketWeightQuery), so Watch can tell our commits from foreign ones.
	localWeight atomic.Int64

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New wraps an open database. The schema must already be applied (OpenDB
// does that).
func New(db *sql.DB, opts Options) *SQLiteStore {
	return &SQLiteStore{
		db:      db,
		opts:    opts.withDefaults(),
		subs:    make(map[int]func(Change)),
		nowFunc: time.Now,
	}
}

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// --- Reads ---

const ticketColumns = `seq, id, title, description, status, type, priority, creator, assignee,
	task_id, version, resolution, messages, conversation_history, depends_on, escalated_from,
	created_at, updated_at`

// List returns every ticket in creation order.
func (s *SQLiteStore) List(ctx context.Context) ([]*protocol.Ticket, error) {
	return txn.Retry(ctx, s.opts.Policy, func(ctx context.Context) ([]*protocol.Ticket, error) {
		return listTickets(ctx, s.db)
	})
}

// Get returns one ticket or *protocol.TicketNotFoundError.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*protocol.Ticket, error) {
	return txn.Retry(ctx, s.opts.Policy, func(ctx context.Context) (*protocol.Ticket, error) {
		return getTicket(ctx, s.db, id)
	})
}

func listTickets(ctx context.Context, q querier) ([]*protocol.Ticket, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets ORDER BY created_at ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return out, nil
}

func getTicket(ctx context.Context, q querier, id string) (*protocol.Ticket, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.TicketNotFoundError{TicketID: id}
	}
	return t, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(sc scanner) (*protocol.Ticket, error) {
	var (
		t                             protocol.Ticket
		status, typ                   string
		priority                      int
		taskID, resolution, escalated sql.NullString
		messages, dependsOn           string
		createdAt, updatedAt          int64
	)
	err := sc.Scan(&t.Seq, &t.ID, &t.Title, &t.Description, &status, &typ, &priority,
		&t.Creator, &t.Assignee, &taskID, &t.Version, &resolution, &messages,
		&t.ConversationHistory, &dependsOn, &escalated, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan ticket: %w", err)
	}

	t.Status = protocol.TicketStatus(status)
	t.Priority = protocol.Priority(priority)
	if t.Type, err = protocol.ParseTicketType(typ); err != nil {
		return nil, fmt.Errorf("ticket %s: %w", t.ID, err)
	}
	t.TaskID = nullString(taskID)
	t.Resolution = nullString(resolution)
	t.EscalatedFrom = nullString(escalated)
	if err := json.Unmarshal([]byte(messages), &t.Messages); err != nil {
		return nil, fmt.Errorf("ticket %s messages: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(dependsOn), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("ticket %s depends_on: %w", t.ID, err)
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func toNull(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

// --- Writes ---

// Create inserts a new ticket at version 1.
func (s *SQLiteStore) Create(ctx context.Context, nt protocol.NewTicket) (*protocol.Ticket, error) {
	var out *protocol.Ticket
	err := s.Transact(ctx, nil, func(ctx context.Context, tx Tx) error {
		t, err := tx.Create(ctx, nt)
		out = t
		return err
	})
	return out, err
}

// Update applies p to ticket id under the ticket's lock.
func (s *SQLiteStore) Update(ctx context.Context, id string, p protocol.Patch) (*protocol.Ticket, error) {
	var out *protocol.Ticket
	err := s.Transact(ctx, []string{TicketResource(id)}, func(ctx context.Context, tx Tx) error {
		t, err := tx.Update(ctx, id, p)
		out = t
		return err
	})
	return out, err
}

// UpdateWithMerge applies p, falling back to a three-way merge against base
// when p.ExpectedVersion is stale.
func (s *SQLiteStore) UpdateWithMerge(ctx context.Context, id string, base *protocol.Ticket, p protocol.Patch) (*protocol.Ticket, error) {
	var out *protocol.Ticket
	err := s.Transact(ctx, []string{TicketResource(id)}, func(ctx context.Context, tx Tx) error {
		t, err := tx.(*sqlTx).merge(ctx, id, base, p)
		out = t
		return err
	})
	return out, err
}

// Transact locks resources, then runs fn inside one exclusive transaction,
// retrying the whole transaction on transient contention. Subscribers hear
// about the writes after commit.
func (s *SQLiteStore) Transact(ctx context.Context, resources []string, fn func(ctx context.Context, tx Tx) error) error {
	holder := uuid.NewString()
	release, blocked, ok := s.opts.Locks.AcquireAll(ctx, resources, holder, s.opts.LockTimeout)
	if !ok {
		h, _ := s.opts.Locks.Holder(blocked)
		return &protocol.LockUnavailableError{Resource: blocked, Holder: h}
	}

	changes, err := txn.Retry(ctx, s.opts.Policy, func(ctx context.Context) ([]Change, error) {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire connection: %w", err)
		}
		defer func() { _ = conn.Close() }()

		tx := &sqlTx{q: conn, now: s.nowFunc}
		var pending int64
		res := txn.WithTransaction(ctx, conn, func(ctx context.Context) ([]Change, error) {
			if err := fn(ctx, tx); err != nil {
				return nil, err
			}
			// Counted before COMMIT so Watch never sees our rows without them.
			for _, c := range tx.changes {
				pending += changeWeight(c.Kind)
			}
			s.localWeight.Add(pending)
			return tx.changes, nil
		}, txn.Options{Mode: txn.Exclusive})
		if !res.Committed {
			s.localWeight.Add(-pending)
		}
		return res.Unwrap()
	})
	// Subscribers may write again, so locks go before delivery.
	release()
	if err != nil {
		return err
	}

	for _, c := range changes {
		s.emit(c)
	}
	return nil
}

// sqlTx implements Tx on a connection that is inside BEGIN.
type sqlTx struct {
	q       querier
	now     func() time.Time
	changes []Change
}

func (tx *sqlTx) Get(ctx context.Context, id string) (*protocol.Ticket, error) {
	return getTicket(ctx, tx.q, id)
}

func (tx *sqlTx) Create(ctx context.Context, nt protocol.NewTicket) (*protocol.Ticket, error) {
	now := tx.now().UTC()
	t := &protocol.Ticket{
		ID:            uuid.NewString(),
		Title:         nt.Title,
		Description:   nt.Description,
		Status:        nt.Status,
		Type:          nt.Type,
		Priority:      nt.Priority,
		Creator:       nt.Creator,
		Assignee:      nt.Assignee,
		TaskID:        nt.TaskID,
		Version:       1,
		Messages:      []protocol.Message{},
		DependsOn:     nt.DependsOn,
		EscalatedFrom: nt.EscalatedFrom,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if t.Status == "" {
		t.Status = protocol.StatusOpen
	}
	if t.Priority == 0 {
		t.Priority = protocol.PriorityMedium
	}
	if err := validate(t); err != nil {
		return nil, err
	}

	deps, err := encodeJSON(t.DependsOn, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode depends_on: %w", err)
	}
	res, err := tx.q.ExecContext(ctx,
		`INSERT INTO tickets (id, title, description, status, type, priority, creator, assignee,
			task_id, version, resolution, messages, conversation_history, depends_on, escalated_from,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '[]', '', ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.Type.String(), int(t.Priority),
		t.Creator, t.Assignee, toNull(t.TaskID), t.Version, deps, toNull(t.EscalatedFrom),
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}
	if t.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}

	tx.changes = append(tx.changes, Change{Kind: ChangeCreated, Ticket: t.Clone()})
	return t, nil
}

func (tx *sqlTx) Update(ctx context.Context, id string, p protocol.Patch) (*protocol.Ticket, error) {
	cur, err := getTicket(ctx, tx.q, id)
	if err != nil {
		return nil, err
	}
	if p.ExpectedVersion != 0 {
		if check := conflict.CheckVersion(id, p.ExpectedVersion, cur.Version); !check.Valid {
			return nil, check.Conflict.Err()
		}
	}
	return tx.write(ctx, cur, applyPatch(cur, p))
}

// merge is Update with a three-way merge on a stale version.
func (tx *sqlTx) merge(ctx context.Context, id string, base *protocol.Ticket, p protocol.Patch) (*protocol.Ticket, error) {
	cur, err := getTicket(ctx, tx.q, id)
	if err != nil {
		return nil, err
	}
	if p.ExpectedVersion == 0 || p.ExpectedVersion == cur.Version {
		return tx.write(ctx, cur, applyPatch(cur, p))
	}
	if base == nil {
		return nil, conflict.CheckVersion(id, p.ExpectedVersion, cur.Version).Conflict.Err()
	}

	res := conflict.AttemptMerge(FieldsOf(base), FieldsOf(cur), PatchFields(p))
	if !res.AutoMerged {
		return nil, &protocol.MergeConflictError{TicketID: id, ManualFields: res.ManualFields}
	}
	next := cur.Clone()
	if err := ApplyFields(next, res.Merged); err != nil {
		return nil, fmt.Errorf("apply merge: %w", err)
	}
	next.Messages = append(next.Messages, p.AppendMessages...)
	return tx.write(ctx, cur, next)
}

// write stores next over cur, guarded by cur's version.
func (tx *sqlTx) write(ctx context.Context, cur, next *protocol.Ticket) (*protocol.Ticket, error) {
	if err := validate(next); err != nil {
		return nil, err
	}
	next.Version = conflict.IncrementVersion(cur.Version)
	next.UpdatedAt = tx.now().UTC()

	messages, err := encodeJSON(next.Messages, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	deps, err := encodeJSON(next.DependsOn, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode depends_on: %w", err)
	}

	res, err := tx.q.ExecContext(ctx,
		`UPDATE tickets SET title = ?, description = ?, status = ?, type = ?, priority = ?,
			assignee = ?, resolution = ?, messages = ?, depends_on = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		next.Title, next.Description, string(next.Status), next.Type.String(), int(next.Priority),
		next.Assignee, toNull(next.Resolution), messages, deps, next.Version, next.UpdatedAt.UnixNano(),
		cur.ID, cur.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update ticket %s: %w", cur.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update ticket %s: %w", cur.ID, err)
	}
	if n == 0 {
		// Someone slipped in between our read and write.
		latest, err := getTicket(ctx, tx.q, cur.ID)
		if err != nil {
			return nil, err
		}
		return nil, conflict.CheckVersion(cur.ID, cur.Version, latest.Version).Conflict.Err()
	}

	tx.changes = append(tx.changes, Change{Kind: ChangeUpdated, Ticket: next.Clone()})
	return next, nil
}

// --- Subscriptions ---

type subscription struct {
	s  *SQLiteStore
	id int
}

func (sub *subscription) Close() {
	sub.s.mu.Lock()
	delete(sub.s.subs, sub.id)
	sub.s.mu.Unlock()
}

// OnChange registers fn for every committed change. fn runs on the writer's
// goroutine and must not block for long.
func (s *SQLiteStore) OnChange(fn func(Change)) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return &subscription{s: s, id: id}
}

func (s *SQLiteStore) emit(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
