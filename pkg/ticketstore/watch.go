package ticketstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reports writes made by other processes (the editor extension, the
// coe CLI) as ChangeExternal events. It watches the database directory with
// fsnotify and confirms each file event with PRAGMA data_version on a pinned
// connection. A slow poll runs as a safety net, and replaces fsnotify entirely
// if the watcher cannot be set up. Watch blocks until ctx is cancelled.
//
// data_version also moves on this process's own commits from other pooled
// connections. Those are filtered by comparing the tickets table's weight
// against what this store wrote itself, so event-log inserts and our own
// ticket writes do not trigger a refresh.
func (s *SQLiteStore) Watch(ctx context.Context) error {
	if s.opts.Path == "" {
		return errors.New("watch: store opened without a path")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("watch: acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	last, err := s.readWatchState(ctx, conn)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	fallback := time.NewTicker(s.opts.PollInterval)
	defer fallback.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.opts.Logger.Warn("fsnotify unavailable, polling", "error", err)
		return s.watchPoll(ctx, conn, last, fallback)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(s.opts.Path)); err != nil {
		s.opts.Logger.Warn("cannot watch db dir, polling", "dir", filepath.Dir(s.opts.Path), "error", err)
		return s.watchPoll(ctx, conn, last, fallback)
	}

	base := filepath.Base(s.opts.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return s.watchPoll(ctx, conn, last, fallback)
			}
			// tickets.db, tickets.db-wal, tickets.db-shm
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}
			last = s.checkExternal(ctx, conn, last)
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				s.opts.Logger.Warn("db watcher error", "error", err)
			}
		case <-fallback.C:
			last = s.checkExternal(ctx, conn, last)
		}
	}
}

func (s *SQLiteStore) watchPoll(ctx context.Context, conn *sql.Conn, st watchState, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st = s.checkExternal(ctx, conn, st)
		}
	}
}

// ticketWeightQuery computes COUNT(*) + SUM(version) over tickets: a create adds 2 and
// an update adds 1. Event inserts leave it alone.
const ticketWeightQuery = `SELECT COUNT(*) + COALESCE(SUM(version), 0) FROM tickets`

func changeWeight(k ChangeKind) int64 {
	switch k {
	case ChangeCreated:
		return 2
	case ChangeUpdated:
		return 1
	default:
		return 0
	}
}

// watchState is what Watch saw at its last check. offset is the ticket
// weight not written by this store. Local writes are counted before they
// commit, so offset only dips while one is in flight; it rises past its
// high-water mark only when another process writes.
type watchState struct {
	dataVersion int64
	offset      int64
}

func (s *SQLiteStore) readOffset(ctx context.Context, conn *sql.Conn) (int64, error) {
	var weight int64
	if err := conn.QueryRowContext(ctx, ticketWeightQuery).Scan(&weight); err != nil {
		return 0, fmt.Errorf("read ticket weight: %w", err)
	}
	// Load after the read: a write seen in weight was counted before it committed.
	return weight - s.localWeight.Load(), nil
}

func (s *SQLiteStore) readWatchState(ctx context.Context, conn *sql.Conn) (watchState, error) {
	v, err := dataVersion(ctx, conn)
	if err != nil {
		return watchState{}, err
	}
	off, err := s.readOffset(ctx, conn)
	if err != nil {
		return watchState{}, err
	}
	return watchState{dataVersion: v, offset: off}, nil
}

// checkExternal emits ChangeExternal when another process has written
// tickets since last, and returns the new state. Commits that touch only
// events, or only tickets this store wrote, stay quiet.
func (s *SQLiteStore) checkExternal(ctx context.Context, conn *sql.Conn, last watchState) watchState {
	v, err := dataVersion(ctx, conn)
	if err != nil {
		if ctx.Err() == nil {
			s.opts.Logger.Warn("read data_version", "error", err)
		}
		return last
	}
	if v == last.dataVersion {
		return last
	}
	off, err := s.readOffset(ctx, conn)
	if err != nil {
		if ctx.Err() == nil {
			s.opts.Logger.Warn("read ticket weight", "error", err)
		}
		return last
	}
	next := watchState{dataVersion: v, offset: last.offset}
	if off > last.offset {
		next.offset = off
		s.emit(Change{Kind: ChangeExternal})
	}
	return next
}

func dataVersion(ctx context.Context, conn *sql.Conn) (int64, error) {
	var v int64
	if err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read data_version: %w", err)
	}
	return v, nil
}
