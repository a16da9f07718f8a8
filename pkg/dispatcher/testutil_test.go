package dispatcher //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coe/pkg/escalation"
	"coe/pkg/protocol"
	"coe/pkg/ticketstore"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockRouter records routed tickets.
type mockRouter struct {
	mu     sync.Mutex
	routed []string
	err    error
}

func (r *mockRouter) Route(_ context.Context, t *protocol.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, t.ID)
	return r.err
}

func (r *mockRouter) Routed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.routed...)
}

// failingStore fails List and delegates everything else.
type failingStore struct {
	ticketstore.Store
	listErr error
}

func (s *failingStore) List(context.Context) ([]*protocol.Ticket, error) {
	return nil, s.listErr
}

type testEnv struct {
	store  *ticketstore.SQLiteStore
	d      *Dispatcher
	clock  *fakeClock
	router *mockRouter
	mode   *ModeSwitch
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *ticketstore.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), protocol.DBFile)
	db, err := ticketstore.OpenDB(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return ticketstore.New(db, ticketstore.Options{Path: path, Logger: quietLogger()})
}

// newTestEnv builds an uninitialized dispatcher over a fresh database.
func newTestEnv(t *testing.T, maxRetries int) *testEnv {
	t.Helper()
	store := openStore(t)
	env := &testEnv{
		store:  store,
		clock:  newFakeClock(),
		router: &mockRouter{},
		mode:   NewModeSwitch(protocol.ModeAuto),
	}
	env.d = New(Config{StallTimeout: 30 * time.Second}, store,
		escalation.NewManager(maxRetries), env.mode, env.router, store.DB(), quietLogger())
	env.d.nowFunc = env.clock.Now
	t.Cleanup(env.d.Close)
	return env
}

func (e *testEnv) create(t *testing.T, nt protocol.NewTicket) *protocol.Ticket {
	t.Helper()
	if nt.Type == protocol.TypeUnset {
		nt.Type = protocol.TypeAIToHuman
	}
	tk, err := e.store.Create(context.Background(), nt)
	if err != nil {
		t.Fatalf("create %q: %v", nt.Title, err)
	}
	return tk
}

func (e *testEnv) init(t *testing.T) {
	t.Helper()
	if err := e.d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func (e *testEnv) get(t *testing.T, id string) *protocol.Ticket {
	t.Helper()
	tk, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return tk
}

func (e *testEnv) escalations(t *testing.T) []*protocol.Ticket {
	t.Helper()
	all, err := e.store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var out []*protocol.Ticket
	for _, tk := range all {
		if tk.EscalatedFrom != nil {
			out = append(out, tk)
		}
	}
	return out
}
