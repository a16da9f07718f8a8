// Package dispatcher implements the coe orchestrator: the in-memory task queue
// projected from open and in-progress tickets. It hands out the oldest ready
// task, watches running tasks for stalls, turns failure reports into retries
// or escalation tickets, and routes new human-to-AI tickets according to the
// current mode.
//
// The Dispatcher is inert until Init. Every queue operation before that fails
// with protocol.ErrNotInitialized.
package dispatcher

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"coe/pkg/escalation"
	"coe/pkg/protocol"
	"coe/pkg/ticketstore"
)

// --- Domain types ---

// Task is the scheduling projection of an open or in-progress ticket.
type Task struct {
	ID              string              `json:"id"`
	TicketID        string              `json:"ticketId"`
	Title           string              `json:"title"`
	Priority        protocol.Priority   `json:"priority"`
	Type            protocol.TicketType `json:"type"`
	Status          TaskStatus          `json:"status"`
	DependsOn       []string            `json:"dependsOn"`
	LastPickedAt    *time.Time          `json:"lastPickedAt"`
	EstimatedEffort string              `json:"estimatedEffort"`
	CreatedAt       time.Time           `json:"createdAt"`
}

// Filter narrows GetNextTask. Nil fields match everything.
type Filter struct {
	Priority *protocol.Priority
	Type     *protocol.TicketType
}

func (f Filter) match(t *Task) bool {
	if f.Priority != nil && t.Priority != *f.Priority {
		return false
	}
	if f.Type != nil && t.Type != *f.Type {
		return false
	}
	return true
}

// Outcome is what a client reports about a finished task.
type Outcome string

// Report outcomes.
const (
	OutcomeDone    Outcome = "done"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFailed  Outcome = "failed"
)

// Valid reports whether o is one of the three outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeDone || o == OutcomeBlocked || o == OutcomeFailed
}

// Report is a completion report for one ticket.
type Report struct {
	Outcome        Outcome
	Summary        string
	FailedCriteria []string
	FailedTests    []string
}

// ReportResult is returned by ReportTaskDone.
type ReportResult struct {
	Success            bool               `json:"success"`
	Message            string             `json:"message"`
	Retry              *escalation.Status `json:"retry,omitempty"`
	EscalationTicketID string             `json:"escalationTicketId,omitempty"`
}

// QueueStatus summarises the queue.
type QueueStatus struct {
	Initialized bool          `json:"initialized"`
	Total       int           `json:"total"`
	Ready       int           `json:"ready"`
	Running     int           `json:"running"`
	Blocked     int           `json:"blocked"`
	Failed      int           `json:"failed"`
	Mode        protocol.Mode `json:"mode"`
}

// --- Interfaces for testability ---

// Router hands a ticket to a downstream agent. Production impl is
// agent.AnswerRouter.
type Router interface {
	Route(ctx context.Context, t *protocol.Ticket) error
}

// --- Config ---

// Config holds Dispatcher configuration.
type Config struct {
	StallTimeout time.Duration // Running task idle limit (default 30s).
	StallScan    string        // Cron spec for the periodic stall scan (default "@every 10s").
	RouteTimeout time.Duration // Limit on one Router call (default 5m).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StallTimeout == 0 {
		out.StallTimeout = 30 * time.Second
	}
	if out.StallScan == "" {
		out.StallScan = "@every 10s"
	}
	if out.RouteTimeout == 0 {
		out.RouteTimeout = 5 * time.Minute
	}
	return out
}

// --- Dispatcher ---

// queued is a task plus the state the dispatcher keeps beside it.
type queued struct {
	task         Task
	fsm          *taskMachine
	ticket       *protocol.Ticket // last seen copy
	seq          int64
	cycleBlocked bool
	routing      bool // handed to the Router; not offered to clients
}

func (q *queued) snapshot() *Task {
	t := q.task
	t.Status = q.fsm.current()
	t.DependsOn = slices.Clone(q.task.DependsOn)
	if q.task.LastPickedAt != nil {
		at := *q.task.LastPickedAt
		t.LastPickedAt = &at
	}
	return &t
}

// Dispatcher is the orchestrator.
type Dispatcher struct {
	cfg     Config
	store   ticketstore.Store
	retries *escalation.Manager
	mode    ModeSource
	router  Router
	db      *sql.DB // audit events; nil disables them
	logger  *slog.Logger

	mu          sync.Mutex
	initialized bool
	tasks       map[string]*queued // task id -> task
	byTicket    map[string]string  // ticket id -> task id
	stallMarked map[string]bool    // task id -> escalation ticket already created
	known       map[string]bool    // ticket ids seen since Init; arrivals are admitted once
	sub         ticketstore.Subscription

	routes sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Dispatcher. It does NOT load tickets or start scanning; call
// Init, then Run.
func New(cfg Config, store ticketstore.Store, retries *escalation.Manager, mode ModeSource, router Router, db *sql.DB, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if retries == nil {
		retries = escalation.NewManager(0)
	}
	if mode == nil {
		mode = NewModeSwitch(protocol.ModeAuto)
	}
	return &Dispatcher{
		cfg:         cfg.withDefaults(),
		store:       store,
		retries:     retries,
		mode:        mode,
		router:      router,
		db:          db,
		logger:      logger.With("component", "dispatcher"),
		tasks:       make(map[string]*queued),
		byTicket:    make(map[string]string),
		stallMarked: make(map[string]bool),
		known:       make(map[string]bool),
		nowFunc:     time.Now,
	}
}

// Init loads tickets, builds the queue and subscribes to store changes. A
// store failure is logged and leaves the queue empty; Init still marks the
// dispatcher initialized. Calling Init again reloads the queue.
func (d *Dispatcher) Init(ctx context.Context) error {
	tickets, err := d.store.List(ctx)
	if err != nil {
		d.logger.Error("load tickets failed, starting with an empty queue", "error", err)
		tickets = nil
	}

	d.mu.Lock()
	_ = d.replaceLocked(tickets) // tickets present at start are not arrivals
	d.initialized = true
	subscribe := d.sub == nil
	d.mu.Unlock()

	if subscribe {
		sub := d.store.OnChange(d.onChange)
		d.mu.Lock()
		d.sub = sub
		d.mu.Unlock()
	}

	d.checkCycles(ctx)
	d.logger.Info("queue loaded", "tasks", d.taskCount())
	return nil
}

// Run starts the periodic stall scan. Run blocks until ctx is cancelled and
// then waits for in-flight routing to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(d.cfg.StallScan, func() {
		if n := d.ScanStalls(ctx); n > 0 {
			d.logger.Info("stall scan escalated tasks", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("dispatcher: invalid stall scan schedule %q: %w", d.cfg.StallScan, err)
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	d.Close()
	return nil
}

// Close stops the store subscription and waits for routing goroutines.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	d.routes.Wait()
}

func (d *Dispatcher) ready() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return protocol.ErrNotInitialized
	}
	return nil
}

func (d *Dispatcher) taskCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// --- Queue projection ---

// upsertLocked reconciles the queue with one ticket. Caller holds d.mu.
func (d *Dispatcher) upsertLocked(t *protocol.Ticket) {
	if !t.Status.Schedulable() {
		d.removeTicketLocked(t.ID)
		return
	}

	key := t.TaskKey()
	if q, ok := d.tasks[key]; ok {
		q.ticket = t.Clone()
		q.task.Title = t.Title
		q.task.Priority = t.Priority
		q.task.Type = t.Type
		q.task.DependsOn = slices.Clone(t.DependsOn)
		q.task.EstimatedEffort = estimateEffort(t)
		return
	}

	fsm, err := newTaskMachine(key, TaskReady)
	if err != nil {
		d.logger.Error("cannot create task", "ticket", t.ID, "error", err)
		return
	}
	d.tasks[key] = &queued{
		task: Task{
			ID:              key,
			TicketID:        t.ID,
			Title:           t.Title,
			Priority:        t.Priority,
			Type:            t.Type,
			DependsOn:       slices.Clone(t.DependsOn),
			EstimatedEffort: estimateEffort(t),
			CreatedAt:       t.CreatedAt,
		},
		fsm:    fsm,
		ticket: t.Clone(),
		seq:    t.Seq,
	}
	d.byTicket[t.ID] = key
}

func (d *Dispatcher) removeTicketLocked(ticketID string) {
	key, ok := d.byTicket[ticketID]
	if !ok {
		return
	}
	delete(d.byTicket, ticketID)
	delete(d.tasks, key)
	delete(d.stallMarked, key)
}

// replaceLocked rebuilds the queue from a full ticket list, keeping the
// runtime state of tasks that survive. It returns the tickets it had never
// seen before.
func (d *Dispatcher) replaceLocked(tickets []*protocol.Ticket) []*protocol.Ticket {
	var fresh []*protocol.Ticket
	seen := make(map[string]bool, len(tickets))
	for _, t := range tickets {
		seen[t.ID] = true
		if !d.known[t.ID] {
			d.known[t.ID] = true
			fresh = append(fresh, t)
		}
		d.upsertLocked(t)
	}
	for ticketID := range d.byTicket {
		if !seen[ticketID] {
			d.removeTicketLocked(ticketID)
		}
	}
	return fresh
}

// Refresh reloads every ticket from the store.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	if err := d.ready(); err != nil {
		return err
	}
	tickets, err := d.store.List(ctx)
	if err != nil {
		return fmt.Errorf("refresh queue: %w", err)
	}
	d.mu.Lock()
	fresh := d.replaceLocked(tickets)
	d.mu.Unlock()
	d.checkCycles(ctx)

	// Tickets written by another process arrive here rather than as
	// ChangeCreated. Only untouched ones are admitted.
	for _, t := range fresh {
		if t.Status == protocol.StatusOpen && t.Assignee == "" {
			protocol.VisitType[struct{}](t.Type, &arrival{d: d, ticket: t})
		}
	}
	return nil
}

// estimateEffort is a rough size label from the ticket's description length.
func estimateEffort(t *protocol.Ticket) string {
	words := len(strings.Fields(t.Description))
	switch {
	case words == 0:
		return "unknown"
	case words < 50:
		return "small"
	case words < 200:
		return "medium"
	default:
		return "large"
	}
}

// --- Change handling ---

func (d *Dispatcher) onChange(c ticketstore.Change) {
	switch c.Kind {
	case ticketstore.ChangeExternal:
		if err := d.Refresh(context.Background()); err != nil {
			d.logger.Warn("refresh after external change failed", "error", err)
		}
	case ticketstore.ChangeCreated:
		d.mu.Lock()
		fresh := !d.known[c.Ticket.ID]
		d.known[c.Ticket.ID] = true
		d.upsertLocked(c.Ticket)
		d.mu.Unlock()
		d.checkCycles(context.Background())
		if fresh {
			protocol.VisitType[struct{}](c.Ticket.Type, &arrival{d: d, ticket: c.Ticket})
		}
	case ticketstore.ChangeUpdated:
		d.mu.Lock()
		d.upsertLocked(c.Ticket)
		d.mu.Unlock()
		d.checkCycles(context.Background())
	}
}

// arrival decides what happens to a newly created ticket, by type.
type arrival struct {
	d      *Dispatcher
	ticket *protocol.Ticket
}

func (a *arrival) HumanToAI() struct{} {
	a.d.admitHumanTicket(a.ticket)
	return struct{}{}
}

func (a *arrival) AIToHuman() struct{} { return struct{}{} }

func (a *arrival) AnswerAgent() struct{} { return struct{}{} }

func (a *arrival) Unset() struct{} { return struct{}{} }

// admitHumanTicket routes t to the answer agent in auto mode, or parks it as
// pending in manual mode.
func (d *Dispatcher) admitHumanTicket(t *protocol.Ticket) {
	mode := d.mode.Mode()
	if mode == protocol.ModeManual {
		ctx := context.Background()
		if _, err := d.store.Update(ctx, t.ID, protocol.Patch{
			Status:          protocol.Ptr(protocol.StatusPending),
			ExpectedVersion: t.Version,
		}); err != nil {
			d.logger.Warn("park ticket failed", "ticket", t.ID, "error", err)
			return
		}
		_ = d.logEvent(ctx, protocol.EventParked, t.ID, t.TaskKey(), "")
		return
	}

	if d.router == nil {
		return
	}
	d.setRouting(t.ID, true)
	d.routes.Add(1)
	go func() {
		defer d.routes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RouteTimeout)
		defer cancel()
		if err := d.router.Route(ctx, t); err != nil {
			d.logger.Warn("route ticket failed", "ticket", t.ID, "error", err)
			// The router released the ticket; clients may take it.
			d.setRouting(t.ID, false)
			return
		}
		_ = d.logEvent(ctx, protocol.EventRouted, t.ID, t.TaskKey(), "")
	}()
}

func (d *Dispatcher) setRouting(ticketID string, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.tasks[d.byTicket[ticketID]]; ok {
		q.routing = on
	}
}

// --- Dequeue ---

// GetNextTask returns the oldest ready task matching f, or nil if there is
// none. The task is marked running and stamped with the pick time, and an
// open ticket moves to in-progress. A stall scan runs first.
func (d *Dispatcher) GetNextTask(ctx context.Context, f Filter) (*Task, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	d.ScanStalls(ctx)

	d.mu.Lock()
	q := d.nextReadyLocked(f)
	if q == nil {
		d.mu.Unlock()
		return nil, nil
	}
	if err := q.fsm.fire(evPick); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("pick task %s: %w", q.task.ID, err)
	}
	now := d.nowFunc()
	q.task.LastPickedAt = &now
	// A new pick starts a new stall window.
	delete(d.stallMarked, q.task.ID)
	task := q.snapshot()
	ticket := q.ticket.Clone()
	d.mu.Unlock()

	if ticket.Status == protocol.StatusOpen {
		_, err := d.store.UpdateWithMerge(ctx, ticket.ID, ticket, protocol.Patch{
			Status:          protocol.Ptr(protocol.StatusInProgress),
			ExpectedVersion: ticket.Version,
		})
		if err != nil {
			d.logger.Warn("mark ticket in-progress failed", "ticket", ticket.ID, "error", err)
		}
	}
	_ = d.logEvent(ctx, protocol.EventPicked, task.TicketID, task.ID, "")
	return task, nil
}

// nextReadyLocked picks the oldest eligible task. Caller holds d.mu.
func (d *Dispatcher) nextReadyLocked(f Filter) *queued {
	var best *queued
	for _, q := range d.tasks {
		if q.fsm.current() != TaskReady || q.routing || !q.ticket.Status.Schedulable() || !f.match(&q.task) {
			continue
		}
		if d.waitingLocked(q) {
			continue
		}
		if best == nil || older(q, best) {
			best = q
		}
	}
	return best
}

func older(a, b *queued) bool {
	if c := a.task.CreatedAt.Compare(b.task.CreatedAt); c != 0 {
		return c < 0
	}
	return cmp.Less(a.seq, b.seq)
}

// waitingLocked reports whether any dependency of q is still in the queue
// and not done.
func (d *Dispatcher) waitingLocked(q *queued) bool {
	for _, dep := range q.task.DependsOn {
		if other, ok := d.tasks[dep]; ok && other.fsm.current() != TaskDone {
			return true
		}
	}
	return false
}

// --- Stall detection ---

type stalled struct {
	task   *Task
	ticket *protocol.Ticket
	idle   time.Duration
}

// ScanStalls creates one escalation ticket for every running task idle past
// the stall timeout that has not been escalated yet. It returns how many
// tickets it created. Safe to call concurrently.
func (d *Dispatcher) ScanStalls(ctx context.Context) int {
	now := d.nowFunc()

	d.mu.Lock()
	if !d.initialized {
		d.mu.Unlock()
		return 0
	}
	var found []stalled
	for id, q := range d.tasks {
		if q.fsm.current() != TaskRunning || q.task.LastPickedAt == nil || d.stallMarked[id] {
			continue
		}
		if idle := now.Sub(*q.task.LastPickedAt); idle > d.cfg.StallTimeout {
			// Claim the marker before the write so concurrent scans skip it.
			d.stallMarked[id] = true
			found = append(found, stalled{task: q.snapshot(), ticket: q.ticket.Clone(), idle: idle})
		}
	}
	d.mu.Unlock()

	created := 0
	for _, s := range found {
		desc := stallDescription(s.task.ID, s.idle, d.cfg.StallTimeout)
		esc, err := d.store.Create(ctx, escalationTicket(s.ticket, desc))
		if err != nil {
			d.logger.Error("create stall escalation failed", "task", s.task.ID, "error", err)
			d.mu.Lock()
			delete(d.stallMarked, s.task.ID)
			d.mu.Unlock()
			continue
		}
		created++
		d.logger.Warn("task stalled", "task", s.task.ID, "idle", s.idle, "escalation", esc.ID)
		_ = d.logEvent(ctx, protocol.EventStalled, s.ticket.ID, s.task.ID, esc.ID)
	}
	return created
}

// --- Completion ---

// ReportTaskDone applies a completion report to ticketID.
func (d *Dispatcher) ReportTaskDone(ctx context.Context, ticketID string, r Report) (*ReportResult, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if !r.Outcome.Valid() {
		return nil, fmt.Errorf("unknown outcome %q", r.Outcome)
	}

	t, err := d.store.Get(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", ticketID, err)
	}
	key := t.TaskKey()

	switch r.Outcome {
	case OutcomeDone:
		return d.finish(ctx, t, protocol.StatusDone, evComplete, r.Summary)
	case OutcomeBlocked:
		return d.finish(ctx, t, protocol.StatusBlocked, evBlock, r.Summary)
	}

	out := d.retries.RecordFailure(key, escalation.Failure{
		Reason:         r.Summary,
		FailedCriteria: r.FailedCriteria,
		FailedTests:    r.FailedTests,
	})
	_ = d.logEvent(ctx, protocol.EventFailed, t.ID, key, r.Summary)

	switch {
	case out.CanRetry:
		return d.requeue(ctx, t, out.Status, r.Summary)
	case out.ShouldEscalate:
		return d.escalate(ctx, t, out, r.Summary)
	default:
		// Already escalated: keep it parked.
		res, err := d.finish(ctx, t, protocol.StatusBlocked, evBlock, r.Summary)
		if res != nil {
			res.Retry = &out.Status
			res.Message = "task already escalated; ticket stays blocked"
		}
		return res, err
	}
}

// finish moves the ticket to a terminal or blocked status and drops its task.
func (d *Dispatcher) finish(ctx context.Context, t *protocol.Ticket, status protocol.TicketStatus, ev, summary string) (*ReportResult, error) {
	updated, err := d.store.Update(ctx, t.ID, protocol.Patch{
		Status:     protocol.Ptr(status),
		Resolution: protocol.Ptr(summary),
	})
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", t.ID, err)
	}
	key := t.TaskKey()
	if status == protocol.StatusDone {
		d.retries.ResetRetries(key)
	}

	d.mu.Lock()
	if q, ok := d.tasks[key]; ok {
		_ = q.fsm.fire(ev)
	}
	d.upsertLocked(updated)
	d.mu.Unlock()

	evType := protocol.EventDone
	if status == protocol.StatusBlocked {
		evType = protocol.EventBlocked
	}
	_ = d.logEvent(ctx, evType, t.ID, key, summary)
	return &ReportResult{Success: true, Message: fmt.Sprintf("ticket %s marked %s", t.ID, status)}, nil
}

// requeue puts a failed task back in line after a retryable failure.
func (d *Dispatcher) requeue(ctx context.Context, t *protocol.Ticket, st escalation.Status, summary string) (*ReportResult, error) {
	updated, err := d.store.Update(ctx, t.ID, protocol.Patch{
		Status: protocol.Ptr(protocol.StatusOpen),
		AppendMessages: []protocol.Message{{
			Role:      "system",
			Content:   fmt.Sprintf("attempt %d of %d failed: %s", st.RetryCount, st.MaxRetries, summary),
			Timestamp: d.nowFunc().UTC(),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", t.ID, err)
	}

	key := t.TaskKey()
	d.mu.Lock()
	d.upsertLocked(updated)
	if q, ok := d.tasks[key]; ok {
		if q.fsm.current() == TaskRunning {
			_ = q.fsm.fire(evFail)
		}
		if q.fsm.current() == TaskFailed {
			_ = q.fsm.fire(evRequeue)
		}
		q.task.LastPickedAt = nil
	}
	d.mu.Unlock()

	_ = d.logEvent(ctx, protocol.EventRequeued, t.ID, key, "")
	return &ReportResult{
		Success: true,
		Message: fmt.Sprintf("task failed (attempt %d of %d); requeued", st.RetryCount, st.MaxRetries),
		Retry:   &st,
	}, nil
}

// escalate creates the escalation ticket and blocks the original in one
// transaction, with both resources locked.
func (d *Dispatcher) escalate(ctx context.Context, t *protocol.Ticket, out escalation.Outcome, summary string) (*ReportResult, error) {
	key := t.TaskKey()
	var escID string
	err := d.store.Transact(ctx,
		[]string{ticketstore.TicketResource(t.ID), "escalation:" + key},
		func(ctx context.Context, tx ticketstore.Tx) error {
			cur, err := tx.Get(ctx, t.ID)
			if err != nil {
				return err
			}
			esc, err := tx.Create(ctx, escalationTicket(cur, retryLimitDescription(out.Escalation)))
			if err != nil {
				return err
			}
			if _, err := tx.Update(ctx, t.ID, protocol.Patch{
				Status:     protocol.Ptr(protocol.StatusBlocked),
				Resolution: protocol.Ptr(summary),
			}); err != nil {
				return err
			}
			escID = esc.ID
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("escalate %s: %w", t.ID, err)
	}
	d.retries.MarkEscalated(key)

	d.mu.Lock()
	d.removeTicketLocked(t.ID)
	d.mu.Unlock()

	d.logger.Warn("task escalated", "task", key, "recommendation", out.Escalation.Recommendation, "escalation", escID)
	_ = d.logEvent(ctx, protocol.EventEscalated, t.ID, key, escID)
	st := out.Status
	return &ReportResult{
		Success:            true,
		Message:            out.Escalation.Summary,
		Retry:              &st,
		EscalationTicketID: escID,
	}, nil
}

// --- Dependency cycles ---

// checkCycles blocks every ready task that sits on a dependency cycle and
// unblocks tasks whose cycle has gone away.
func (d *Dispatcher) checkCycles(ctx context.Context) {
	d.mu.Lock()
	graph := make(map[string][]string, len(d.tasks))
	for id, q := range d.tasks {
		graph[id] = slices.Clone(q.task.DependsOn)
	}
	cycles := DetectCycles(graph)
	onCycle := make(map[string]bool)
	for _, c := range cycles {
		for _, id := range c {
			onCycle[id] = true
		}
	}

	var newlyBlocked []*queued
	for id, q := range d.tasks {
		switch {
		case onCycle[id] && q.fsm.current() == TaskReady:
			if q.fsm.fire(evBlock) == nil {
				q.cycleBlocked = true
				newlyBlocked = append(newlyBlocked, q)
			}
		case !onCycle[id] && q.cycleBlocked:
			if q.fsm.fire(evUnblock) == nil {
				q.cycleBlocked = false
			}
		}
	}
	d.mu.Unlock()

	if len(newlyBlocked) == 0 {
		return
	}
	for _, c := range cycles {
		d.logger.Warn("dependency cycle", "tasks", strings.Join(c, ", "))
	}
	for _, q := range newlyBlocked {
		_ = d.logEvent(ctx, protocol.EventCycle, q.task.TicketID, q.task.ID, "")
	}
}

// --- Introspection ---

// Status returns queue counts and the current mode.
func (d *Dispatcher) Status() QueueStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := QueueStatus{Initialized: d.initialized, Total: len(d.tasks), Mode: d.mode.Mode()}
	for _, q := range d.tasks {
		switch q.fsm.current() {
		case TaskReady:
			st.Ready++
		case TaskRunning:
			st.Running++
		case TaskBlocked:
			st.Blocked++
		case TaskFailed:
			st.Failed++
		case TaskDone:
		}
	}
	return st
}

// Tasks returns copies of every queued task, oldest first.
func (d *Dispatcher) Tasks() []*Task {
	d.mu.Lock()
	all := make([]*queued, 0, len(d.tasks))
	for _, q := range d.tasks {
		all = append(all, q)
	}
	slices.SortFunc(all, func(a, b *queued) int {
		if older(a, b) {
			return -1
		}
		if older(b, a) {
			return 1
		}
		return 0
	})
	out := make([]*Task, len(all))
	for i, q := range all {
		out[i] = q.snapshot()
	}
	d.mu.Unlock()
	return out
}

// Ticket returns the dispatcher's last seen copy of the ticket behind a task.
func (d *Dispatcher) Ticket(taskID string) (*protocol.Ticket, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.tasks[taskID]
	if !ok {
		return nil, false
	}
	return q.ticket.Clone(), true
}

// Retries exposes the retry table for status reporting.
func (d *Dispatcher) Retries() *escalation.Manager {
	return d.retries
}

// --- SQLite helpers ---

func (d *Dispatcher) logEvent(ctx context.Context, evType, ticketID, taskID, payload string) error {
	if d.db == nil {
		return nil
	}
	_, err := d.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO events (type, source, ticket_id, task_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, "dispatcher", ticketID, taskID, payload)
	if err != nil {
		d.logger.Debug("log event failed", "type", evType, "error", err)
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}
