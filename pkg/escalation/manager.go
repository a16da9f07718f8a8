// Package escalation tracks repeated task failures and decides when a task
// has failed often enough that a human should look at it.
//
// Per task: clean -> counting (canRetry) -> at limit (shouldEscalate) ->
// escalated. Escalated is terminal until ResetRetries.
package escalation

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

// DefaultMaxRetries is the failure count at which a task stops retrying.
const DefaultMaxRetries = 3

// Failure is one recorded failure of a task.
type Failure struct {
	Reason         string    `json:"reason"`
	FailedCriteria []string  `json:"failedCriteria,omitempty"`
	FailedTests    []string  `json:"failedTests,omitempty"`
	At             time.Time `json:"at"`
}

// State is the retry bookkeeping for one task.
type State struct {
	TaskID         string     `json:"taskId"`
	Count          int        `json:"count"`
	MaxRetries     int        `json:"maxRetries"`
	Failures       []Failure  `json:"failures"`
	FirstFailureAt *time.Time `json:"firstFailureAt,omitempty"`
	Escalated      bool       `json:"escalated"`
	EscalatedAt    *time.Time `json:"escalatedAt,omitempty"`
}

func (s *State) status() Status {
	return Status{
		TaskID:         s.TaskID,
		RetryCount:     s.Count,
		MaxRetries:     s.MaxRetries,
		CanRetry:       !s.Escalated && s.Count < s.MaxRetries,
		ShouldEscalate: !s.Escalated && s.Count >= s.MaxRetries,
		Escalated:      s.Escalated,
	}
}

func (s *State) clone() State {
	out := *s
	out.Failures = slices.Clone(s.Failures)
	return out
}

// Status is the retry verdict for a task.
type Status struct {
	TaskID         string `json:"taskId"`
	RetryCount     int    `json:"retryCount"`
	MaxRetries     int    `json:"maxRetries"`
	CanRetry       bool   `json:"canRetry"`
	ShouldEscalate bool   `json:"shouldEscalate"`
	Escalated      bool   `json:"escalated"`
}

// Outcome is returned by RecordFailure. Escalation is set only when the task
// is at its limit and not yet escalated.
type Outcome struct {
	Status
	Escalation *Info `json:"escalation,omitempty"`
}

// Manager owns the per-task retry table.
type Manager struct {
	mu         sync.Mutex
	states     map[string]*State
	defaultMax int

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewManager creates a Manager. maxRetries <= 0 uses DefaultMaxRetries.
func NewManager(maxRetries int) *Manager {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Manager{
		states:     make(map[string]*State),
		defaultMax: maxRetries,
		nowFunc:    time.Now,
	}
}

// stateLocked returns the state for taskID, creating it. Caller holds m.mu.
func (m *Manager) stateLocked(taskID string) *State {
	s, ok := m.states[taskID]
	if !ok {
		s = &State{TaskID: taskID, MaxRetries: m.defaultMax}
		m.states[taskID] = s
	}
	return s
}

// RecordFailure appends a failure and returns the new verdict.
func (m *Manager) RecordFailure(taskID string, f Failure) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if f.At.IsZero() {
		f.At = now
	}
	s := m.stateLocked(taskID)
	s.Count++
	s.Failures = append(s.Failures, f)
	if s.FirstFailureAt == nil {
		s.FirstFailureAt = &now
	}

	out := Outcome{Status: s.status()}
	if out.ShouldEscalate {
		out.Escalation = buildInfo(s)
	}
	return out
}

// CheckRetry reports the verdict without changing anything. Unknown tasks
// report a clean slate.
func (m *Manager) CheckRetry(taskID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[taskID]; ok {
		return s.status()
	}
	return Status{TaskID: taskID, MaxRetries: m.defaultMax, CanRetry: true}
}

// MarkEscalated records that the task has been handed to a human. Only
// ResetRetries undoes it.
func (m *Manager) MarkEscalated(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stateLocked(taskID)
	if s.Escalated {
		return
	}
	now := m.nowFunc()
	s.Escalated = true
	s.EscalatedAt = &now
}

// ResetRetries forgets everything about the task.
func (m *Manager) ResetRetries(taskID string) {
	m.mu.Lock()
	delete(m.states, taskID)
	m.mu.Unlock()
}

// SetMaxRetries sets the limit for one task, creating its state if needed.
func (m *Manager) SetMaxRetries(taskID string, n int) error {
	if n < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", n)
	}
	m.mu.Lock()
	m.stateLocked(taskID).MaxRetries = n
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the task's state.
func (m *Manager) Get(taskID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[taskID]
	if !ok {
		return State{}, false
	}
	return s.clone(), true
}

// Snapshot returns copies of every tracked state, sorted by task id.
func (m *Manager) Snapshot() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s.clone())
	}
	slices.SortFunc(out, func(a, b State) int { return cmp.Compare(a.TaskID, b.TaskID) })
	return out
}
