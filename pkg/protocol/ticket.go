package protocol

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// TicketStatus is the lifecycle state of a persisted ticket.
type TicketStatus string

// Ticket status constants.
const (
	StatusOpen       TicketStatus = "open"
	StatusInProgress TicketStatus = "in-progress"
	StatusBlocked    TicketStatus = "blocked"
	StatusDone       TicketStatus = "done"
	StatusPending    TicketStatus = "pending" // parked for manual approval
)

// Valid reports whether s is one of the five known ticket statuses.
func (s TicketStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusDone, StatusPending:
		return true
	default:
		return false
	}
}

// Schedulable reports whether a ticket in this status has a task in the queue.
func (s TicketStatus) Schedulable() bool {
	return s == StatusOpen || s == StatusInProgress
}

// Priority ranks tickets from 1 (highest) to 3 (lowest).
type Priority int

// Priority bounds.
const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

// Valid reports whether p is within 1..3.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// PriorityFromLabel maps the four-level P0..P3 labels onto the 1..3 scale.
// P0 and P1 both map to 1.
func PriorityFromLabel(label string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "P0", "P1":
		return PriorityHigh, nil
	case "P2":
		return PriorityMedium, nil
	case "P3":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority label %q (want P0..P3)", label)
	}
}

// Message is one entry in a ticket's conversation thread.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Ticket is a persisted unit of work or conversation. The store owns tickets;
// everything else holds short-lived copies.
type Ticket struct {
	Seq                 int64        `json:"-"` // insertion order; breaks CreatedAt ties
	ID                  string       `json:"id"`
	Title               string       `json:"title"`
	Description         string       `json:"description"`
	Status              TicketStatus `json:"status"`
	Type                TicketType   `json:"type"`
	Priority            Priority     `json:"priority"`
	Creator             string       `json:"creator"`
	Assignee            string       `json:"assignee"`
	TaskID              *string      `json:"taskId"`
	Version             int64        `json:"version"`
	Resolution          *string      `json:"resolution"`
	Messages            []Message    `json:"messages"`
	ConversationHistory string       `json:"conversationHistory,omitempty"`
	DependsOn           []string     `json:"dependsOn,omitempty"`
	EscalatedFrom       *string      `json:"escalatedFrom,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// TaskKey returns the identifier the scheduler uses for this ticket's task:
// the associated task id when set, otherwise the ticket id.
func (t *Ticket) TaskKey() string {
	if t.TaskID != nil && *t.TaskID != "" {
		return *t.TaskID
	}
	return t.ID
}

// Clone returns a deep copy of t.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	out := *t
	out.TaskID = clonePtr(t.TaskID)
	out.Resolution = clonePtr(t.Resolution)
	out.EscalatedFrom = clonePtr(t.EscalatedFrom)
	out.Messages = slices.Clone(t.Messages)
	out.DependsOn = slices.Clone(t.DependsOn)
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// NewTicket holds the caller-supplied fields for creating a ticket. The store
// assigns ID, Version and timestamps.
type NewTicket struct {
	Title         string
	Description   string
	Status        TicketStatus
	Type          TicketType
	Priority      Priority
	Creator       string
	Assignee      string
	TaskID        *string
	DependsOn     []string
	EscalatedFrom *string
}

// Patch is a partial ticket update. Nil fields are left unchanged.
// ExpectedVersion of zero skips the version check; the version is still
// incremented.
type Patch struct {
	Title           *string
	Description     *string
	Status          *TicketStatus
	Type            *TicketType
	Priority        *Priority
	Assignee        *string
	Resolution      *string
	AppendMessages  []Message
	DependsOn       []string
	ExpectedVersion int64
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.Type == nil &&
		p.Priority == nil && p.Assignee == nil && p.Resolution == nil &&
		len(p.AppendMessages) == 0 && p.DependsOn == nil
}

// Ptr returns a pointer to v. Handy for building Patch values.
func Ptr[T any](v T) *T {
	return &v
}
