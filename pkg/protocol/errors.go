package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotInitialized is returned by every queue operation before Init.
var ErrNotInitialized = errors.New("orchestrator not initialized")

// TicketNotFoundError represents a ticket lookup failure.
// It enables typed error discrimination via errors.As.
type TicketNotFoundError struct {
	TicketID string
}

func (e *TicketNotFoundError) Error() string {
	return fmt.Sprintf("ticket %s not found", e.TicketID)
}

// VersionConflictError is returned when a write's expected version does not
// match the stored version. Strategies lists the resolutions open to the caller.
type VersionConflictError struct {
	TicketID        string
	ExpectedVersion int64
	ActualVersion   int64
	Strategies      []string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on ticket %s: expected %d, actual %d",
		e.TicketID, e.ExpectedVersion, e.ActualVersion)
}

// MergeConflictError is returned when a three-way merge leaves fields that
// both writers changed to different values.
type MergeConflictError struct {
	TicketID     string
	ManualFields []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on ticket %s: fields %s need manual resolution",
		e.TicketID, strings.Join(e.ManualFields, ", "))
}

// LockUnavailableError is returned when a resource lock is held by someone else.
type LockUnavailableError struct {
	Resource string
	Holder   string
}

func (e *LockUnavailableError) Error() string {
	return fmt.Sprintf("resource %s is locked by %s", e.Resource, e.Holder)
}

// AnswerTimeoutError is returned when the agent did not answer a question in
// time. EscalationTicketID names the blocked ticket created so the question
// is not lost; it is empty if creating that ticket failed.
type AnswerTimeoutError struct {
	Timeout            time.Duration
	EscalationTicketID string
}

func (e *AnswerTimeoutError) Error() string {
	return fmt.Sprintf("no answer within %v", e.Timeout)
}
