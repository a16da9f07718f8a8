// Package ticketstore persists tickets in SQLite. Every write runs inside a
// transaction, is version-checked, and is retried on transient contention.
// Multi-ticket writes lock their resources in canonical order first.
package ticketstore

import (
	"context"
	"errors"

	"coe/pkg/protocol"
)

// ErrInvalid marks a ticket or patch that fails validation.
var ErrInvalid = errors.New("invalid ticket")

// ChangeKind says what happened to the store.
type ChangeKind string

// Change kinds.
const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeExternal ChangeKind = "external" // another process wrote; Ticket is nil
)

// Change is delivered to OnChange subscribers after a write commits.
type Change struct {
	Kind   ChangeKind
	Ticket *protocol.Ticket
}

// Subscription is returned by OnChange. Close stops delivery.
type Subscription interface {
	Close()
}

// Tx is the view of the store inside Transact. Writes made through it become
// visible, and are announced to subscribers, only after the whole transaction
// commits.
type Tx interface {
	Get(ctx context.Context, id string) (*protocol.Ticket, error)
	Create(ctx context.Context, nt protocol.NewTicket) (*protocol.Ticket, error)
	Update(ctx context.Context, id string, p protocol.Patch) (*protocol.Ticket, error)
}

// Store is the ticket collaborator used by the orchestrator and tools.
type Store interface {
	List(ctx context.Context) ([]*protocol.Ticket, error)
	Get(ctx context.Context, id string) (*protocol.Ticket, error)
	Create(ctx context.Context, nt protocol.NewTicket) (*protocol.Ticket, error)
	// Update applies p. A stale p.ExpectedVersion yields
	// *protocol.VersionConflictError and leaves the row unchanged.
	Update(ctx context.Context, id string, p protocol.Patch) (*protocol.Ticket, error)
	// UpdateWithMerge is Update, except that a stale version is resolved by a
	// three-way merge against base. Fields both sides changed differently
	// yield *protocol.MergeConflictError.
	UpdateWithMerge(ctx context.Context, id string, base *protocol.Ticket, p protocol.Patch) (*protocol.Ticket, error)
	// Transact locks resources in canonical order and runs fn in a single
	// transaction. fn may run more than once if the database is busy.
	Transact(ctx context.Context, resources []string, fn func(ctx context.Context, tx Tx) error) error
	OnChange(fn func(Change)) Subscription
}

// TicketResource is the lock resource name for a ticket.
func TicketResource(id string) string {
	return "ticket:" + id
}
