package ticketstore

import (
	"errors"
	"fmt"
	"slices"

	"coe/pkg/conflict"
	"coe/pkg/protocol"
)

// Field names used in merges.
const (
	FieldID          = "id"
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldType        = "type"
	FieldPriority    = "priority"
	FieldAssignee    = "assignee"
	FieldResolution  = "resolution"
	FieldDependsOn   = "dependsOn"
)

// FieldsOf flattens the mergeable fields of t. Messages are append-only and
// never merged field-wise.
func FieldsOf(t *protocol.Ticket) conflict.Fields {
	deps := slices.Clone(t.DependsOn)
	if deps == nil {
		deps = []string{}
	}
	var resolution any
	if t.Resolution != nil {
		resolution = *t.Resolution
	}
	return conflict.Fields{
		FieldID:          t.ID,
		FieldTitle:       t.Title,
		FieldDescription: t.Description,
		FieldStatus:      string(t.Status),
		FieldType:        t.Type.String(),
		FieldPriority:    int(t.Priority),
		FieldAssignee:    t.Assignee,
		FieldResolution:  resolution,
		FieldDependsOn:   deps,
	}
}

// PatchFields returns only the fields p sets, in FieldsOf form.
func PatchFields(p protocol.Patch) conflict.Fields {
	f := conflict.Fields{}
	if p.Title != nil {
		f[FieldTitle] = *p.Title
	}
	if p.Description != nil {
		f[FieldDescription] = *p.Description
	}
	if p.Status != nil {
		f[FieldStatus] = string(*p.Status)
	}
	if p.Type != nil {
		f[FieldType] = p.Type.String()
	}
	if p.Priority != nil {
		f[FieldPriority] = int(*p.Priority)
	}
	if p.Assignee != nil {
		f[FieldAssignee] = *p.Assignee
	}
	if p.Resolution != nil {
		f[FieldResolution] = *p.Resolution
	}
	if p.DependsOn != nil {
		f[FieldDependsOn] = slices.Clone(p.DependsOn)
	}
	return f
}

// ApplyFields writes f onto t. The id field is ignored.
func ApplyFields(t *protocol.Ticket, f conflict.Fields) error {
	for k, v := range f {
		if err := applyField(t, k, v); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
	}
	return nil
}

func applyField(t *protocol.Ticket, name string, v any) error {
	switch name {
	case FieldID:
		return nil
	case FieldTitle:
		return assign(&t.Title, v)
	case FieldDescription:
		return assign(&t.Description, v)
	case FieldAssignee:
		return assign(&t.Assignee, v)
	case FieldStatus:
		var s string
		if err := assign(&s, v); err != nil {
			return err
		}
		t.Status = protocol.TicketStatus(s)
	case FieldType:
		var s string
		if err := assign(&s, v); err != nil {
			return err
		}
		typ, err := protocol.ParseTicketType(s)
		if err != nil {
			return err
		}
		t.Type = typ
	case FieldPriority:
		var n int
		if err := assign(&n, v); err != nil {
			return err
		}
		t.Priority = protocol.Priority(n)
	case FieldResolution:
		if v == nil {
			t.Resolution = nil
			return nil
		}
		var s string
		if err := assign(&s, v); err != nil {
			return err
		}
		t.Resolution = &s
	case FieldDependsOn:
		var deps []string
		if err := assign(&deps, v); err != nil {
			return err
		}
		t.DependsOn = slices.Clone(deps)
	default:
		return errors.New("unknown field")
	}
	return nil
}

func assign[T any](dst *T, v any) error {
	got, ok := v.(T)
	if !ok {
		return fmt.Errorf("unexpected value type %T", v)
	}
	*dst = got
	return nil
}

// applyPatch returns a copy of t with p applied. Validation happens in
// validate, not here.
func applyPatch(t *protocol.Ticket, p protocol.Patch) *protocol.Ticket {
	next := t.Clone()
	if p.Title != nil {
		next.Title = *p.Title
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.Type != nil {
		next.Type = *p.Type
	}
	if p.Priority != nil {
		next.Priority = *p.Priority
	}
	if p.Assignee != nil {
		next.Assignee = *p.Assignee
	}
	if p.Resolution != nil {
		next.Resolution = protocol.Ptr(*p.Resolution)
	}
	if p.DependsOn != nil {
		next.DependsOn = slices.Clone(p.DependsOn)
	}
	next.Messages = append(next.Messages, p.AppendMessages...)
	return next
}

func validate(t *protocol.Ticket) error {
	if t.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalid, t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: priority %d (want 1..3)", ErrInvalid, t.Priority)
	}
	return nil
}
