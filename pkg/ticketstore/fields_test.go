package ticketstore //nolint:testpackage // exercises unexported applyPatch

import (
	"reflect"
	"testing"

	"pgregory.net/rapid"

	"coe/pkg/conflict"
	"coe/pkg/protocol"
)

func sampleTicket() *protocol.Ticket {
	return &protocol.Ticket{
		ID:          "t-1",
		Title:       "Fix bug",
		Description: "crash on save",
		Status:      protocol.StatusOpen,
		Type:        protocol.TypeHumanToAI,
		Priority:    protocol.PriorityHigh,
		Assignee:    "sam",
		Resolution:  protocol.Ptr("n/a"),
		DependsOn:   []string{"t-0"},
		Version:     4,
	}
}

func TestFieldsOf_ApplyFields_RoundTrip(t *testing.T) {
	src := sampleTicket()
	dst := &protocol.Ticket{ID: "t-1"}
	if err := ApplyFields(dst, FieldsOf(src)); err != nil {
		t.Fatalf("ApplyFields: %v", err)
	}
	if !reflect.DeepEqual(FieldsOf(dst), FieldsOf(src)) {
		t.Fatalf("expected %v, got %v", FieldsOf(src), FieldsOf(dst))
	}
}

func TestApplyFields_RejectsBadValues(t *testing.T) {
	tests := []conflict.Fields{
		{FieldPriority: "high"},
		{FieldType: "robot_to_robot"},
		{"color": "red"},
	}
	for _, f := range tests {
		if err := ApplyFields(sampleTicket(), f); err == nil {
			t.Errorf("ApplyFields(%v): expected error", f)
		}
	}
}

func TestApplyFields_NilResolutionClears(t *testing.T) {
	tk := sampleTicket()
	if err := ApplyFields(tk, conflict.Fields{FieldResolution: nil}); err != nil {
		t.Fatalf("ApplyFields: %v", err)
	}
	if tk.Resolution != nil {
		t.Fatalf("expected nil resolution, got %q", *tk.Resolution)
	}
}

func TestApplyPatch_DoesNotAliasOriginal(t *testing.T) {
	orig := sampleTicket()
	next := applyPatch(orig, protocol.Patch{
		Title:          protocol.Ptr("new"),
		AppendMessages: []protocol.Message{{Role: "agent", Content: "ok"}},
	})
	if orig.Title != "Fix bug" || len(orig.Messages) != 0 {
		t.Fatalf("original mutated: %+v", orig)
	}
	if next.Title != "new" || len(next.Messages) != 1 {
		t.Fatalf("unexpected patched ticket %+v", next)
	}
}

// Applying a patch and then reading its fields agrees with overlaying
// PatchFields onto FieldsOf.
func TestProperty_PatchFieldsMatchApplyPatch(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := sampleTicket()
		var p protocol.Patch
		if rapid.Bool().Draw(rt, "title") {
			p.Title = protocol.Ptr(rapid.SampledFrom([]string{"a", "b"}).Draw(rt, "titleVal"))
		}
		if rapid.Bool().Draw(rt, "status") {
			p.Status = protocol.Ptr(rapid.SampledFrom([]protocol.TicketStatus{
				protocol.StatusOpen, protocol.StatusBlocked, protocol.StatusDone,
			}).Draw(rt, "statusVal"))
		}
		if rapid.Bool().Draw(rt, "priority") {
			p.Priority = protocol.Ptr(protocol.Priority(rapid.IntRange(1, 3).Draw(rt, "priorityVal")))
		}
		if rapid.Bool().Draw(rt, "assignee") {
			p.Assignee = protocol.Ptr(rapid.SampledFrom([]string{"", "kim"}).Draw(rt, "assigneeVal"))
		}

		want := FieldsOf(base)
		for k, v := range PatchFields(p) {
			want[k] = v
		}
		if got := FieldsOf(applyPatch(base, p)); !reflect.DeepEqual(got, want) {
			rt.Fatalf("applyPatch fields %v, want %v", got, want)
		}
	})
}
