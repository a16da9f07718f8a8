package protocol_test

import (
	"encoding/json"
	"testing"

	"coe/pkg/protocol"
)

func TestPriorityFromLabel(t *testing.T) {
	tests := []struct {
		label string
		want  protocol.Priority
	}{
		{"P0", protocol.PriorityHigh},
		{"P1", protocol.PriorityHigh},
		{"p2", protocol.PriorityMedium},
		{" P3 ", protocol.PriorityLow},
	}
	for _, tt := range tests {
		got, err := protocol.PriorityFromLabel(tt.label)
		if err != nil {
			t.Fatalf("PriorityFromLabel(%q): %v", tt.label, err)
		}
		if got != tt.want {
			t.Errorf("PriorityFromLabel(%q) = %d, want %d", tt.label, got, tt.want)
		}
	}

	if _, err := protocol.PriorityFromLabel("P4"); err == nil {
		t.Error("expected error for P4")
	}
}

func TestTicketStatus_Schedulable(t *testing.T) {
	tests := []struct {
		status protocol.TicketStatus
		want   bool
	}{
		{protocol.StatusOpen, true},
		{protocol.StatusInProgress, true},
		{protocol.StatusBlocked, false},
		{protocol.StatusDone, false},
		{protocol.StatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.status.Schedulable(); got != tt.want {
			t.Errorf("%s.Schedulable() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTicketType_JSON(t *testing.T) {
	tests := []struct {
		typ  protocol.TicketType
		wire string
	}{
		{protocol.TypeAIToHuman, `"ai_to_human"`},
		{protocol.TypeHumanToAI, `"human_to_ai"`},
		{protocol.TypeAnswerAgent, `"answer_agent"`},
		{protocol.TypeUnset, `null`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(tt.typ)
		if err != nil {
			t.Fatalf("marshal %v: %v", tt.typ, err)
		}
		if string(data) != tt.wire {
			t.Errorf("marshal = %s, want %s", data, tt.wire)
		}
		var back protocol.TicketType
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if back != tt.typ {
			t.Errorf("unmarshal %s = %v, want %v", data, back, tt.typ)
		}
	}

	var bad protocol.TicketType
	if err := json.Unmarshal([]byte(`"robot"`), &bad); err == nil {
		t.Error("expected error for unknown ticket type")
	}
}

type nameVisitor struct{}

func (nameVisitor) AIToHuman() string   { return "human" }
func (nameVisitor) HumanToAI() string   { return "agent" }
func (nameVisitor) AnswerAgent() string { return "answer" }
func (nameVisitor) Unset() string       { return "queue" }

func TestVisitType(t *testing.T) {
	tests := []struct {
		typ  protocol.TicketType
		want string
	}{
		{protocol.TypeAIToHuman, "human"},
		{protocol.TypeHumanToAI, "agent"},
		{protocol.TypeAnswerAgent, "answer"},
		{protocol.TypeUnset, "queue"},
	}
	for _, tt := range tests {
		if got := protocol.VisitType[string](tt.typ, nameVisitor{}); got != tt.want {
			t.Errorf("VisitType(%v) = %q, want %q", tt.typ, got, tt.want)
		}
	}
}

func TestTicket_TaskKey(t *testing.T) {
	tk := protocol.Ticket{ID: "t-1"}
	if tk.TaskKey() != "t-1" {
		t.Errorf("expected ticket id fallback, got %q", tk.TaskKey())
	}
	tk.TaskID = protocol.Ptr("task-9")
	if tk.TaskKey() != "task-9" {
		t.Errorf("expected task id, got %q", tk.TaskKey())
	}
}

func TestParseMode(t *testing.T) {
	if m, err := protocol.ParseMode("manual"); err != nil || m != protocol.ModeManual {
		t.Fatalf("ParseMode(manual) = %q, %v", m, err)
	}
	if _, err := protocol.ParseMode("turbo"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
