package dispatcher //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"coe/pkg/protocol"
)

func TestDetectCycles(t *testing.T) {
	tests := []struct {
		name  string
		graph map[string][]string
		want  []string
	}{
		{"empty", map[string][]string{}, nil},
		{"chain", map[string][]string{"a": {"b"}, "b": {"c"}}, nil},
		{"self loop", map[string][]string{"a": {"a"}}, []string{"a"}},
		{"two cycle", map[string][]string{"a": {"b"}, "b": {"a"}}, []string{"a>b"}},
		{"diamond, no cycle", map[string][]string{"a": {"b", "c"}, "b": {"d"}, "c": {"d"}}, nil},
		{
			"cycle behind a tail",
			map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"d"}, "d": {"b"}},
			[]string{"b>c>d"},
		},
		{
			"cycle closing through a finished branch",
			map[string][]string{"A": {"B", "D"}, "B": {"C"}, "C": {"A"}, "D": {"B"}},
			[]string{"A>B>C>D"},
		},
		{
			"tail into a cycle stays out",
			map[string][]string{"x": {"a"}, "a": {"b"}, "b": {"a"}},
			[]string{"a>b"},
		},
		{
			"two separate cycles",
			map[string][]string{"a": {"b"}, "b": {"a"}, "x": {"y"}, "y": {"x"}},
			[]string{"a>b", "x>y"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, c := range DetectCycles(tt.graph) {
				got = append(got, strings.Join(c, ">"))
			}
			if !slices.Equal(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

// reaches reports whether to is reachable from from in one or more steps.
func reaches(graph map[string][]string, from, to string) bool {
	seen := map[string]bool{}
	queue := slices.Clone(graph[from])
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, graph[n]...)
	}
	return false
}

// Every node that can reach itself is reported, in the same component as
// exactly the nodes it is mutually reachable with.
func TestProperty_DetectCycles(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 9).Draw(rt, "n")
		ids := make([]string, n)
		for i := range n {
			ids[i] = fmt.Sprintf("t%02d", i)
		}
		graph := make(map[string][]string, n)
		for _, from := range ids {
			graph[from] = nil
			for _, to := range ids {
				if rapid.IntRange(0, 3).Draw(rt, from+">"+to) == 0 {
					graph[from] = append(graph[from], to)
				}
			}
		}

		component := map[string]int{}
		for i, c := range DetectCycles(graph) {
			if !slices.IsSorted(c) {
				rt.Fatalf("component %v not sorted", c)
			}
			for _, id := range c {
				if _, dup := component[id]; dup {
					rt.Fatalf("%s reported in two components", id)
				}
				component[id] = i
			}
		}

		for _, a := range ids {
			ca, onCycle := component[a]
			if want := reaches(graph, a, a); onCycle != want {
				rt.Fatalf("%s: on cycle=%v, reported=%v (graph %v)", a, want, onCycle, graph)
			}
			for _, b := range ids {
				cb, ok := component[b]
				same := onCycle && ok && ca == cb
				mutual := (a == b && onCycle) || (a != b && reaches(graph, a, b) && reaches(graph, b, a))
				if same != mutual {
					rt.Fatalf("%s and %s: same component=%v, mutually reachable=%v (graph %v)", a, b, same, mutual, graph)
				}
			}
		}
	})
}

func TestTaskMachine_Transitions(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		want   TaskStatus
	}{
		{"pick", []string{evPick}, TaskRunning},
		{"complete", []string{evPick, evComplete}, TaskDone},
		{"fail then requeue", []string{evPick, evFail, evRequeue}, TaskReady},
		{"requeue from running", []string{evPick, evRequeue}, TaskReady},
		{"block and unblock", []string{evBlock, evUnblock}, TaskReady},
		{"block while running", []string{evPick, evBlock}, TaskBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := newTaskMachine("t-1", TaskReady)
			if err != nil {
				t.Fatalf("newTaskMachine: %v", err)
			}
			for _, ev := range tt.events {
				if err := m.fire(ev); err != nil {
					t.Fatalf("fire %s: %v", ev, err)
				}
			}
			if got := m.current(); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTaskMachine_RejectsInvalidEvents(t *testing.T) {
	tests := []struct {
		name   string
		setup  []string
		reject string
	}{
		{"complete while ready", nil, evComplete},
		{"fail while ready", nil, evFail},
		{"pick while running", []string{evPick}, evPick},
		{"anything once done", []string{evPick, evComplete}, evRequeue},
		{"pick while blocked", []string{evBlock}, evPick},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := newTaskMachine("t-1", TaskReady)
			if err != nil {
				t.Fatalf("newTaskMachine: %v", err)
			}
			for _, ev := range tt.setup {
				if err := m.fire(ev); err != nil {
					t.Fatalf("setup %s: %v", ev, err)
				}
			}
			before := m.current()
			if err := m.fire(tt.reject); err == nil {
				t.Fatalf("expected %s to be rejected in %s", tt.reject, before)
			}
			if m.current() != before {
				t.Fatalf("expected state to stay %s, got %s", before, m.current())
			}
		})
	}
}

func TestModeSwitch(t *testing.T) {
	s := NewModeSwitch("bogus")
	if s.Mode() != protocol.ModeAuto {
		t.Fatalf("expected auto default, got %s", s.Mode())
	}
	prev, err := s.Set(protocol.ModeManual)
	if err != nil || prev != protocol.ModeAuto || s.Mode() != protocol.ModeManual {
		t.Fatalf("unexpected Set result prev=%s err=%v mode=%s", prev, err, s.Mode())
	}
	if _, err := s.Set("sometimes"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if s.Mode() != protocol.ModeManual {
		t.Fatal("expected failed Set to leave mode unchanged")
	}
}

func TestFormatEscalation(t *testing.T) {
	tests := []struct {
		kind    EscalationKind
		summary string
		details string
		want    string
	}{
		{EscStalled, "running for 31s without a report", "Stall timeout is 30s",
			"[COE] STALLED: t-1: running for 31s without a report. Stall timeout is 30s."},
		{EscRetryLimit, "failed 3 times.", "", "[COE] RETRY_LIMIT: t-1: failed 3 times."},
	}
	for _, tt := range tests {
		if got := FormatEscalation(tt.kind, "t-1", tt.summary, tt.details); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}
