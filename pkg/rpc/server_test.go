package rpc //nolint:testpackage // internal test needs access to unexported types

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coe/pkg/protocol"
)

func newTestServer(t *testing.T) (*Server, *atomic.Int32) {
	t.Helper()
	s := NewServer(nil)
	var calls atomic.Int32
	s.Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		calls.Add(1)
		var p map[string]any
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, InvalidParams("%v", err)
			}
		}
		return p, nil
	})
	s.Register("getNextTask", func(context.Context, json.RawMessage) (any, error) {
		calls.Add(1)
		return map[string]any{"available": true, "title": "Fix bug"}, nil
	})
	s.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, errors.New("disk on fire")
	})
	s.Register("notReady", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("get next task: %w", protocol.ErrNotInitialized)
	})
	s.Register("slowAnswer", func(context.Context, json.RawMessage) (any, error) {
		return nil, &protocol.AnswerTimeoutError{Timeout: 45 * time.Second, EscalationTicketID: "tk-9"}
	})
	s.Register("panics", func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	})
	return s, &calls
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("response is not a JSON object: %v (%s)", err, b)
	}
	return m
}

func errorCode(t *testing.T, m map[string]any) int {
	t.Helper()
	e, ok := m["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error member, got %v", m)
	}
	return int(e["code"].(float64))
}

func TestHandleLine_Success(t *testing.T) {
	s, _ := newTestServer(t)
	out := s.HandleLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"getNextTask","params":{}}`))
	m := decode(t, out)
	if m["jsonrpc"] != "2.0" || m["id"].(float64) != 1 {
		t.Fatalf("unexpected envelope %s", out)
	}
	res := m["result"].(map[string]any)
	if res["title"] != "Fix bug" {
		t.Fatalf("expected task title, got %v", res)
	}
	if _, ok := m["error"]; ok {
		t.Fatalf("expected no error member, got %s", out)
	}
}

func TestHandleLine_ExactErrorLines(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"parse error", `{"jsonrpc":"2.0",`, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`},
		{"empty batch", `[]`, `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"Invalid Request: empty batch"}}`},
		{"empty batch with spaces", `  [ ]  `, `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"Invalid Request: empty batch"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(s.HandleLine(context.Background(), []byte(tt.in))); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestHandleLine_InvalidRequests(t *testing.T) {
	s, calls := newTestServer(t)
	tests := []struct {
		name   string
		in     string
		wantID any
	}{
		{"not an object", `42`, nil},
		{"wrong version", `{"jsonrpc":"1.0","id":7,"method":"echo"}`, float64(7)},
		{"missing version", `{"id":"a","method":"echo"}`, "a"},
		{"missing method", `{"jsonrpc":"2.0","id":3}`, float64(3)},
		{"empty method", `{"jsonrpc":"2.0","id":3,"method":""}`, float64(3)},
		{"object id", `{"jsonrpc":"2.0","id":{"x":1},"method":"echo"}`, nil},
		{"scalar params", `{"jsonrpc":"2.0","id":4,"method":"echo","params":5}`, float64(4)},
		{"invalid without id", `{"jsonrpc":"2.0","method":5}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := decode(t, s.HandleLine(context.Background(), []byte(tt.in)))
			if code := errorCode(t, m); code != CodeInvalidRequest {
				t.Fatalf("expected -32600, got %d", code)
			}
			if m["id"] != tt.wantID {
				t.Fatalf("expected id %v, got %v", tt.wantID, m["id"])
			}
		})
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no handler to run, got %d calls", calls.Load())
	}
}

func TestHandleLine_NotificationVersusNullID(t *testing.T) {
	s, calls := newTestServer(t)
	ctx := context.Background()

	if out := s.HandleLine(ctx, []byte(`{"jsonrpc":"2.0","method":"echo","params":{"a":1}}`)); out != nil {
		t.Fatalf("expected no output for a notification, got %s", out)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected the notification handler to run, got %d calls", calls.Load())
	}

	out := s.HandleLine(ctx, []byte(`{"jsonrpc":"2.0","id":null,"method":"echo","params":{"a":1}}`))
	if out == nil {
		t.Fatal("expected a response for an explicit null id")
	}
	if !bytes.Contains(out, []byte(`"id":null`)) || !bytes.Contains(out, []byte(`"result":{"a":1}`)) {
		t.Fatalf("unexpected response %s", out)
	}
}

func TestHandleLine_HandlerErrors(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name     string
		in       string
		wantCode int
		wantSym  string
	}{
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"nope"}`, CodeMethodNotFound, ""},
		{"bad params", `{"jsonrpc":"2.0","id":1,"method":"echo","params":[1]}`, CodeInvalidParams, ""},
		{"internal", `{"jsonrpc":"2.0","id":1,"method":"fail"}`, CodeInternalError, ""},
		{"panic", `{"jsonrpc":"2.0","id":1,"method":"panics"}`, CodeInternalError, ""},
		{"not initialized", `{"jsonrpc":"2.0","id":1,"method":"notReady"}`, CodeNotInitialized, SymNotInitialized},
		{"answer timeout", `{"jsonrpc":"2.0","id":1,"method":"slowAnswer"}`, CodeAnswerTimeout, SymAnswerTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := decode(t, s.HandleLine(context.Background(), []byte(tt.in)))
			if code := errorCode(t, m); code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, code)
			}
			if tt.wantSym == "" {
				return
			}
			data, _ := m["error"].(map[string]any)["data"].(map[string]any)
			if data["code"] != tt.wantSym {
				t.Fatalf("expected data.code %s, got %v", tt.wantSym, data)
			}
		})
	}
}

func TestHandleLine_AnswerTimeoutCarriesTicket(t *testing.T) {
	s, _ := newTestServer(t)
	m := decode(t, s.HandleLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"slowAnswer"}`)))
	data := m["error"].(map[string]any)["data"].(map[string]any)
	if data["escalationTicketId"] != "tk-9" {
		t.Fatalf("expected escalation ticket id, got %v", data)
	}
}

func TestHandleLine_MixedBatch(t *testing.T) {
	s, calls := newTestServer(t)
	in := `[
		{"jsonrpc":"2.0","id":1,"method":"echo","params":{"n":1}},
		{"jsonrpc":"2.0","method":"echo"},
		{"jsonrpc":"2.0","id":"x","method":"nope"},
		1,
		{"jsonrpc":"2.0","id":null,"method":"getNextTask"}
	]`
	out := s.HandleLine(context.Background(), []byte(strings.ReplaceAll(in, "\n", "")))

	var responses []map[string]any
	if err := json.Unmarshal(out, &responses); err != nil {
		t.Fatalf("expected array response: %v (%s)", err, out)
	}
	if len(responses) != 4 {
		t.Fatalf("expected 4 responses, got %d: %s", len(responses), out)
	}
	if responses[0]["id"].(float64) != 1 || responses[0]["result"] == nil {
		t.Fatalf("unexpected first response %v", responses[0])
	}
	if responses[1]["id"] != "x" || errorCode(t, responses[1]) != CodeMethodNotFound {
		t.Fatalf("unexpected second response %v", responses[1])
	}
	if responses[2]["id"] != nil || errorCode(t, responses[2]) != CodeInvalidRequest {
		t.Fatalf("unexpected third response %v", responses[2])
	}
	if id, ok := responses[3]["id"]; !ok || id != nil {
		t.Fatalf("expected explicit null id, got %v", responses[3])
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls.Load())
	}
}

func TestHandleLine_AllNotificationBatch(t *testing.T) {
	s, calls := newTestServer(t)
	out := s.HandleLine(context.Background(), []byte(`[{"jsonrpc":"2.0","method":"echo"},{"jsonrpc":"2.0","method":"fail"}]`))
	if out != nil {
		t.Fatalf("expected no output, got %s", out)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected both handlers to run, got %d", calls.Load())
	}
}

func TestHandleLine_BlankLine(t *testing.T) {
	s, _ := newTestServer(t)
	if out := s.HandleLine(context.Background(), []byte("   \t")); out != nil {
		t.Fatalf("expected nothing for a blank line, got %s", out)
	}
}

func TestMethods(t *testing.T) {
	s, _ := newTestServer(t)
	got := strings.Join(s.Methods(), ",")
	if got != "echo,fail,getNextTask,notReady,panics,slowAnswer" {
		t.Fatalf("unexpected methods %s", got)
	}
}

// --- Serve ---

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimRight(b.buf.String(), "\n"), "\n")
}

func TestServe_OneResponsePerAnsweredLine(t *testing.T) {
	s, _ := newTestServer(t)
	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"getNextTask"}`,
		``,
		`{"jsonrpc":"2.0","method":"echo"}`,
		`not json`,
		`{"jsonrpc":"2.0","id":2,"method":"echo","params":{"k":"v"}}`,
	}, "\n")

	var out syncBuffer
	if err := s.Serve(context.Background(), strings.NewReader(in), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	lines := out.lines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 response lines, got %d: %q", len(lines), lines)
	}
	seen := map[string]bool{}
	for _, l := range lines {
		m := decode(t, []byte(l))
		seen[fmt.Sprint(m["id"])] = true
	}
	for _, id := range []string{"1", "2", "<nil>"} {
		if !seen[id] {
			t.Fatalf("expected a response with id %s, got %q", id, lines)
		}
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t)
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, pr, io.Discard) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on cancel")
	}
}

func TestServe_OversizedLineAnsweredAndSkipped(t *testing.T) {
	s, _ := newTestServer(t)
	in := strings.Repeat("x", MaxLineSize+10) + "\n" +
		`{"jsonrpc":"2.0","id":1,"method":"getNextTask"}` + "\n"

	var out syncBuffer
	if err := s.Serve(context.Background(), strings.NewReader(in), &out); err != nil {
		t.Fatalf("expected Serve to keep going after an oversized line, got %v", err)
	}

	lines := out.lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 response lines, got %d: %q", len(lines), lines)
	}
	if lines[0] != string(parseErrorLine) {
		t.Fatalf("expected parse error for the oversized line, got %s", lines[0])
	}
	m := decode(t, []byte(lines[1]))
	if fmt.Sprint(m["id"]) != "1" || m["result"] == nil {
		t.Fatalf("expected the later request answered, got %s", lines[1])
	}
}

func TestReadLine(t *testing.T) {
	atLimit := strings.Repeat("y", MaxLineSize)
	in := "one\r\n" + atLimit + "\n" + strings.Repeat("z", MaxLineSize+1) + "\n\nlast"
	br := bufio.NewReaderSize(strings.NewReader(in), 16)

	tests := []struct {
		data    string
		tooLong bool
	}{
		{"one", false},
		{atLimit, false},
		{"", true},
		{"", false},
		{"last", false},
	}
	for i, tt := range tests {
		got, err := readLine(br)
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if string(got.data) != tt.data || got.tooLong != tt.tooLong {
			t.Fatalf("line %d: expected (%d bytes, tooLong=%v), got (%d bytes, tooLong=%v)",
				i, len(tt.data), tt.tooLong, len(got.data), got.tooLong)
		}
	}
	if _, err := readLine(br); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at the end, got %v", err)
	}
}
