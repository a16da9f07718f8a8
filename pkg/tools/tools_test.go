package tools //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"coe/pkg/agent"
	"coe/pkg/diagnostics"
	"coe/pkg/dispatcher"
	"coe/pkg/escalation"
	"coe/pkg/eventlog"
	"coe/pkg/protocol"
	"coe/pkg/rpc"
	"coe/pkg/ticketstore"
)

// --- Fakes ---

// fakeAgent answers from canned values. A nil askFn returns askAnswer.
type fakeAgent struct {
	mu        sync.Mutex
	askAnswer string
	askFn     func(ctx context.Context, q string) (string, error)
	history   []protocol.Message
	plan      string
	verify    agent.VerifyResult
	lastArg   string
}

func (f *fakeAgent) Ask(ctx context.Context, q string, history []protocol.Message) (string, error) {
	f.mu.Lock()
	f.history = history
	f.lastArg = q
	fn := f.askFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, q)
	}
	return f.askAnswer, nil
}

func (f *fakeAgent) Plan(_ context.Context, goal string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastArg = goal
	return f.plan, nil
}

func (f *fakeAgent) Verify(_ context.Context, claim string) (agent.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastArg = claim
	return f.verify, nil
}

// fakeCollector returns a fixed bundle, or err.
type fakeCollector struct {
	err     error
	pattern string
}

func (c *fakeCollector) Collect(_ context.Context, pattern string) (*diagnostics.Bundle, error) {
	c.pattern = pattern
	if c.err != nil {
		return nil, c.err
	}
	return &diagnostics.Bundle{
		Diagnostics: []diagnostics.Diagnostic{{File: "main.go", Line: 3, Severity: "error", Message: "undefined: x", Source: "go vet"}},
		Count:       1,
		Tools:       []string{"go vet"},
	}, nil
}

// --- Environment ---

type testEnv struct {
	store *ticketstore.SQLiteStore
	d     *dispatcher.Dispatcher
	agent *fakeAgent
	diag  *fakeCollector
	mode  *dispatcher.ModeSwitch
	srv   *rpc.Server
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, askTimeout time.Duration) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), protocol.DBFile)
	db, err := ticketstore.OpenDB(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := ticketstore.New(db, ticketstore.Options{Path: path, Logger: quietLogger()})

	env := &testEnv{
		store: store,
		agent: &fakeAgent{askAnswer: "42"},
		diag:  &fakeCollector{},
		mode:  dispatcher.NewModeSwitch(protocol.ModeManual),
		srv:   rpc.NewServer(quietLogger()),
	}
	env.d = dispatcher.New(dispatcher.Config{}, store, escalation.NewManager(2), env.mode, nil, db, quietLogger())
	t.Cleanup(env.d.Close)

	New(Config{AskTimeout: askTimeout}, Deps{
		Queue:       env.d,
		Store:       store,
		Agent:       env.agent,
		Diagnostics: env.diag,
		Mode:        env.mode,
		DB:          db,
	}, quietLogger()).Register(env.srv)
	return env
}

func (e *testEnv) init(t *testing.T) {
	t.Helper()
	if err := e.d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func (e *testEnv) create(t *testing.T, title string) *protocol.Ticket {
	t.Helper()
	tk, err := e.store.Create(context.Background(), protocol.NewTicket{
		Title: title, Description: title + " details", Status: protocol.StatusOpen,
		Type: protocol.TypeAIToHuman, Priority: protocol.PriorityMedium,
	})
	if err != nil {
		t.Fatalf("create %q: %v", title, err)
	}
	return tk
}

// call sends one request line and decodes the response envelope.
func (e *testEnv) call(t *testing.T, method string, params any) (result map[string]any, rpcErr map[string]any) {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := e.srv.HandleLine(context.Background(), line)
	var resp struct {
		Result map[string]any `json:"result"`
		Error  map[string]any `json:"error"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("decode %s: %v", out, err)
	}
	return resp.Result, resp.Error
}

func code(e map[string]any) int {
	if e == nil {
		return 0
	}
	return int(e["code"].(float64))
}

// --- getNextTask ---

func TestEndToEnd_GetNextTaskOverStream(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.create(t, "Fix bug")
	env.init(t)

	var out strings.Builder
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"getNextTask","id":1}` + "\n")
	if err := env.srv.Serve(context.Background(), in, &syncWriter{w: &out}); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	line := strings.TrimSpace(out.String())
	if !strings.HasPrefix(line, `{"jsonrpc":"2.0","id":1,"result":{`) {
		t.Fatalf("unexpected envelope %s", line)
	}
	if !strings.Contains(line, `"title":"Fix bug"`) || !strings.Contains(line, `"available":true`) {
		t.Fatalf("expected the Fix bug task, got %s", line)
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func TestGetNextTask_NotInitialized(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_, e := env.call(t, MethodGetNextTask, nil)
	if code(e) != rpc.CodeNotInitialized {
		t.Fatalf("expected -32001, got %v", e)
	}
	if data, _ := e["data"].(map[string]any); data["code"] != rpc.SymNotInitialized {
		t.Fatalf("expected symbolic code, got %v", e)
	}
}

func TestGetNextTask_OrderContextAndEmpty(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.create(t, "first")
	env.create(t, "second")
	env.init(t)

	res, e := env.call(t, MethodGetNextTask, map[string]any{"includeContext": true})
	if e != nil {
		t.Fatalf("unexpected error %v", e)
	}
	if res["title"] != "first" || res["description"] != "first details" {
		t.Fatalf("expected first task with context, got %v", res)
	}
	if _, ok := res["messages"].([]any); !ok {
		t.Fatalf("expected messages array, got %v", res["messages"])
	}
	qs := res["queueStatus"].(map[string]any)
	if qs["running"].(float64) != 1 || qs["mode"] != "manual" {
		t.Fatalf("unexpected queue status %v", qs)
	}

	res, _ = env.call(t, MethodGetNextTask, nil)
	if res["title"] != "second" {
		t.Fatalf("expected second task, got %v", res)
	}
	if _, ok := res["description"]; ok {
		t.Fatal("expected no description without includeContext")
	}

	res, _ = env.call(t, MethodGetNextTask, nil)
	if res["available"] != false {
		t.Fatalf("expected empty queue, got %v", res)
	}
	if _, ok := res["title"]; ok {
		t.Fatalf("expected no task fields, got %v", res)
	}
}

func TestGetNextTask_FilterValidation(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.init(t)

	tests := []struct {
		name   string
		params any
		want   int
	}{
		{"priority out of range", map[string]any{"filter": map[string]any{"priority": 7}}, rpc.CodeInvalidParams},
		{"unknown type", map[string]any{"filter": map[string]any{"type": "robot"}}, rpc.CodeInvalidParams},
		{"positional params", []any{1}, rpc.CodeInvalidParams},
		{"valid filter", map[string]any{"filter": map[string]any{"priority": 2, "type": "ai_to_human"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, e := env.call(t, MethodGetNextTask, tt.params); code(e) != tt.want {
				t.Fatalf("expected code %d, got %v", tt.want, e)
			}
		})
	}
}

// --- reportTaskDone ---

func TestReportTaskDone(t *testing.T) {
	env := newTestEnv(t, time.Second)
	tk := env.create(t, "ship it")
	env.init(t)
	env.call(t, MethodGetNextTask, nil)

	res, e := env.call(t, MethodReportTaskDone, map[string]any{"ticketId": tk.ID, "status": "done", "summary": "merged"})
	if e != nil || res["success"] != true {
		t.Fatalf("expected success, got %v / %v", res, e)
	}
	got, err := env.store.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != protocol.StatusDone || got.Resolution == nil || *got.Resolution != "merged" {
		t.Fatalf("unexpected ticket %+v", got)
	}
}

func TestReportTaskDone_Errors(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.init(t)

	if _, e := env.call(t, MethodReportTaskDone, map[string]any{"ticketId": "tk-missing", "status": "done"}); code(e) != rpc.CodeInternalError {
		t.Fatalf("expected -32603 for unknown ticket, got %v", e)
	}
	if _, e := env.call(t, MethodReportTaskDone, map[string]any{"ticketId": "x", "status": "finished"}); code(e) != rpc.CodeInvalidParams {
		t.Fatalf("expected -32602 for bad status, got %v", e)
	}
	if _, e := env.call(t, MethodReportTaskDone, map[string]any{"status": "done"}); code(e) != rpc.CodeInvalidParams {
		t.Fatalf("expected -32602 for missing ticketId, got %v", e)
	}
}

func TestReportTaskDone_FailureRetries(t *testing.T) {
	env := newTestEnv(t, time.Second)
	tk := env.create(t, "flaky")
	env.init(t)
	env.call(t, MethodGetNextTask, nil)

	res, e := env.call(t, MethodReportTaskDone, map[string]any{
		"ticketId": tk.ID, "status": "failed", "summary": "tests red", "failedTests": []string{"TestA"},
	})
	if e != nil {
		t.Fatalf("unexpected error %v", e)
	}
	retry, ok := res["retry"].(map[string]any)
	if !ok {
		t.Fatalf("expected retry status, got %v", res)
	}
	if retry["canRetry"] != true {
		t.Fatalf("expected a retry to be allowed, got %v", retry)
	}
}

// --- askQuestion ---

func TestAskQuestion_Answers(t *testing.T) {
	env := newTestEnv(t, time.Second)
	res, e := env.call(t, MethodAskQuestion, map[string]any{"question": "meaning?"})
	if e != nil || res["answer"] != "42" {
		t.Fatalf("expected answer, got %v / %v", res, e)
	}
}

func TestAskQuestion_ChatThread(t *testing.T) {
	env := newTestEnv(t, time.Second)
	chat := env.create(t, "design chat")
	if _, err := env.store.Update(context.Background(), chat.ID, protocol.Patch{
		AppendMessages: []protocol.Message{{Role: "user", Content: "we use sqlite"}},
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	if _, e := env.call(t, MethodAskQuestion, map[string]any{"question": "which db?", "chatId": chat.ID}); e != nil {
		t.Fatalf("unexpected error %v", e)
	}
	if len(env.agent.history) != 1 || env.agent.history[0].Content != "we use sqlite" {
		t.Fatalf("expected chat history passed to agent, got %+v", env.agent.history)
	}

	got, err := env.store.Get(context.Background(), chat.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 3 || got.Messages[1].Content != "which db?" || got.Messages[2].Content != "42" {
		t.Fatalf("expected question and answer appended, got %+v", got.Messages)
	}

	if _, e := env.call(t, MethodAskQuestion, map[string]any{"question": "q", "chatId": "tk-none"}); code(e) != rpc.CodeInvalidParams {
		t.Fatalf("expected -32602 for unknown chat, got %v", e)
	}
}

func TestAskQuestion_TimeoutEscalatesOnce(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	env.agent.askFn = func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "too late", ctx.Err()
	}

	_, e := env.call(t, MethodAskQuestion, map[string]any{"question": "why is the build slow?"})
	if code(e) != rpc.CodeAnswerTimeout {
		t.Fatalf("expected -32002, got %v", e)
	}
	data := e["data"].(map[string]any)
	if data["code"] != rpc.SymAnswerTimeout {
		t.Fatalf("expected symbolic code, got %v", data)
	}
	escID, _ := data["escalationTicketId"].(string)
	if escID == "" {
		t.Fatalf("expected escalation ticket id, got %v", data)
	}

	all, err := env.store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var blocked []*protocol.Ticket
	for _, tk := range all {
		if tk.Status == protocol.StatusBlocked {
			blocked = append(blocked, tk)
		}
	}
	if len(blocked) != 1 || blocked[0].ID != escID {
		t.Fatalf("expected exactly one blocked ticket %s, got %d", escID, len(blocked))
	}
	tk := blocked[0]
	if tk.Priority != protocol.PriorityHigh || !strings.HasPrefix(tk.Title, protocol.EscalationPrefix) {
		t.Fatalf("unexpected escalation ticket %+v", tk)
	}
	if !strings.Contains(tk.Description, "why is the build slow?") {
		t.Fatalf("expected question in description, got %q", tk.Description)
	}

	counts, err := eventlog.FromDB(env.store.DB()).CountByType(context.Background())
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if counts[protocol.EventAnswerTimeout] != 1 {
		t.Fatalf("expected one answer_timeout event, got %v", counts)
	}
}

func TestAskQuestion_AgentError(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.agent.askFn = func(context.Context, string) (string, error) {
		return "", errors.New("claude not installed")
	}
	if _, e := env.call(t, MethodAskQuestion, map[string]any{"question": "q"}); code(e) != rpc.CodeInternalError {
		t.Fatalf("expected -32603, got %v", e)
	}
	if _, e := env.call(t, MethodAskQuestion, map[string]any{"question": ""}); code(e) != rpc.CodeInvalidParams {
		t.Fatalf("expected -32602 for empty question, got %v", e)
	}
}

// --- getErrors ---

func TestGetErrors(t *testing.T) {
	env := newTestEnv(t, time.Second)
	res, e := env.call(t, MethodGetErrors, map[string]any{"filePattern": "*.go"})
	if e != nil || res["count"].(float64) != 1 {
		t.Fatalf("expected one diagnostic, got %v / %v", res, e)
	}
	if env.diag.pattern != "*.go" {
		t.Fatalf("expected pattern passed through, got %q", env.diag.pattern)
	}

	env.diag.err = fmt.Errorf("%w: syntax", diagnostics.ErrBadPattern)
	if _, e := env.call(t, MethodGetErrors, map[string]any{"filePattern": "["}); code(e) != rpc.CodeInvalidParams {
		t.Fatalf("expected -32602 for bad pattern, got %v", e)
	}
	env.diag.err = errors.New("go: not found")
	if _, e := env.call(t, MethodGetErrors, nil); code(e) != rpc.CodeInternalError {
		t.Fatalf("expected -32603 for scan failure, got %v", e)
	}
}

// --- callCOEAgent ---

func TestCallCOEAgent(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.agent.plan = "1. write tests"
	env.agent.verify = agent.VerifyResult{Passed: true, Output: "PASS: green"}

	tests := []struct {
		name    string
		params  map[string]any
		wantKey string
		wantVal any
		wantArg string
	}{
		{"plan with object", map[string]any{"command": "plan", "args": map[string]any{"goal": "add cache"}}, "plan", "1. write tests", "add cache"},
		{"plan with string", map[string]any{"command": "plan", "args": "add index"}, "plan", "1. write tests", "add index"},
		{"verify", map[string]any{"command": "verify", "args": map[string]any{"claim": "tests pass"}}, "passed", true, "tests pass"},
		{"ask", map[string]any{"command": "ask", "args": map[string]any{"question": "why?"}}, "answer", "42", "why?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, e := env.call(t, MethodCallCOEAgent, tt.params)
			if e != nil {
				t.Fatalf("unexpected error %v", e)
			}
			if res[tt.wantKey] != tt.wantVal {
				t.Fatalf("expected %s=%v, got %v", tt.wantKey, tt.wantVal, res)
			}
			if env.agent.lastArg != tt.wantArg {
				t.Fatalf("expected argument %q, got %q", tt.wantArg, env.agent.lastArg)
			}
		})
	}
}

func TestCallCOEAgent_InvalidParams(t *testing.T) {
	env := newTestEnv(t, time.Second)
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"unknown command", map[string]any{"command": "deploy", "args": "x"}},
		{"missing args", map[string]any{"command": "plan"}},
		{"missing key", map[string]any{"command": "verify", "args": map[string]any{"goal": "x"}}},
		{"blank string", map[string]any{"command": "ask", "args": "  "}},
		{"missing command", map[string]any{"args": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, e := env.call(t, MethodCallCOEAgent, tt.params); code(e) != rpc.CodeInvalidParams {
				t.Fatalf("expected -32602, got %v", e)
			}
		})
	}
}

// --- mode ---

func TestModeMethods(t *testing.T) {
	env := newTestEnv(t, time.Second)
	res, _ := env.call(t, MethodGetMode, nil)
	if res["mode"] != "manual" {
		t.Fatalf("expected manual, got %v", res)
	}

	res, e := env.call(t, MethodSetMode, map[string]any{"mode": "auto"})
	if e != nil || res["mode"] != "auto" || res["previous"] != "manual" {
		t.Fatalf("unexpected setMode result %v / %v", res, e)
	}
	if env.mode.Mode() != protocol.ModeAuto {
		t.Fatalf("expected switch updated, got %s", env.mode.Mode())
	}
	if _, e := env.call(t, MethodSetMode, map[string]any{"mode": "turbo"}); code(e) != rpc.CodeInvalidParams {
		t.Fatalf("expected -32602, got %v", e)
	}
}
