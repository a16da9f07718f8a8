// Package tools implements the RPC methods exposed to the tool-calling
// client. Each handler validates its params against a JSON Schema, calls the
// orchestrator or one of its collaborators, and shapes the result.
package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/timeout"

	"coe/pkg/agent"
	"coe/pkg/diagnostics"
	"coe/pkg/dispatcher"
	"coe/pkg/protocol"
	"coe/pkg/rpc"
	"coe/pkg/ticketstore"
)

// Method names.
const (
	MethodGetNextTask    = "getNextTask"
	MethodReportTaskDone = "reportTaskDone"
	MethodAskQuestion    = "askQuestion"
	MethodGetErrors      = "getErrors"
	MethodCallCOEAgent   = "callCOEAgent"
	MethodGetMode        = "getMode"
	MethodSetMode        = "setMode"
)

// --- Interfaces for testability ---

// Queue is the orchestrator surface the handlers use. Production impl is
// *dispatcher.Dispatcher.
type Queue interface {
	GetNextTask(ctx context.Context, f dispatcher.Filter) (*dispatcher.Task, error)
	ReportTaskDone(ctx context.Context, ticketID string, r dispatcher.Report) (*dispatcher.ReportResult, error)
	Status() dispatcher.QueueStatus
	Ticket(taskID string) (*protocol.Ticket, bool)
}

// ModeController reads and changes the global mode.
type ModeController interface {
	Mode() protocol.Mode
	Set(m protocol.Mode) (protocol.Mode, error)
}

// --- Config ---

// Config holds handler configuration.
type Config struct {
	AskTimeout time.Duration // Limit on one askQuestion agent call (default 45s).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AskTimeout == 0 {
		out.AskTimeout = 45 * time.Second
	}
	return out
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Queue       Queue
	Store       ticketstore.Store
	Agent       agent.Agent
	Diagnostics diagnostics.Collector
	Mode        ModeController
	DB          *sql.DB // events table; nil disables audit
}

// --- Tools ---

// Tools holds the handlers.
type Tools struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	schemas map[string]schema
}

// New creates the handler set.
func New(cfg Config, deps Deps, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: logger.With("component", "tools"),
		schemas: map[string]schema{
			MethodGetNextTask:    mustSchema(getNextTaskSchema),
			MethodReportTaskDone: mustSchema(reportTaskDoneSchema),
			MethodAskQuestion:    mustSchema(askQuestionSchema),
			MethodGetErrors:      mustSchema(getErrorsSchema),
			MethodCallCOEAgent:   mustSchema(callCOEAgentSchema),
			MethodGetMode:        mustSchema(getModeSchema),
			MethodSetMode:        mustSchema(setModeSchema),
		},
	}
}

// Register binds every method on s.
func (t *Tools) Register(s *rpc.Server) {
	s.Register(MethodGetNextTask, t.getNextTask)
	s.Register(MethodReportTaskDone, t.reportTaskDone)
	s.Register(MethodAskQuestion, t.askQuestion)
	s.Register(MethodGetErrors, t.getErrors)
	s.Register(MethodCallCOEAgent, t.callCOEAgent)
	s.Register(MethodGetMode, t.getMode)
	s.Register(MethodSetMode, t.setMode)
}

// --- getNextTask ---

type getNextTaskParams struct {
	Filter *struct {
		Priority *int    `json:"priority"`
		Type     *string `json:"type"`
	} `json:"filter"`
	IncludeContext bool `json:"includeContext"`
}

// NextTaskResult is the task, flattened, plus the queue status. Task fields
// are absent when Available is false.
type NextTaskResult struct {
	*dispatcher.Task
	Available   bool                   `json:"available"`
	QueueStatus dispatcher.QueueStatus `json:"queueStatus"`
	Description *string                `json:"description,omitempty"`
	Messages    []protocol.Message     `json:"messages,omitempty"`
}

func (t *Tools) getNextTask(ctx context.Context, params json.RawMessage) (any, error) {
	var p getNextTaskParams
	if err := t.schemas[MethodGetNextTask].decode(params, &p); err != nil {
		return nil, err
	}

	var f dispatcher.Filter
	if p.Filter != nil {
		if p.Filter.Priority != nil {
			f.Priority = protocol.Ptr(protocol.Priority(*p.Filter.Priority))
		}
		if p.Filter.Type != nil {
			typ, err := protocol.ParseTicketType(*p.Filter.Type)
			if err != nil {
				return nil, rpc.InvalidParams("%v", err)
			}
			f.Type = &typ
		}
	}

	task, err := t.deps.Queue.GetNextTask(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("get next task: %w", err)
	}

	res := &NextTaskResult{Task: task, Available: task != nil, QueueStatus: t.deps.Queue.Status()}
	if task != nil && p.IncludeContext {
		if tk, ok := t.deps.Queue.Ticket(task.ID); ok {
			res.Description = protocol.Ptr(tk.Description)
			res.Messages = tk.Messages
			if res.Messages == nil {
				res.Messages = []protocol.Message{}
			}
		}
	}
	return res, nil
}

// --- reportTaskDone ---

type reportTaskDoneParams struct {
	TicketID       string   `json:"ticketId"`
	Status         string   `json:"status"`
	Summary        string   `json:"summary"`
	FailedCriteria []string `json:"failedCriteria"`
	FailedTests    []string `json:"failedTests"`
}

func (t *Tools) reportTaskDone(ctx context.Context, params json.RawMessage) (any, error) {
	var p reportTaskDoneParams
	if err := t.schemas[MethodReportTaskDone].decode(params, &p); err != nil {
		return nil, err
	}

	res, err := t.deps.Queue.ReportTaskDone(ctx, p.TicketID, dispatcher.Report{
		Outcome:        dispatcher.Outcome(p.Status),
		Summary:        p.Summary,
		FailedCriteria: p.FailedCriteria,
		FailedTests:    p.FailedTests,
	})
	if err != nil {
		return nil, fmt.Errorf("report task done: %w", err)
	}
	return res, nil
}

// --- askQuestion ---

type askQuestionParams struct {
	Question string `json:"question"`
	ChatID   string `json:"chatId"`
}

// AnswerResult is returned by askQuestion and callCOEAgent ask.
type AnswerResult struct {
	Answer string `json:"answer"`
}

// askQuestion asks the agent, bounded by AskTimeout. On timeout a blocked
// escalation ticket is created so the question is not lost, and a late
// answer is discarded.
func (t *Tools) askQuestion(ctx context.Context, params json.RawMessage) (any, error) {
	var p askQuestionParams
	if err := t.schemas[MethodAskQuestion].decode(params, &p); err != nil {
		return nil, err
	}

	var thread *protocol.Ticket
	if p.ChatID != "" {
		tk, err := t.deps.Store.Get(ctx, p.ChatID)
		var nf *protocol.TicketNotFoundError
		switch {
		case errors.As(err, &nf):
			return nil, rpc.InvalidParams("chatId %s: no such ticket", p.ChatID)
		case err != nil:
			return nil, fmt.Errorf("load chat %s: %w", p.ChatID, err)
		}
		thread = tk
	}

	var history []protocol.Message
	if thread != nil {
		history = thread.Messages
	}

	start := time.Now()
	to := timeout.New[string](timeout.Config{DefaultTimeout: t.cfg.AskTimeout})
	answer, err := to.Execute(ctx, t.cfg.AskTimeout, func(ctx context.Context) (string, error) {
		return t.deps.Agent.Ask(ctx, p.Question, history)
	})
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || time.Since(start) >= t.cfg.AskTimeout) {
			return nil, t.answerTimedOut(ctx, p)
		}
		return nil, fmt.Errorf("ask agent: %w", err)
	}

	if thread != nil {
		now := time.Now().UTC()
		_, err := t.deps.Store.Update(ctx, thread.ID, protocol.Patch{AppendMessages: []protocol.Message{
			{Role: "user", Content: p.Question, Timestamp: now},
			{Role: "assistant", Content: answer, Timestamp: now},
		}})
		if err != nil {
			t.logger.Warn("append answer to chat", "ticket", thread.ID, "error", err)
		}
	}
	return &AnswerResult{Answer: answer}, nil
}

func (t *Tools) answerTimedOut(ctx context.Context, p askQuestionParams) error {
	ctx = context.WithoutCancel(ctx)
	timeoutErr := &protocol.AnswerTimeoutError{Timeout: t.cfg.AskTimeout}

	desc := fmt.Sprintf("[COE] ANSWER_TIMEOUT: no answer within %s.\n\nQuestion: %s", t.cfg.AskTimeout, p.Question)
	nt := protocol.NewTicket{
		Title:       protocol.EscalationPrefix + "Unanswered question: " + truncate(p.Question, 60),
		Description: desc,
		Status:      protocol.StatusBlocked,
		Type:        protocol.TypeAIToHuman,
		Priority:    protocol.PriorityHigh,
		Creator:     "coe",
	}
	if p.ChatID != "" {
		nt.EscalatedFrom = protocol.Ptr(p.ChatID)
	}
	tk, err := t.deps.Store.Create(ctx, nt)
	if err != nil {
		t.logger.Error("create answer timeout ticket", "error", err)
		return timeoutErr
	}
	timeoutErr.EscalationTicketID = tk.ID

	t.logger.Warn("question timed out", "timeout", t.cfg.AskTimeout, "escalation", tk.ID)
	_ = t.logEvent(ctx, protocol.EventAnswerTimeout, p.ChatID, tk.ID)
	return timeoutErr
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

// --- getErrors ---

type getErrorsParams struct {
	FilePattern string `json:"filePattern"`
}

func (t *Tools) getErrors(ctx context.Context, params json.RawMessage) (any, error) {
	var p getErrorsParams
	if err := t.schemas[MethodGetErrors].decode(params, &p); err != nil {
		return nil, err
	}

	b, err := t.deps.Diagnostics.Collect(ctx, p.FilePattern)
	if errors.Is(err, diagnostics.ErrBadPattern) {
		return nil, rpc.InvalidParams("%v", err)
	}
	if err != nil {
		return nil, fmt.Errorf("collect diagnostics: %w", err)
	}
	return b, nil
}

// --- callCOEAgent ---

type callCOEAgentParams struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

// PlanResult is returned by callCOEAgent plan.
type PlanResult struct {
	Plan string `json:"plan"`
}

// argument reads the command's single argument. args may be the bare string
// or an object carrying it under key.
func argument(args json.RawMessage, key string) (string, error) {
	if len(args) == 0 {
		return "", rpc.InvalidParams("args.%s is required", key)
	}
	var s string
	if json.Unmarshal(args, &s) == nil {
		if strings.TrimSpace(s) == "" {
			return "", rpc.InvalidParams("args.%s is required", key)
		}
		return s, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(args, &obj); err != nil {
		return "", rpc.InvalidParams("args: %v", err)
	}
	v, ok := obj[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", rpc.InvalidParams("args.%s is required", key)
	}
	return v, nil
}

func (t *Tools) callCOEAgent(ctx context.Context, params json.RawMessage) (any, error) {
	var p callCOEAgentParams
	if err := t.schemas[MethodCallCOEAgent].decode(params, &p); err != nil {
		return nil, err
	}

	switch agent.Kind(p.Command) {
	case agent.KindPlan:
		goal, err := argument(p.Args, "goal")
		if err != nil {
			return nil, err
		}
		plan, err := t.deps.Agent.Plan(ctx, goal)
		if err != nil {
			return nil, fmt.Errorf("plan: %w", err)
		}
		return &PlanResult{Plan: plan}, nil

	case agent.KindVerify:
		claim, err := argument(p.Args, "claim")
		if err != nil {
			return nil, err
		}
		res, err := t.deps.Agent.Verify(ctx, claim)
		if err != nil {
			return nil, fmt.Errorf("verify: %w", err)
		}
		return &res, nil

	case agent.KindAsk:
		q, err := argument(p.Args, "question")
		if err != nil {
			return nil, err
		}
		answer, err := t.deps.Agent.Ask(ctx, q, nil)
		if err != nil {
			return nil, fmt.Errorf("ask: %w", err)
		}
		return &AnswerResult{Answer: answer}, nil

	default:
		return nil, rpc.InvalidParams("unknown command %q", p.Command)
	}
}

// --- getMode / setMode ---

// ModeResult is returned by getMode and setMode.
type ModeResult struct {
	Mode     protocol.Mode `json:"mode"`
	Previous protocol.Mode `json:"previous,omitempty"`
}

func (t *Tools) getMode(_ context.Context, params json.RawMessage) (any, error) {
	var p struct{}
	if err := t.schemas[MethodGetMode].decode(params, &p); err != nil {
		return nil, err
	}
	return &ModeResult{Mode: t.deps.Mode.Mode()}, nil
}

func (t *Tools) setMode(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Mode string `json:"mode"`
	}
	if err := t.schemas[MethodSetMode].decode(params, &p); err != nil {
		return nil, err
	}
	prev, err := t.deps.Mode.Set(protocol.Mode(p.Mode))
	if err != nil {
		return nil, rpc.InvalidParams("%v", err)
	}
	if prev != protocol.Mode(p.Mode) {
		t.logger.Info("mode changed", "from", prev, "to", p.Mode)
	}
	return &ModeResult{Mode: protocol.Mode(p.Mode), Previous: prev}, nil
}

// --- Audit ---

func (t *Tools) logEvent(ctx context.Context, evType, ticketID, payload string) error {
	if t.deps.DB == nil {
		return nil
	}
	_, err := t.deps.DB.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO events (type, source, ticket_id, task_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, "tools", nullIfEmpty(ticketID), nil, payload)
	if err != nil {
		t.logger.Debug("log event failed", "type", evType, "error", err)
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
