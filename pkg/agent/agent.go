// Package agent runs short-lived `claude -p` processes for the orchestrator:
// answering questions, drafting plans and verifying work. It also provides
// the router that hands human-to-AI tickets to the answer agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coe/pkg/protocol"
)

// --- Process abstraction ---

// Process represents a running subprocess.
type Process interface {
	Wait() error
	Kill() error
	Output() (string, error) // read stdout after completion
}

// BatchSpawner creates new one-shot agent processes.
type BatchSpawner interface {
	Spawn(ctx context.Context, model string, prompt string, workdir string) (Process, error)
}

// Agent is the LLM collaborator used by the tool handlers.
type Agent interface {
	Ask(ctx context.Context, question string, history []protocol.Message) (string, error)
	Plan(ctx context.Context, goal string) (string, error)
	Verify(ctx context.Context, claim string) (VerifyResult, error)
}

// --- Kinds and verdicts ---

// Kind identifies what an agent run is for.
type Kind string

// Known run kinds.
const (
	KindAsk    Kind = "ask"
	KindPlan   Kind = "plan"
	KindVerify Kind = "verify"
	KindAnswer Kind = "answer"
)

// Verdict is the parsed outcome of a verify run.
type Verdict string

// Verify verdicts.
const (
	VerdictPassed  Verdict = "passed"
	VerdictFailed  Verdict = "failed"
	VerdictUnknown Verdict = "unknown"
)

// VerifyResult is returned by Verify.
type VerifyResult struct {
	Passed bool   `json:"passed"`
	Output string `json:"output"`
}

// ErrEmptyOutput is returned when a process exits cleanly without printing.
var ErrEmptyOutput = errors.New("agent produced no output")

// Result is the output of one agent run.
type Result struct {
	RunID   string
	Kind    Kind
	Subject string // ticket id, or a short label for free-form runs
	Output  string
	Verdict Verdict
	Err     error
}

// Run tracks a single running process.
type Run struct {
	ID      string
	Kind    Kind
	Subject string
	Started time.Time
	proc    Process
}

// --- Config ---

// Config holds Runner configuration.
type Config struct {
	Model   string        // Model passed to --model; empty lets the CLI choose.
	Workdir string        // Working directory for every run.
	Timeout time.Duration // Per-run limit (default 5m).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timeout == 0 {
		out.Timeout = 5 * time.Minute
	}
	return out
}

// --- Runner ---

// Runner manages one-shot agent processes and implements Agent.
type Runner struct {
	cfg     Config
	spawner BatchSpawner
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*Run

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewRunner creates a Runner backed by the given BatchSpawner.
func NewRunner(sp BatchSpawner, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:     cfg.withDefaults(),
		spawner: sp,
		logger:  logger.With("component", "agent"),
		active:  make(map[string]*Run),
		nowFunc: time.Now,
	}
}

// Ask answers a question, with an optional prior conversation.
func (r *Runner) Ask(ctx context.Context, question string, history []protocol.Message) (string, error) {
	res := await(ctx, r.start(ctx, KindAsk, "ask", buildAskPrompt(question, history)))
	if res.Err != nil {
		return "", res.Err
	}
	return res.Output, nil
}

// Plan drafts an implementation plan for goal.
func (r *Runner) Plan(ctx context.Context, goal string) (string, error) {
	res := await(ctx, r.start(ctx, KindPlan, "plan", buildPlanPrompt(goal)))
	if res.Err != nil {
		return "", res.Err
	}
	return res.Output, nil
}

// Verify asks the agent to check claim and report PASS or FAIL.
func (r *Runner) Verify(ctx context.Context, claim string) (VerifyResult, error) {
	res := await(ctx, r.start(ctx, KindVerify, "verify", buildVerifyPrompt(claim)))
	if res.Err != nil {
		return VerifyResult{}, res.Err
	}
	return VerifyResult{Passed: res.Verdict == VerdictPassed, Output: res.Output}, nil
}

// Answer answers the question carried by a human-to-AI ticket.
func (r *Runner) Answer(ctx context.Context, t *protocol.Ticket) (string, error) {
	res := await(ctx, r.start(ctx, KindAnswer, t.ID, buildAnswerPrompt(t)))
	if res.Err != nil {
		return "", res.Err
	}
	return res.Output, nil
}

// Cancel kills a running process by run ID.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	run, ok := r.active[runID]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("agent: no active run with ID %q", runID)
	}
	if err := run.proc.Kill(); err != nil {
		return fmt.Errorf("agent: kill run %q: %w", runID, err)
	}
	return nil
}

// Active returns the currently running processes, oldest first.
func (r *Runner) Active() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Run, 0, len(r.active))
	for _, run := range r.active {
		out = append(out, Run{ID: run.ID, Kind: run.Kind, Subject: run.Subject, Started: run.Started})
	}
	slices.SortFunc(out, func(a, b Run) int { return a.Started.Compare(b.Started) })
	return out
}

func await(ctx context.Context, ch <-chan Result) Result {
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// start spawns a process and delivers its result on the returned channel.
func (r *Runner) start(ctx context.Context, kind Kind, subject, prompt string) <-chan Result {
	ch := make(chan Result, 1)
	runID := uuid.New().String()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.active, runID)
			r.mu.Unlock()
		}()

		proc, err := r.spawner.Spawn(ctx, r.cfg.Model, prompt, r.cfg.Workdir)
		if err != nil {
			ch <- Result{RunID: runID, Kind: kind, Subject: subject, Err: fmt.Errorf("agent: spawn failed: %w", err)}
			return
		}

		r.mu.Lock()
		r.active[runID] = &Run{ID: runID, Kind: kind, Subject: subject, Started: r.nowFunc(), proc: proc}
		r.mu.Unlock()
		r.logger.Debug("agent run started", "run", runID, "kind", kind, "subject", subject)

		completed, waitErr := r.waitForProcess(ctx, proc, kind, subject, runID, ch)
		if !completed {
			return
		}

		stdout, _ := proc.Output()
		ch <- parseResult(runID, kind, subject, stdout, waitErr)
	}()

	return ch
}

// waitForProcess waits for a process with timeout and context cancellation.
// Returns (true, waitErr) if the process exited on its own, (false, nil) if it
// was killed; the failure result has then already been sent on ch.
func (r *Runner) waitForProcess(ctx context.Context, proc Process, kind Kind, subject, runID string, ch chan<- Result) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- proc.Wait()
	}()

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		return true, waitErr
	case <-timer.C:
		_ = proc.Kill()
		ch <- Result{RunID: runID, Kind: kind, Subject: subject,
			Err: fmt.Errorf("agent: process exceeded %v timeout", r.cfg.Timeout)}
		return false, nil
	case <-ctx.Done():
		_ = proc.Kill()
		ch <- Result{RunID: runID, Kind: kind, Subject: subject, Err: ctx.Err()}
		return false, nil
	}
}

// --- Result parsing ---

// parseResult interprets subprocess output.
func parseResult(runID string, kind Kind, subject, stdout string, waitErr error) Result {
	res := Result{RunID: runID, Kind: kind, Subject: subject, Output: strings.TrimSpace(stdout)}

	if kind == KindVerify {
		// claude -p sometimes exits non-zero after printing a verdict; trust
		// the verdict.
		res.Verdict = parseVerifyOutput(stdout)
		if res.Verdict != VerdictUnknown {
			return res
		}
	}
	if waitErr != nil {
		res.Err = fmt.Errorf("agent: process exited with error: %w", waitErr)
		return res
	}
	if res.Output == "" {
		res.Err = ErrEmptyOutput
	}
	return res
}

// parseVerifyOutput looks for a PASS or FAIL verdict line. The last one wins.
func parseVerifyOutput(stdout string) Verdict {
	verdict := VerdictUnknown
	for line := range strings.Lines(stdout) {
		upper := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(upper, "PASS"):
			verdict = VerdictPassed
		case strings.HasPrefix(upper, "FAIL"):
			verdict = VerdictFailed
		}
	}
	return verdict
}
