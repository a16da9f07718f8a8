// Package diagnostics collects compiler and linter findings for the
// getErrors tool. It runs the project's check commands and parses their
// file:line:col output.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Diagnostic is one finding.
type Diagnostic struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
	Severity string `json:"severity"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
	Source   string `json:"source"`
}

// Bundle is the result of one collection.
type Bundle struct {
	Diagnostics []Diagnostic `json:"diagnostics"`
	Count       int          `json:"count"`
	Tools       []string     `json:"tools"`
	GeneratedAt time.Time    `json:"generatedAt"`
}

// Collector produces a diagnostics bundle, optionally filtered by a file
// pattern.
type Collector interface {
	Collect(ctx context.Context, pattern string) (*Bundle, error)
}

// ErrBadPattern is returned for a malformed file pattern.
var ErrBadPattern = errors.New("invalid file pattern")

// --- Command execution ---

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout string, stderr string, err error)
}

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// Run executes name in dir and returns stdout and stderr.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // commands come from profiles or operator config
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}

// --- CommandCollector ---

// CommandCollector runs check commands in a project root.
type CommandCollector struct {
	runner   CommandRunner
	root     string
	command  string // explicit command; empty means detect
	profiles []Profile
	logger   *slog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewCommandCollector creates a collector for root. A non-empty command is
// used as-is; otherwise the tools come from the override file or the
// detected language profiles.
func NewCommandCollector(runner CommandRunner, root, command string, logger *slog.Logger) *CommandCollector {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandCollector{
		runner:   runner,
		root:     root,
		command:  strings.TrimSpace(command),
		profiles: Profiles(),
		logger:   logger.With("component", "diagnostics"),
		nowFunc:  time.Now,
	}
}

// Collect runs every tool and returns the findings that match pattern.
// A tool that exits non-zero after reporting findings is not an error; one
// that cannot start, or fails without output we can parse, is.
func (c *CommandCollector) Collect(ctx context.Context, pattern string) (*Bundle, error) {
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrBadPattern, pattern, err)
		}
	}

	tools, err := c.tools()
	if err != nil {
		return nil, err
	}

	b := &Bundle{Diagnostics: []Diagnostic{}, Tools: []string{}, GeneratedAt: c.nowFunc().UTC()}
	for _, t := range tools {
		found, err := c.run(ctx, t)
		if err != nil {
			return nil, err
		}
		b.Tools = append(b.Tools, t.Name)
		for _, d := range found {
			if matchFile(pattern, d.File) {
				b.Diagnostics = append(b.Diagnostics, d)
			}
		}
	}
	slices.SortStableFunc(b.Diagnostics, func(x, y Diagnostic) int {
		if n := strings.Compare(x.File, y.File); n != 0 {
			return n
		}
		return x.Line - y.Line
	})
	b.Count = len(b.Diagnostics)
	return b, nil
}

func (c *CommandCollector) tools() ([]Tool, error) {
	if c.command != "" {
		return []Tool{{Name: c.command, Cmd: c.command}}, nil
	}
	tools, err := ResolveTools(c.root, c.profiles)
	if err != nil {
		return nil, fmt.Errorf("resolve diagnostics tools: %w", err)
	}
	if len(tools) == 0 {
		c.logger.Debug("no language detected", "root", c.root)
	}
	return tools, nil
}

func (c *CommandCollector) run(ctx context.Context, t Tool) ([]Diagnostic, error) {
	argv := strings.Fields(t.Cmd)
	if len(argv) == 0 {
		return nil, fmt.Errorf("tool %s: empty command", t.Name)
	}
	stdout, stderr, err := c.runner.Run(ctx, c.root, argv[0], argv[1:]...)

	found := parseOutput(c.root, t.Name, stdout)
	found = append(found, parseOutput(c.root, t.Name, stderr)...)

	var exitErr interface{ ExitCode() int }
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && len(found) > 0:
		// Linters exit non-zero when they report findings.
	case ctx.Err() != nil:
		return nil, fmt.Errorf("tool %s: %w", t.Name, ctx.Err())
	default:
		if tail := strings.TrimSpace(stderr); tail != "" {
			return nil, fmt.Errorf("tool %s: %w: %s", t.Name, err, tail)
		}
		return nil, fmt.Errorf("tool %s: %w", t.Name, err)
	}
	c.logger.Debug("diagnostics tool finished", "tool", t.Name, "findings", len(found))
	return found, nil
}

// --- Parsing ---

var (
	// file:line[:col]: message
	colonForm = regexp.MustCompile(`^(\S[^:]*?):(\d+)(?::(\d+))?:\s*(.+)$`)
	// file(line,col): error TS1234: message
	parenForm = regexp.MustCompile(`^(\S[^(]*?)\((\d+),(\d+)\):\s*(error|warning)\s+(\w+):\s*(.+)$`)
	// "F401 [*] message" style rule codes
	codePrefix = regexp.MustCompile(`^([A-Z]+[0-9]+)\s+(?:\[\*\]\s+)?(.+)$`)
)

func parseOutput(root, source, out string) []Diagnostic {
	var found []Diagnostic
	for line := range strings.Lines(out) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if d, ok := parseLine(line); ok {
			d.File = relPath(root, d.File)
			d.Source = source
			found = append(found, d)
		}
	}
	return found
}

func parseLine(line string) (Diagnostic, bool) {
	if m := parenForm.FindStringSubmatch(line); m != nil {
		ln, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		return Diagnostic{File: m[1], Line: ln, Column: col, Severity: m[4], Code: m[5], Message: m[6]}, true
	}
	m := colonForm.FindStringSubmatch(line)
	if m == nil {
		return Diagnostic{}, false
	}
	ln, _ := strconv.Atoi(m[2])
	col, _ := strconv.Atoi(m[3])
	d := Diagnostic{File: m[1], Line: ln, Column: col, Severity: "error", Message: m[4]}

	for _, sev := range []string{"error", "warning", "note"} {
		if rest, ok := strings.CutPrefix(d.Message, sev+":"); ok {
			d.Severity, d.Message = sev, strings.TrimSpace(rest)
			break
		}
	}
	if cm := codePrefix.FindStringSubmatch(d.Message); cm != nil {
		d.Code, d.Message = cm[1], cm[2]
	}
	return d, true
}

func relPath(root, file string) string {
	if filepath.IsAbs(file) && root != "" {
		if rel, err := filepath.Rel(root, file); err == nil && !strings.HasPrefix(rel, "..") {
			file = rel
		}
	}
	return strings.TrimPrefix(filepath.ToSlash(file), "./")
}

// matchFile reports whether file matches pattern. A pattern matches the whole
// relative path, the base name, or, when it ends in "/", a directory prefix.
func matchFile(pattern, file string) bool {
	if pattern == "" {
		return true
	}
	if dir, ok := strings.CutSuffix(pattern, "/"); ok {
		return strings.HasPrefix(file, dir+"/")
	}
	if ok, _ := path.Match(pattern, file); ok {
		return true
	}
	ok, _ := path.Match(pattern, path.Base(file))
	return ok
}
