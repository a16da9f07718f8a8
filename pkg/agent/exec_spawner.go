package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecSpawner implements BatchSpawner by running the claude CLI in print mode.
type ExecSpawner struct {
	// Command is the executable to run (default "claude").
	Command string
}

// Spawn starts `<command> -p <prompt> --model <model>` in workdir.
func (s *ExecSpawner) Spawn(ctx context.Context, model, prompt, workdir string) (Process, error) {
	command := s.Command
	if command == "" {
		command = "claude"
	}
	args := []string{"-p", prompt}
	if model != "" {
		args = append(args, "--model", model)
	}
	cmd := exec.CommandContext(ctx, command, args...) //nolint:gosec // command comes from operator config
	cmd.Dir = workdir

	p := &execProcess{cmd: cmd}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}
	return p, nil
}

// execProcess wraps exec.Cmd to implement Process.
type execProcess struct {
	cmd    *exec.Cmd
	stdout strings.Builder
	stderr strings.Builder
}

// Wait waits for the subprocess to exit. A failed exit carries the last line
// of stderr.
func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		if tail := lastLine(p.stderr.String()); tail != "" {
			return fmt.Errorf("wait: %w: %s", err, tail)
		}
		return fmt.Errorf("wait: %w", err)
	}
	return nil
}

// Kill sends SIGKILL to the subprocess.
func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill: %w", err)
	}
	return nil
}

func (p *execProcess) Output() (string, error) { return p.stdout.String(), nil } //nolint:revive // interface impl

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
