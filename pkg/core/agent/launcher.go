package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Stream is the stdout of one running agent call.
type Stream interface {
	io.Reader
	// Wait blocks until the call has exited. Stdout must be fully read first.
	Wait() error
}

// Launcher starts one agent call.
type Launcher interface {
	Launch(ctx context.Context, q Query) (Stream, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, q Query) (Stream, error)

func (f LauncherFunc) Launch(ctx context.Context, q Query) (Stream, error) {
	return f(ctx, q)
}

// DefaultSystemPrompt is appended to the agent's own system prompt so answers
// suit being read aloud.
const DefaultSystemPrompt = "You are Athena, a voice assistant working in the user's projects. " +
	"Your replies are spoken aloud: answer in one to three short sentences of plain prose. " +
	"Do not use markdown, code blocks, tables or lists."

// CLILauncher runs the claude CLI in stream-json print mode. The prompt is
// written to stdin, never to argv.
type CLILauncher struct {
	Bin          string
	SystemPrompt string
	Env          []string

	// WaitDelay bounds how long a canceled call may take to exit after it
	// was interrupted before it is killed.
	WaitDelay time.Duration
}

func (l CLILauncher) args(q Query) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
	}
	if q.Model != "" {
		args = append(args, "--model", q.Model)
	}
	if q.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(q.MaxTurns))
	}
	if l.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", l.SystemPrompt)
	}
	if q.ResumeToken != "" {
		args = append(args, "--resume", q.ResumeToken)
	}
	if q.IncludePartial {
		args = append(args, "--include-partial-messages")
	}
	return args
}

func (l CLILauncher) Launch(ctx context.Context, q Query) (Stream, error) {
	bin := l.Bin
	if bin == "" {
		bin = "claude"
	}

	cmd := exec.CommandContext(ctx, bin, l.args(q)...)
	cmd.Dir = q.WorkingDirectory
	cmd.Stdin = strings.NewReader(q.Prompt)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	return &cliStream{Reader: stdout, cmd: cmd, stderr: stderr}, nil
}

type cliStream struct {
	io.Reader
	cmd    *exec.Cmd
	stderr *tailBuffer
}

func (s *cliStream) Wait() error {
	if err := s.cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
