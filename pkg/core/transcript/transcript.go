// Package transcript writes the human-readable audit trail of completed turns.
package transcript

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Turn is one completed request/response cycle.
type Turn struct {
	Provider         string
	SessionID        string
	WorkingDirectory string
	User             string
	Assistant        string
	Err              error
}

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
	labelStyle = lipgloss.NewStyle().Bold(true)
	metaStyle  = lipgloss.NewStyle().Faint(true)
)

// Logger writes a bordered block per turn to w and a structured line to the
// slog logger.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

func NewLogger(w io.Writer, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{w: w, logger: logger}
}

func (l *Logger) Log(t Turn) {
	if l == nil {
		return
	}
	attrs := []any{
		"provider", t.Provider,
		"session", ShortID(t.SessionID),
		"cwd", ShortPath(t.WorkingDirectory),
		"user_chars", len(t.User),
		"assistant_chars", len(t.Assistant),
	}
	if t.Err != nil {
		l.logger.Warn("turn failed", append(attrs, "error", t.Err)...)
	} else {
		l.logger.Info("turn complete", attrs...)
	}

	if l.w == nil {
		return
	}
	block := Render(t)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintln(l.w, block)
}

// Render formats t as a bordered block.
func Render(t Turn) string {
	meta := fmt.Sprintf("%s · %s · %s", orDash(t.Provider), orDash(ShortID(t.SessionID)), orDash(ShortPath(t.WorkingDirectory)))
	lines := []string{
		metaStyle.Render(meta),
		labelStyle.Render("You: ") + t.User,
		labelStyle.Render("Athena: ") + t.Assistant,
	}
	if t.Err != nil {
		lines = append(lines, labelStyle.Render("Error: ")+t.Err.Error())
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// ShortID returns the first 8 characters of a session id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ShortPath returns the last two segments of a path.
func ShortPath(p string) string {
	if p == "" {
		return ""
	}
	p = filepath.ToSlash(filepath.Clean(p))
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	return strings.Join(parts, "/")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
