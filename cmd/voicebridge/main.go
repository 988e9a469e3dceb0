package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/vango-go/voicebridge/internal/dotenv"
)

// envFiles are loaded before the config is read. Values already in the
// environment win, then .env.local, then .env.
var envFiles = []string{".env.local", ".env"}

func newRootCmd(deps serveDeps) *cobra.Command {
	root := &cobra.Command{
		Use:           "voicebridge",
		Short:         "Voice and chat bridge for the claude CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return dotenv.LoadFiles(envFiles...)
		},
	}
	root.AddCommand(newServeCmd(deps))
	root.AddCommand(newSessionsCmd(deps))
	root.AddCommand(newDetectCmd(deps))
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps serveDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	root := newRootCmd(deps)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "voicebridge: %v\n", err)
		return 1
	}
	return 0
}

// newLogger writes human-readable logs to a terminal and JSON otherwise.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if isTerminal(w) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultServeDeps()))
}
