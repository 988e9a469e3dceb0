package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/vango-go/voicebridge/pkg/core/conversation"
	"github.com/vango-go/voicebridge/pkg/core/sessiondir"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
)

func newDirectory(cfg config.Config, logger *slog.Logger) *sessiondir.Directory {
	return sessiondir.New(sessiondir.Config{
		Scanner: sessiondir.Scanner{
			Root:     cfg.SessionsRoot,
			MaxDepth: cfg.SessionsMaxDepth,
		},
		TTL:          cfg.SessionsTTL,
		ActiveWindow: cfg.SessionsActiveWindow,
		Limit:        cfg.SessionsLimit,
	}, conversation.NewMemoryStore(), logger)
}

func newSessionsCmd(deps serveDeps) *cobra.Command {
	var (
		o          overrides
		formatFlag string
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent agent sessions that can be resumed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(deps, o)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			records, err := newDirectory(cfg, logger).List(cmd.Context())
			if err != nil {
				return err
			}
			switch strings.ToLower(formatFlag) {
			case "", "table":
				return writeSessionsTable(cmd.OutOrStdout(), records, time.Now())
			case "json":
				return writeSessionsJSON(cmd.OutOrStdout(), records)
			default:
				return fmt.Errorf("unsupported --format %q (want table or json)", formatFlag)
			}
		},
	}
	cmd.Flags().StringVar(&o.sessionsRoot, "sessions-root", "", "agent session log directory (overrides BRIDGE_SESSIONS_ROOT)")
	cmd.Flags().StringVar(&formatFlag, "format", "table", "output format: table or json")
	return cmd
}

func writeSessionsJSON(w io.Writer, records []sessiondir.Record) error {
	if records == nil {
		records = []sessiondir.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func writeSessionsTable(w io.Writer, records []sessiondir.Record, now time.Time) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateHeader = true

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 4, Align: text.AlignCenter, AlignHeader: text.AlignCenter},
		{Number: 5, Align: text.AlignLeft, AlignHeader: text.AlignCenter, WidthMax: 60},
	})
	tw.AppendHeader(table.Row{"Session ID", "CWD", "Modified", "Active", "Last message"})

	for _, r := range records {
		active := ""
		if r.IsActive {
			active = "yes"
		}
		tw.AppendRow(table.Row{
			r.ID,
			r.WorkingDirectory,
			formatAge(now.Sub(r.LastModified)),
			active,
			strings.ReplaceAll(r.LastMessagePreview, "\n", " "),
		})
	}
	if len(records) == 0 {
		tw.AppendRow(table.Row{"(no sessions)", "-", "-", "", "-"})
	}

	_ = tw.Render()
	return nil
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}
