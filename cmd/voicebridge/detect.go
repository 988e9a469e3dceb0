package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-go/voicebridge/pkg/core/sessiondir"
)

var errNoSessions = errors.New("no agent sessions found")

type selectResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId"`
	CWD       string `json:"cwd"`
	Resumable bool   `json:"resumable"`
}

func newDetectCmd(deps serveDeps) *cobra.Command {
	var (
		o         overrides
		bridgeURL string
		apiKey    string
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Find the most recent agent session and optionally select it on a running bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(deps, o)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

			rec, err := newDirectory(cfg, logger).Newest(cmd.Context())
			if errors.Is(err, sessiondir.ErrNotFound) {
				return errNoSessions
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session: %s\ncwd:     %s\n", rec.ID, rec.WorkingDirectory)

			if bridgeURL == "" {
				return nil
			}
			if apiKey == "" {
				apiKey = cfg.APIKey
			}
			sel, err := selectOnBridge(cmd.Context(), deps.httpClient, bridgeURL, apiKey, rec)
			if err != nil {
				return err
			}
			state := "resumable"
			if !sel.Resumable {
				state = "active elsewhere, will start fresh"
			}
			fmt.Fprintf(out, "selected on %s (%s)\n", bridgeURL, state)
			return nil
		},
	}
	cmd.Flags().StringVar(&o.sessionsRoot, "sessions-root", "", "agent session log directory (overrides BRIDGE_SESSIONS_ROOT)")
	cmd.Flags().StringVar(&bridgeURL, "bridge", "", "base URL of a running bridge to select the session on, e.g. http://localhost:8013")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "bearer key for the bridge (defaults to BRIDGE_API_KEY)")
	return cmd
}

func selectOnBridge(ctx context.Context, client *http.Client, baseURL, apiKey string, rec sessiondir.Record) (selectResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(map[string]string{
		"sessionId": rec.ID,
		"cwd":       rec.WorkingDirectory,
	})
	if err != nil {
		return selectResponse{}, err
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/v1/session/select"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return selectResponse{}, fmt.Errorf("build select request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return selectResponse{}, fmt.Errorf("select session: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return selectResponse{}, fmt.Errorf("read select response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var env struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
			return selectResponse{}, fmt.Errorf("select session: %s (status %d)", env.Error.Message, resp.StatusCode)
		}
		return selectResponse{}, fmt.Errorf("select session: status %d", resp.StatusCode)
	}

	var out selectResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return selectResponse{}, fmt.Errorf("decode select response: %w", err)
	}
	return out, nil
}
