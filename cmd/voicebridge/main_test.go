package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/voicebridge/pkg/core/sessiondir"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
	gatewayserver "github.com/vango-go/voicebridge/pkg/gateway/server"
)

const testSessionID = "44444444-4444-4444-8444-444444444444"

func noSignals(deps serveDeps) serveDeps {
	deps.signalNotify = func(c chan<- os.Signal, sig ...os.Signal) {}
	deps.signalStop = func(c chan<- os.Signal) {}
	return deps
}

func writeSessionLog(t *testing.T, root, cwd string, mtime time.Time) {
	t.Helper()
	dir := filepath.Join(root, "-srv-app")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	line, err := json.Marshal(map[string]any{
		"type":    "user",
		"cwd":     cwd,
		"message": map[string]any{"role": "user", "content": "fix the flaky test"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, testSessionID+".jsonl")
	if err := os.WriteFile(path, append(line, '\n'), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func fixedConfig(root string) func() (config.Config, error) {
	return func() (config.Config, error) {
		return config.Config{SessionsRoot: root, LogLevel: slog.LevelError}, nil
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"serve"}, io.Discard, &stderr, noSignals(serveDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(cfg config.Config, logger *slog.Logger) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil
		},
	}))

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q, want the config error", got)
	}
}

func TestRunMain_UnknownCommandFails(t *testing.T) {
	var stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"nope"}, io.Discard, &stderr, defaultServeDeps()); code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestOverrides_ReplaceOnlySetFields(t *testing.T) {
	cfg := config.Config{Addr: ":8013", SessionsRoot: "/from/env"}
	overrides{addr: "127.0.0.1:9000"}.apply(&cfg)
	if cfg.Addr != "127.0.0.1:9000" || cfg.SessionsRoot != "/from/env" {
		t.Fatalf("cfg=%+v", cfg)
	}
	overrides{sessionsRoot: "/flag"}.apply(&cfg)
	if cfg.Addr != "127.0.0.1:9000" || cfg.SessionsRoot != "/flag" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestRunServe_StopsWhenContextEnds(t *testing.T) {
	cfg := config.Config{
		Addr:                "127.0.0.1:0",
		SessionsRoot:        t.TempDir(),
		CORSAllowedOrigins:  map[string]struct{}{},
		ReadHeaderTimeout:   time.Second,
		ShutdownGracePeriod: time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg, logger, noSignals(defaultServeDeps()))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runServe did not stop")
	}
}

func TestSessionsCommand_JSON(t *testing.T) {
	root := t.TempDir()
	writeSessionLog(t, root, "/srv/app", time.Now().Add(-time.Hour))

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"sessions", "--format", "json"}, &stdout, &stderr,
		noSignals(serveDeps{loadConfig: fixedConfig(root)}))
	if code != 0 {
		t.Fatalf("exitCode=%d stderr=%q", code, stderr.String())
	}

	var records []sessiondir.Record
	if err := json.Unmarshal(stdout.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v (%q)", err, stdout.String())
	}
	if len(records) != 1 || records[0].ID != testSessionID || records[0].WorkingDirectory != "/srv/app" {
		t.Fatalf("records=%+v", records)
	}
}

func TestSessionsCommand_Table(t *testing.T) {
	root := t.TempDir()
	writeSessionLog(t, root, "/srv/app", time.Now().Add(-3*time.Hour))

	var stdout bytes.Buffer
	code := runMain(context.Background(), []string{"sessions"}, &stdout, io.Discard,
		noSignals(serveDeps{loadConfig: fixedConfig(root)}))
	if code != 0 {
		t.Fatalf("exitCode=%d", code)
	}
	out := stdout.String()
	for _, want := range []string{"SESSION ID", testSessionID, "/srv/app", "3h ago", "fix the flaky test"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}

func TestWriteSessionsTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSessionsTable(&buf, nil, time.Now()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(buf.String(), "(no sessions)") {
		t.Fatalf("table=%q", buf.String())
	}
}

func TestFormatAge(t *testing.T) {
	cases := map[time.Duration]string{
		10 * time.Second: "just now",
		5 * time.Minute:  "5m ago",
		2 * time.Hour:    "2h ago",
		50 * time.Hour:   "2d ago",
	}
	for d, want := range cases {
		if got := formatAge(d); got != want {
			t.Fatalf("formatAge(%v)=%q, want %q", d, got, want)
		}
	}
}

func TestDetectCommand_NoSessions(t *testing.T) {
	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"detect"}, io.Discard, &stderr,
		noSignals(serveDeps{loadConfig: fixedConfig(t.TempDir())}))
	if code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), errNoSessions.Error()) {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestDetectCommand_SelectsOnBridge(t *testing.T) {
	root := t.TempDir()
	writeSessionLog(t, root, "/srv/app", time.Now().Add(-time.Hour))

	var gotAuth string
	var gotBody map[string]string
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/session/select" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"sessionId":"` + testSessionID + `","cwd":"/srv/app","resumable":true}`))
	}))
	defer bridge.Close()

	deps := noSignals(serveDeps{loadConfig: fixedConfig(root), httpClient: bridge.Client()})
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"detect", "--bridge", bridge.URL, "--api-key", "sk_cli"}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exitCode=%d stderr=%q", code, stderr.String())
	}
	if gotAuth != "Bearer sk_cli" {
		t.Fatalf("Authorization=%q", gotAuth)
	}
	if gotBody["sessionId"] != testSessionID || gotBody["cwd"] != "/srv/app" {
		t.Fatalf("body=%v", gotBody)
	}
	if !strings.Contains(stdout.String(), "resumable") {
		t.Fatalf("stdout=%q", stdout.String())
	}
}

func TestSelectOnBridge_SurfacesErrorEnvelope(t *testing.T) {
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"not_found_error","message":"session not found"}}`))
	}))
	defer bridge.Close()

	_, err := selectOnBridge(context.Background(), bridge.Client(), bridge.URL, "", sessiondir.Record{ID: testSessionID})
	if err == nil || !strings.Contains(err.Error(), "session not found") || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err=%v", err)
	}
}
