package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebridge/pkg/core/agent"
	"github.com/vango-go/voicebridge/pkg/core/conversation"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
	"github.com/vango-go/voicebridge/pkg/gateway/lifecycle"
	"github.com/vango-go/voicebridge/pkg/gateway/live/sessions"
	"github.com/vango-go/voicebridge/pkg/gateway/metrics"
)

type voiceFixture struct {
	handler VoiceHandler
	agent   *scriptedAgent
	store   *conversation.MemoryStore
	srv     *httptest.Server
}

func newVoiceFixture(t *testing.T) *voiceFixture {
	t.Helper()
	f := &voiceFixture{
		agent: &scriptedAgent{events: []agent.Event{
			{Kind: agent.KindSessionID, SessionID: "sess-new"},
			{Kind: agent.KindResult, Text: "Hi."},
		}},
		store: conversation.NewMemoryStore(),
	}
	f.handler = VoiceHandler{
		Config: config.Config{
			AuthToken:        "secret",
			WorkingDirectory: "/srv/default",
			STTModel:         "whisper-1",
		},
		Logger:    discardLogger(),
		Agent:     f.agent,
		Store:     f.store,
		Directory: testDirectory(),
		Metrics:   metrics.New(),
		Lifecycle: &lifecycle.Lifecycle{},
		Sessions:  sessions.NewTracker(),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.handler.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *voiceFixture) url(query string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/voice?" + query
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

func TestVoiceHandler_RejectsBadToken(t *testing.T) {
	f := newVoiceFixture(t)

	for _, q := range []string{"", "token=wrong"} {
		_, resp, err := websocket.DefaultDialer.Dial(f.url(q), nil)
		if err == nil {
			t.Fatalf("%q: expected handshake failure", q)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%q: resp=%v", q, resp)
		}
	}
	if n := f.handler.Sessions.Count(); n != 0 {
		t.Fatalf("tracked connections=%d", n)
	}
}

func TestVoiceHandler_RejectsWhileDraining(t *testing.T) {
	f := newVoiceFixture(t)
	f.handler.Lifecycle.StartDraining(time.Now())

	_, resp, err := websocket.DefaultDialer.Dial(f.url("token=secret"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err=%v resp=%v", err, resp)
	}
}

func TestVoiceHandler_TextTurnSeededFromQuery(t *testing.T) {
	f := newVoiceFixture(t)

	c, _, err := websocket.DefaultDialer.Dial(f.url("token=secret&session_id="+idIdle), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteJSON(map[string]string{"type": "text", "text": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := readFrame(t, c); m["type"] != "response_text" || m["text"] != "Hi." {
		t.Fatalf("frame=%v", m)
	}
	if m := readFrame(t, c); m["type"] != "tts_end" {
		t.Fatalf("frame=%v", m)
	}

	q := f.agent.lastQuery()
	if q.Prompt != "hello" || q.ResumeToken != idIdle || q.WorkingDirectory != "/srv/web" {
		t.Fatalf("query=%+v", q)
	}
	sess, ok := f.store.Get(conversation.DefaultKey)
	if !ok || sess.ResumeToken != "sess-new" {
		t.Fatalf("store=%+v ok=%v", sess, ok)
	}
	if n := f.handler.Sessions.Count(); n != 1 {
		t.Fatalf("tracked connections=%d", n)
	}
}

func TestVoiceHandler_CwdParamAndStoreSeed(t *testing.T) {
	f := newVoiceFixture(t)
	f.store.Set(conversation.Session{Key: conversation.DefaultKey, ResumeToken: "sess-old", WorkingDirectory: "/srv/stored"})

	c, _, err := websocket.DefaultDialer.Dial(f.url("token=secret&cwd=/tmp/here"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteJSON(map[string]string{"type": "text", "text": "status?"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, c)
	readFrame(t, c)

	q := f.agent.lastQuery()
	if q.ResumeToken != "sess-old" || q.WorkingDirectory != "/tmp/here" {
		t.Fatalf("query=%+v", q)
	}
}

func TestVoiceHandler_SeedResumesOnlyKnownIdleSessions(t *testing.T) {
	const idUnknown = "11111111-2222-4333-8444-555555555555"
	f := newVoiceFixture(t)
	dir := testDirectory()
	dir.workdirs = map[string]string{idIdle: "/srv/selected"}
	f.handler.Directory = dir

	cases := []struct {
		name       string
		query      string
		wantResume string
		wantCwd    string
	}{
		{"idle", "sessionId=" + idIdle, idIdle, "/srv/selected"},
		{"active", "sessionId=" + idActive, "", "/srv/api"},
		{"unknown", "sessionId=" + idUnknown, "", "/srv/default"},
		{"malformed", "sessionId=NOT-A-UUID", "", "/srv/default"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws/voice?"+tc.query, nil)
			got := f.handler.seed(r, conversation.DefaultKey)
			if got.ResumeToken != tc.wantResume || got.WorkingDirectory != tc.wantCwd {
				t.Fatalf("seed=%+v, want resume %q cwd %q", got, tc.wantResume, tc.wantCwd)
			}
		})
	}
}

func TestVoiceHandler_ActiveSessionDropsStoredToken(t *testing.T) {
	f := newVoiceFixture(t)
	f.store.Set(conversation.Session{Key: conversation.DefaultKey, ResumeToken: "sess-old"})

	r := httptest.NewRequest(http.MethodGet, "/ws/voice?session_id="+idActive, nil)
	got := f.handler.seed(r, conversation.DefaultKey)
	if got.ResumeToken != "" {
		t.Fatalf("resume=%q, want none for an active session", got.ResumeToken)
	}
}

func TestVoiceHandler_ConnectionLeavesTracker(t *testing.T) {
	f := newVoiceFixture(t)

	c, _, err := websocket.DefaultDialer.Dial(f.url("token=secret"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for f.handler.Sessions.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection still tracked")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
