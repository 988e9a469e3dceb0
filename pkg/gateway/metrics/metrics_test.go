package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsAndExposition(t *testing.T) {
	m := New()
	m.TurnCompleted(SourceVoice, OutcomeOK)
	m.TurnCompleted(SourceVoice, OutcomeOK)
	m.TurnCompleted(SourceCompletions, OutcomeError)
	m.TurnDropped()
	m.Interrupted()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ObserveAgent(SourceVoice, 1500*time.Millisecond)

	if got := testutil.ToFloat64(m.turns.WithLabelValues(SourceVoice, OutcomeOK)); got != 2 {
		t.Fatalf("voice ok turns=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.droppedTurns); got != 1 {
		t.Fatalf("dropped=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Fatalf("connections=%v, want 1", got)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		"voicebridge_turns_total",
		"voicebridge_interrupts_total 1",
		"voicebridge_agent_turn_seconds_bucket",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.TurnCompleted(SourceVoice, OutcomeOK)
	m.TurnDropped()
	m.Interrupted()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ObserveAgent(SourceVoice, time.Second)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rr.Code)
	}
}
