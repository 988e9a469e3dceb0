package sse

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type noFlush struct{ http.ResponseWriter }

func TestWriter_DataAndDone(t *testing.T) {
	rr := httptest.NewRecorder()
	sw, err := New(rr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sw.Data(map[string]string{"object": "chat.completion.chunk"}); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if err := sw.Done(); err != nil {
		t.Fatalf("Done: %v", err)
	}

	want := "data: {\"object\":\"chat.completion.chunk\"}\n\ndata: [DONE]\n\n"
	if got := rr.Body.String(); got != want {
		t.Fatalf("body=%q, want %q", got, want)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	if !rr.Flushed {
		t.Fatalf("expected flush")
	}
}

func TestNew_RequiresFlusher(t *testing.T) {
	if _, err := New(noFlush{httptest.NewRecorder()}); err == nil {
		t.Fatalf("expected error for non-flushing writer")
	}
}
